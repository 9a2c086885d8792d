package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/grantcarthew/devlink/internal/cli/format"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List connected devices",
	Long:  "Connects to the server and prints the devices it currently knows about, ordered by index.",
	Args:  cobra.NoArgs,
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	return withSession(commandContext(cmd), func(s Session) error {
		devices := s.Devices()
		if JSONOutput {
			return outputSuccess(map[string]any{"devices": devices})
		}
		return format.Devices(os.Stdout, devices, textOptions())
	})
}

// textOptions returns the formatting options for the current flags.
func textOptions() format.OutputOptions {
	return format.NewOutputOptions(JSONOutput, NoColor)
}
