package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/grantcarthew/devlink/internal/cli/format"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show server information",
	Long:  "Connects to the server, performs the handshake and prints the server's name, message version and ping deadline.",
	Args:  cobra.NoArgs,
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	return withSession(commandContext(cmd), func(s Session) error {
		info, ok := s.ServerInfo()
		if !ok {
			return outputError("no server information available")
		}

		if JSONOutput {
			return outputSuccess(map[string]any{
				"serverName":     info.ServerName,
				"messageVersion": info.MessageVersion,
				"maxPingTime":    info.MaxPingTime,
				"devices":        len(s.Devices()),
			})
		}

		return format.ServerInfo(os.Stdout, info, len(s.Devices()), textOptions())
	})
}
