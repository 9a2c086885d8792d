package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop [index]",
	Short: "Stop one device or all devices",
	Long:  "Stops output on the device with the given index, or on every device when no index is given.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	var (
		index uint32
		all   = len(args) == 0
	)
	if !all {
		n, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return outputError(fmt.Sprintf("invalid device index %q", args[0]))
		}
		index = uint32(n)
	}

	ctx := commandContext(cmd)
	return withSession(ctx, func(s Session) error {
		var err error
		if all {
			err = s.StopAllDevices(ctx)
		} else {
			err = s.StopDevice(ctx, index)
		}
		if err != nil {
			return outputError(err.Error())
		}
		return outputSuccess(nil)
	})
}
