package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Measure a ping round trip",
	Args:  cobra.NoArgs,
	RunE:  runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
}

func runPing(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	return withSession(ctx, func(s Session) error {
		start := time.Now()
		if err := s.Ping(ctx); err != nil {
			return outputError(err.Error())
		}
		rtt := time.Since(start)

		if JSONOutput {
			return outputSuccess(map[string]any{"rttMs": float64(rtt.Microseconds()) / 1000})
		}
		fmt.Fprintf(os.Stdout, "pong (%s)\n", rtt.Round(time.Microsecond))
		return nil
	})
}
