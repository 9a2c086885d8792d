package cli

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/grantcarthew/devlink/internal/cli/format"
	"github.com/grantcarthew/devlink/internal/message"
	"github.com/grantcarthew/devlink/internal/transport"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for devices",
	Long: `Asks the server to scan for devices and prints each device as it is found.
Scanning stops after --duration, when the server reports the scan finished, or on interrupt.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var scanDuration time.Duration

func init() {
	scanCmd.Flags().DurationVar(&scanDuration, "duration", 5*time.Second, "How long to scan")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	jsonOut := JSONOutput
	opts := textOptions()

	return withSession(ctx, func(s Session) error {
		var (
			mu    sync.Mutex
			found = []message.Device{}
		)
		defer s.OnDeviceAdded(func(d message.Device) {
			mu.Lock()
			found = append(found, d)
			mu.Unlock()
			if !jsonOut {
				format.Device(os.Stdout, "+ ", d, opts)
			}
		})()

		finished := make(chan struct{})
		var finishOnce sync.Once
		defer s.OnScanningFinished(func() {
			finishOnce.Do(func() { close(finished) })
		})()

		lost := make(chan transport.CloseEvent, 1)
		defer s.OnDisconnect(func(e transport.CloseEvent) {
			select {
			case lost <- e:
			default:
			}
		})()

		if err := s.StartScanning(ctx); err != nil {
			return outputError(err.Error())
		}
		debugf("scanning for %s", scanDuration)

		timer := time.NewTimer(scanDuration)
		defer timer.Stop()

		stillScanning := true
		select {
		case <-timer.C:
		case <-finished:
			stillScanning = false
		case e := <-lost:
			return outputError(fmt.Sprintf("connection lost during scan (%s)", e.Reason))
		case <-ctx.Done():
		}

		if stillScanning {
			if err := s.StopScanning(context.WithoutCancel(ctx)); err != nil {
				return outputError(err.Error())
			}
		}

		mu.Lock()
		result := make([]message.Device, len(found))
		copy(result, found)
		mu.Unlock()

		if jsonOut {
			return outputSuccess(map[string]any{"devices": result})
		}
		if len(result) == 0 {
			fmt.Fprintln(os.Stdout, "No new devices")
		}
		return nil
	})
}
