package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/grantcarthew/devlink/internal/message"
	"github.com/grantcarthew/devlink/internal/testserver"
)

func main() {
	port := "12345"
	if len(os.Args) > 1 {
		port = os.Args[1]
	}

	srv := testserver.New("devlink test server",
		message.Device{DeviceName: "Test Vibrator", DeviceIndex: 0},
	)
	srv.MaxPingTime = 1000
	srv.ScanDelay = 750 * time.Millisecond
	srv.ScanDevices = []message.Device{
		{DeviceName: "Test Rotator", DeviceIndex: 1, DeviceDisplayName: "Desk"},
		{DeviceName: "Test Linear", DeviceIndex: 2, DeviceMessageTimingGap: 100},
	}

	addr := ":" + port
	fmt.Printf("Test device server starting on ws://localhost%s\n", addr)
	fmt.Println("\nBehaviour:")
	fmt.Println("  1 device known at start")
	fmt.Println("  2 more devices announced during a scan, then ScanningFinished")
	fmt.Println("  MaxPingTime 1000ms")
	fmt.Println("\nTry: devctl --address ws://localhost" + addr + " repl")
	fmt.Println("\nPress Ctrl+C to stop")

	hs := &http.Server{Addr: addr, Handler: srv}
	hs.RegisterOnShutdown(srv.Shutdown)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = hs.Shutdown(context.Background())
	}()

	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
