// Command sipwell-scan is a manual test for the Bluetooth link. It scans
// for tumblers and prints each one found; with --connect it connects,
// prints telemetry as it arrives and sends an optional command.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/sipwell-scan [--timeout 10s] [--connect ID] [--command '{"command":"get_readings"}']
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/sipwell/internal/ble"
	"github.com/chaz8081/sipwell/internal/ble/protocol"
)

func main() {
	timeout := flag.Duration("timeout", 10*time.Second, "scan duration")
	connect := flag.String("connect", "", "device id to connect to instead of scanning")
	command := flag.String("command", "", "command JSON to send once connected")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	var cmd protocol.Command
	if *command != "" {
		var err error
		if cmd, err = protocol.ParseCommand([]byte(*command)); err != nil {
			log.Fatalf("command: %v", err)
		}
	}

	adapter := ble.NewSystemAdapter()
	defer adapter.Close()

	opts := ble.DefaultOptions()
	opts.ScanTimeout = *timeout
	mgr, err := ble.NewManager(adapter, opts)
	if err != nil {
		log.Fatalf("bluetooth: %v", err)
	}
	defer mgr.Close()

	events, cancel := mgr.Subscribe(64)
	defer cancel()

	if *connect != "" {
		fmt.Printf("Connecting to %s...\n", *connect)
		err = mgr.Connect(ble.Identity(*connect))
	} else {
		fmt.Printf("Scanning for %s...\n", *timeout)
		err = mgr.StartScan()
	}
	if err != nil {
		log.Fatalf("start: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	printed := make(map[ble.Identity]bool)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case ble.EventState:
				fmt.Printf("state: %s\n", ev.State)
				if *connect == "" && ev.State.Kind != ble.StateScanning {
					return
				}
			case ble.EventDevices:
				for _, d := range ev.Devices {
					if printed[d.ID] {
						continue
					}
					printed[d.ID] = true
					fmt.Printf("  %-40s %-20s %d dBm\n", d.ID, d.Name, d.RSSI)
				}
			case ble.EventReady:
				if cmd != nil {
					if err := mgr.Send(cmd); err != nil {
						fmt.Printf("send: %v\n", err)
					}
				}
			case ble.EventTelemetry:
				fmt.Printf("water %.0f/%.0f ml (%.0f%%)  sugar %.1f/%.1f g (%.0f%%)\n",
					ev.Telemetry.Hydration.WeightML, ev.Telemetry.Hydration.MaxML, ev.Telemetry.Hydration.Percentage,
					ev.Telemetry.Sugar.WeightG, ev.Telemetry.Sugar.MaxG, ev.Telemetry.Sugar.Percentage)
			case ble.EventBattery:
				fmt.Printf("battery %d%%\n", ev.Battery)
			case ble.EventMessage:
				fmt.Printf("device: %s\n", ev.Message.Text)
			}
		case <-sig:
			fmt.Println("\nShutting down...")
			return
		}
	}
}
