// Command test-scan is a manual test for discovery and GATT access.
// It scans for one window and lists what it found. With --address it then
// connects and reads one characteristic.
//
// Usage:
//
//	go run ./cmd/test-scan [--window 10s] [--address AA:BB:CC:DD:EE:FF --service 180f --char 2a19]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chaz8081/syncble/internal/ble"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	window := flag.Duration("window", 10*time.Second, "scan window")
	address := flag.String("address", "", "device to connect to after the scan")
	service := flag.String("service", "180f", "service UUID (16-bit or full)")
	char := flag.String("char", "2a19", "characteristic UUID to read (16-bit or full)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	finished := make(chan struct{}, 1)
	connected := make(chan struct{}, 1)
	signal := func(ch chan struct{}) {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	publisher := ble.PublisherFunc(func(e ble.Event) {
		switch e.Kind {
		case ble.ScanFinished:
			signal(finished)
		case ble.DeviceConnected:
			signal(connected)
		case ble.DeviceError:
			fmt.Printf("device error: status %d\n", e.Status)
		}
	})

	mgr := ble.NewManager(ble.NewTinyGoDriver(log.Logger), ble.Options{
		ScanWindow: *window,
		Logger:     &log.Logger,
		Publisher:  publisher,
	})
	defer mgr.Shutdown()

	fmt.Printf("Scanning for %s...\n", *window)
	if err := mgr.StartScan(false); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	<-finished

	// The finished window has already rolled into the previous snapshot.
	devices := mgr.PreviousDevices()
	fmt.Printf("\nFound %d device(s):\n", len(devices))
	for _, d := range devices {
		fmt.Printf("  %s  %s\n", d.Address, d.Name)
	}

	if *address == "" {
		return
	}

	svc, err := parseUUID(*service)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	chr, err := parseUUID(*char)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	addr := strings.ToUpper(*address)
	fmt.Printf("\nConnecting to %s...\n", addr)
	if err := mgr.Connect(addr, false); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	select {
	case <-connected:
	case <-time.After(30 * time.Second):
		fmt.Println("Error: timed out waiting for the connection")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	read := ble.Read(svc, chr)
	if err := mgr.SubmitContext(ctx, ble.NewSyncTask(ble.Check(svc, chr), read)); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if !read.Succeeded() {
		fmt.Println("Read failed")
		return
	}
	fmt.Printf("Read %s/%s: % x\n", svc, chr, read.Value())
	mgr.Disconnect()
	fmt.Println("\nDone!")
}

func parseUUID(s string) (uuid.UUID, error) {
	if len(s) == 4 {
		var short uint16
		if _, err := fmt.Sscanf(s, "%04x", &short); err != nil {
			return uuid.Nil, fmt.Errorf("invalid short UUID %q", s)
		}
		return ble.ShortUUID(short), nil
	}
	return uuid.Parse(s)
}
