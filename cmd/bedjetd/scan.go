package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/bedjetd/internal/bedjet/protocol"
	"github.com/chaz8081/bedjetd/internal/ble"
)

var scanTimeout time.Duration

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BedJet devices",
	Long: `Scan for nearby BedJet devices advertising the BedJet service and
print their addresses. Use the address as device.address in the config.`,
	Example: `  bedjetd scan
  bedjetd scan --timeout 30s`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 10*time.Second, "How long to scan before giving up")
}

func runScan(cmd *cobra.Command, args []string) error {
	adapter := ble.NewBlueZAdapter()
	if err := adapter.Enable(); err != nil {
		return fmt.Errorf("enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	defer cancel()

	fmt.Printf("Scanning for BedJet devices (%s)...\n", scanTimeout)
	devices, err := adapter.Scan(ctx, protocol.ServiceUUID)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	if len(devices) == 0 {
		fmt.Println("No BedJet devices found. Make sure the unit is powered and not connected to another app.")
		return nil
	}

	fmt.Printf("Found %d device(s):\n", len(devices))
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = "(no name)"
		}
		fmt.Printf("  %s  %s  RSSI %d\n", d.Address, name, d.RSSI)
	}
	return nil
}
