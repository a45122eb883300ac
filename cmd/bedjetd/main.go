// Bedjetd is a daemon that drives a BedJet V3 climate appliance over BLE.
//
// It holds the single BLE connection the appliance allows, reconnects when
// the link drops or is seized by another client, and exposes the device
// northbound over MQTT and Prometheus.
//
// Usage:
//
//	bedjetd run [flags]
//	bedjetd scan [flags]
//
// See 'bedjetd run --help' for available options.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaz8081/bedjetd/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bedjetd",
	Short: "BedJet V3 BLE daemon",
	Long: `A daemon for driving a BedJet V3 climate appliance over Bluetooth LE.

The BedJet accepts a single BLE connection at a time. bedjetd keeps hold of
that connection, decodes status notifications into a state snapshot, and
republishes it over MQTT and Prometheus. Commands (mode, temperature, fan,
timer, presets) are accepted on MQTT topics.`,
	Version: version.Version,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bedjetd %s\n", version.Full())
	},
}
