package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "fleetd - ephemeral VM executor fleet control plane",
	Long: `fleetd is the control plane for an ephemeral virtual-machine
executor fleet attached to a CI job controller: it registers hosts,
places and provisions leases, scales the fleet to queue depth, and
reconciles and garbage-collects drift across the controller, the
node agents, and its own store.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"fleetd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "path to a YAML config overlay file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(hostCmd)
}
