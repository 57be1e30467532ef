package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tuxillo/fleetd/pkg/config"
	"github.com/tuxillo/fleetd/pkg/registry"
	"github.com/tuxillo/fleetd/pkg/storage"
)

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Manage hosts against a fleetd store directly",
	Long: `These commands operate on fleetd's BoltDB store directly rather
than through the HTTP API, for operator bootstrapping before the
process is running (or while it's down).`,
}

var hostTokenCmd = &cobra.Command{
	Use:   "token HOST_ID",
	Short: "Provision a host and print its bootstrap token (shown exactly once)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := openStoreForCmd(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		reg := registry.New(store, registry.Config{AllowAutoCreate: cfg.AllowUnknownHostRegistration})
		token, err := reg.ProvisionHost(args[0])
		if err != nil {
			return fmt.Errorf("provisioning host %s: %w", args[0], err)
		}
		fmt.Println(token)
		return nil
	},
}

var hostListCmd = &cobra.Command{
	Use:   "list",
	Short: "List hosts known to the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStoreForCmd(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		hosts, err := store.ListHosts()
		if err != nil {
			return fmt.Errorf("listing hosts: %w", err)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "HOST_ID\tENABLED\tLAST_SEEN\tCPU_FREE\tRAM_FREE_MB")
		for _, h := range hosts {
			fmt.Fprintf(w, "%s\t%t\t%s\t%d\t%d\n", h.HostID, h.Enabled, h.LastSeen, h.CPUFree, h.RAMFreeMB)
		}
		return w.Flush()
	},
}

func init() {
	hostCmd.AddCommand(hostTokenCmd)
	hostCmd.AddCommand(hostListCmd)
}

func openStoreForCmd(cmd *cobra.Command) (config.Config, *storage.BoltStore, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("loading config: %w", err)
	}
	store, err := storage.NewBoltStoreWithRetention(cfg.DataDir, cfg.EventRetentionCount)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("opening store at %s: %w", cfg.DataDir, err)
	}
	return cfg, store, nil
}
