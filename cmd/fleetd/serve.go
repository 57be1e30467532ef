package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tuxillo/fleetd/pkg/api"
	"github.com/tuxillo/fleetd/pkg/config"
	"github.com/tuxillo/fleetd/pkg/controller"
	"github.com/tuxillo/fleetd/pkg/events"
	"github.com/tuxillo/fleetd/pkg/gc"
	"github.com/tuxillo/fleetd/pkg/httpclient"
	"github.com/tuxillo/fleetd/pkg/log"
	"github.com/tuxillo/fleetd/pkg/metrics"
	"github.com/tuxillo/fleetd/pkg/nodeagent"
	"github.com/tuxillo/fleetd/pkg/provisioner"
	"github.com/tuxillo/fleetd/pkg/reconciler"
	"github.com/tuxillo/fleetd/pkg/registry"
	"github.com/tuxillo/fleetd/pkg/scaler"
	"github.com/tuxillo/fleetd/pkg/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fleetd control plane: API server plus the scaler, provisioner, reconciler, and GC loops",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogFormat == "json",
	})

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("creating data dir %s: %w", cfg.DataDir, err)
	}
	store, err := storage.NewBoltStoreWithRetention(cfg.DataDir, cfg.EventRetentionCount)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	notifyingStore := events.Wrap(store, broker)

	reg := registry.New(notifyingStore, registry.Config{
		AllowAutoCreate: cfg.AllowUnknownHostRegistration,
	})

	adapter := controller.Adapter(controller.NewJenkinsAdapter(
		cfg.JenkinsURL, cfg.JenkinsUser, cfg.JenkinsAPIToken,
		httpclient.RetryPolicy{Attempts: cfg.RetryAttempts, Sleep: cfg.RetrySleep()},
	))

	nodeAgents := newNodeAgentFactory(notifyingStore, cfg)

	prov := provisioner.New(notifyingStore, adapter, nodeAgents, provisioner.Config{
		ControllerURL: cfg.JenkinsURL,
	})

	scl := scaler.New(notifyingStore, adapter, prov, scaler.Config{
		LoopInterval:     cfg.LoopInterval(),
		GlobalMaxVMs:     cfg.GlobalMaxVMs,
		LabelMaxInflight: cfg.LabelMaxInflight,
		LabelBurst:       cfg.LabelBurst,
		ConnectDeadline:  cfg.ConnectDeadline(),
		VMTTL:            cfg.VMTTL(),
		HostStaleTimeout: cfg.HostStaleTimeout(),
	})

	recon := reconciler.New(notifyingStore, adapter, nodeAgents, reconciler.Config{
		LoopInterval:      cfg.LoopInterval(),
		BootGrace:         cfg.BootGrace(),
		DisconnectedGrace: cfg.DisconnectedGrace(),
	})

	collector := metrics.NewCollector(notifyingStore)

	gcLoop := gc.New(notifyingStore, adapter, nodeAgents, gc.Config{
		LoopInterval:     cfg.GCInterval(),
		RetryBudget:      cfg.RetryBudget,
		HostStaleTimeout: cfg.HostStaleTimeout(),
	})

	apiServer := api.NewServer(cfg.ListenAddr, notifyingStore, reg, broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !cfg.DisableBackgroundLoops {
		scl.Start(ctx)
		recon.Start(ctx)
		gcLoop.Start(ctx)
		collector.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := apiServer.Start(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	mainLog := log.WithComponent("main")
	mainLog.Info().Str("addr", cfg.ListenAddr).Msg("fleetd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		mainLog.Info().Msg("shutdown signal received")
	case err := <-errCh:
		mainLog.Error().Err(err).Msg("api server failed")
	}

	cancel()
	if !cfg.DisableBackgroundLoops {
		collector.Stop()
		gcLoop.Stop()
		recon.Stop()
		scl.Stop()
	}
	if err := apiServer.Stop(); err != nil {
		mainLog.Error().Err(err).Msg("api server shutdown error")
	}

	mainLog.Info().Msg("fleetd stopped")
	return nil
}

// newNodeAgentFactory resolves a host_id to a nodeagent.Client against
// its registered AgentURL (spec §4.2's "advertised node-agent URL"),
// shared by the provisioner, reconciler, and GC so none of
// them keeps its own client cache.
func newNodeAgentFactory(store storage.Store, cfg config.Config) provisioner.NodeAgentFactory {
	policy := httpclient.RetryPolicy{Attempts: cfg.RetryAttempts, Sleep: cfg.RetrySleep()}
	return func(hostID string) (*nodeagent.Client, error) {
		host, err := store.GetHost(hostID)
		if err != nil {
			return nil, fmt.Errorf("resolving node agent for host %s: %w", hostID, err)
		}
		if host.AgentURL == "" {
			return nil, fmt.Errorf("host %s has no registered node-agent URL", hostID)
		}
		return nodeagent.New(host.AgentURL, cfg.NodeAgentAuthToken, policy), nil
	}
}

