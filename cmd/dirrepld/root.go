package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isometry/dirrepl/internal/config"
	"github.com/isometry/dirrepl/internal/logging"
	"github.com/isometry/dirrepl/internal/metrics"
	"github.com/isometry/dirrepl/internal/remote"
	"github.com/isometry/dirrepl/internal/replication"
	"github.com/isometry/dirrepl/internal/tasks"
	"github.com/isometry/dirrepl/internal/topology"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "dirrepld",
		Short:         "Directory task and replication daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "dirrepld.yaml", "configuration file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.Load(configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: configuration OK\n", configPath)
			return nil
		},
	})
	return root
}

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	node, err := buildNode(cfg, logger)
	if err != nil {
		return err
	}
	defer node.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           metrics.Handler(node),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics listening", zap.String("addr", cfg.Metrics.Listen))
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("daemon started", zap.String("instance", cfg.Instance.Name))
	<-ctx.Done()
	logger.Info("shutting down")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown", zap.Error(err))
		}
	}
	return nil
}

// buildNode assembles the instance from its configuration: backends,
// replica roles and outbound agreements.
func buildNode(cfg *config.Config, logger *zap.Logger) (*topology.Node, error) {
	node, err := topology.NewNode(cfg.Instance.Name, provisionalReplicaID(cfg), logger,
		tasks.WithWorkers(cfg.Tasks.Workers))
	if err != nil {
		return nil, err
	}

	for _, b := range cfg.Backends {
		if err := node.CreateBackend(b.Name, b.Suffix); err != nil {
			node.Close()
			return nil, fmt.Errorf("backend %q: %w", b.Name, err)
		}
	}

	for _, r := range cfg.Replicas {
		role, err := parseRole(r.Role)
		if err != nil {
			node.Close()
			return nil, err
		}
		if _, err := node.Repl.EnableReplica(r.Suffix, r.ReplicaID, role); err != nil {
			node.Close()
			return nil, fmt.Errorf("replica for %q: %w", r.Suffix, err)
		}
		if role != replication.RoleConsumer {
			node.Store.Sequencer().SetReplicaID(r.ReplicaID)
		}
	}

	for _, a := range cfg.Agreements {
		connCfg, err := remote.NewConnectionConfig(a.URLs, a.BindDN, a.BindPassword)
		if err != nil {
			node.Close()
			return nil, fmt.Errorf("agreement %q: %w", a.Name, err)
		}
		pool, err := remote.NewPool(connCfg, logger)
		if err != nil {
			node.Close()
			return nil, fmt.Errorf("agreement %q: %w", a.Name, err)
		}
		_, err = node.Repl.AddAgreement(replication.AgreementConfig{
			Name:       a.Name,
			Suffix:     a.Suffix,
			StripAttrs: a.StripAttrs,
		}, remote.NewConsumer(pool, logger))
		if err != nil {
			_ = pool.Close()
			node.Close()
			return nil, fmt.Errorf("agreement %q: %w", a.Name, err)
		}
	}
	return node, nil
}

// provisionalReplicaID picks the sequencer's initial ID. The first
// writable replica's administrative ID is used when configured so local
// CSNs carry it from the start.
func provisionalReplicaID(cfg *config.Config) uint16 {
	for _, r := range cfg.Replicas {
		if r.ReplicaID != 0 {
			return r.ReplicaID
		}
	}
	return 65535
}

func parseRole(s string) (replication.Role, error) {
	switch strings.ToLower(s) {
	case "supplier":
		return replication.RoleSupplier, nil
	case "hub":
		return replication.RoleHub, nil
	case "consumer":
		return replication.RoleConsumer, nil
	default:
		return 0, fmt.Errorf("unknown replica role %q", s)
	}
}
