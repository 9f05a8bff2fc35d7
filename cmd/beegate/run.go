package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/beegate/internal/acqlog"
	"github.com/srg/beegate/internal/fleet"
	"github.com/srg/beegate/internal/groutine"
	"github.com/srg/beegate/internal/metrics"
	"github.com/srg/beegate/internal/radio"
	"github.com/srg/beegate/internal/radio/goble"
	"github.com/srg/beegate/internal/registry"
	"github.com/srg/beegate/pkg/config"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the gateway",
	Long: `Start the discovery loop and keep one acquisition session per sensor node
until interrupted.

Readings are appended to <data-dir>/<address>/beedata.csv. Known nodes are
kept in the registry file so that a restarted gateway resumes them.`,
	Args: cobra.NoArgs,
	RunE: runGateway,
}

// TransportFactory builds the radio transport; tests replace it.
var TransportFactory = func(adapterID string, logger *logrus.Logger) radio.Transport {
	return goble.NewTransport(adapterID, logger)
}

func init() {
	runCmd.Flags().String("registry", "", "Registry file (overrides registry_path)")
	runCmd.Flags().String("data-dir", "", "Acquisition data directory (overrides data_dir)")
	runCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (overrides metrics_addr)")
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("registry"); v != "" {
		cfg.RegistryPath = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
		cfg.MetricsAddr = v
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	logger := configureLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

// serve wires the gateway together and blocks until ctx is done.
func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (err error) {
	reg, err := registry.Open(cfg.RegistryPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer func() {
		if cerr := reg.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	recorder, err := acqlog.NewRecorder(cfg.DataDir, acqlog.DefaultBufferSize, logger)
	if err != nil {
		return err
	}
	if err := recorder.Start(); err != nil {
		return err
	}
	sinks := acqlog.Multi{recorder}

	if opts, enabled := cfg.RedisOptions(); enabled {
		pub, err := acqlog.NewRedisPublisher(ctx, opts, logger)
		if err != nil {
			_ = recorder.Close()
			return err
		}
		sinks = append(sinks, pub)
	}
	defer func() {
		if cerr := sinks.Close(); cerr != nil {
			logger.WithField("error", cerr).Warn("Failed to close acquisition log")
		}
	}()

	m := metrics.New()
	metricsDone := make(chan error, 1)
	if cfg.MetricsAddr != "" {
		groutine.Go(ctx, "metrics-server", func(ctx context.Context) {
			metricsDone <- m.Serve(ctx, cfg.MetricsAddr, logger)
		})
	} else {
		metricsDone <- nil
	}

	fc := cfg.FleetConfig()
	fc.Session.Sink = sinks

	manager := fleet.NewManager(fc, TransportFactory(cfg.Adapter, logger), reg, logger,
		fleet.WithDeviceDirs(recorder),
		fleet.WithMetrics(m),
	)

	logger.WithFields(logrus.Fields{
		"version":  formatVersion(version),
		"registry": reg.Path(),
		"data_dir": cfg.DataDir,
	}).Info("Gateway starting")

	runErr := manager.Run(ctx)
	if merr := <-metricsDone; merr != nil && !errors.Is(merr, context.Canceled) {
		logger.WithField("error", merr).Warn("Metrics server failed")
	}
	if runErr != nil {
		return runErr
	}

	logger.Info("Gateway stopped")
	return nil
}
