package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/chaz8081/bedjetd/internal/bedjet"
	"github.com/chaz8081/bedjetd/internal/ble"
	"github.com/chaz8081/bedjetd/internal/bridge"
	"github.com/chaz8081/bedjetd/internal/config"
)

var (
	cfgPath  string
	logLevel string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon",
	Long: `Connect to the configured BedJet and run until interrupted.

On first run with no config file, a commented default is written to
~/.config/bedjetd/config.yaml; set device.address (see 'bedjetd scan')
and start again.`,
	Example: `  # Run with the default config file
  bedjetd run

  # Run with an explicit config and verbose logging
  bedjetd run --config /etc/bedjetd.yaml --log-level debug`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().StringVar(&cfgPath, "config", "", "Path to config file (default ~/.config/bedjetd/config.yaml)")
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "Override config log level (debug, info, warn, error)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	path := cfgPath
	if path == "" {
		path = config.DefaultConfigPath()
		if _, err := os.Stat(path); os.IsNotExist(err) {
			written, werr := config.WriteDefault()
			if werr != nil {
				return werr
			}
			return fmt.Errorf("wrote default config to %s; set device.address and run again", written)
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	opts := bedjet.DefaultOptions()
	opts.ReconnectMaxAttempts = cfg.Reconnect.MaxAttempts
	opts.ReconnectBase = time.Duration(cfg.Reconnect.BaseDelaySeconds) * time.Second
	opts.ReconnectMax = time.Duration(cfg.Reconnect.MaxDelaySeconds) * time.Second
	opts.ConnectTimeout = time.Duration(cfg.Reconnect.ConnectTimeoutSecs) * time.Second

	device := bedjet.New(ble.NewBlueZAdapter(), cfg.Device.Address, opts)
	device.SetName(cfg.Device.Name)
	if err := device.Start(); err != nil {
		return err
	}
	defer device.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := device.Connect(ctx); err != nil {
		// The watchdog keeps retrying; don't fail the daemon on a cold start.
		slog.Warn("initial connection failed, retrying in background", "addr", cfg.Device.Address, "error", err)
	}

	go pollLoop(ctx, device, time.Duration(cfg.Device.PollIntervalSeconds)*time.Second)

	if cfg.MQTT.Broker != "" {
		br, err := bridge.NewMQTT(cfg.MQTT, device)
		if err != nil {
			return err
		}
		defer br.Close()
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Listen != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(bridge.NewMetricsCollector(device))
		mux := http.NewServeMux()
		mux.Handle("/metrics", bridge.MetricsHandler(registry))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			slog.Info("metrics endpoint listening", "addr", cfg.Metrics.Listen)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	slog.Info("shutting down")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// pollLoop nudges the device for a fresh status frame. Some firmware
// revisions never answer, so failures are routine.
func pollLoop(ctx context.Context, device *bedjet.Device, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := device.Poll(ctx); err != nil {
				slog.Debug("status poll failed", "error", err)
			}
		}
	}
}
