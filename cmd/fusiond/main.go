// Command fusiond runs the coordination daemon: one WebSocket listener
// fronting up to fusion.MaxWorlds worlds, plus a metrics listener.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fusionkit/fusiond/internal/config"
	"github.com/fusionkit/fusiond/internal/device"
	"github.com/fusionkit/fusiond/internal/fusion"
	"github.com/fusionkit/fusiond/internal/limits"
	"github.com/fusionkit/fusiond/internal/metrics"
	"github.com/fusionkit/fusiond/internal/observability"
	"github.com/fusionkit/fusiond/internal/telemetry"

	_ "go.uber.org/automaxprocs"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides FUSIOND_LOG_LEVEL)")
	flag.Parse()

	bootLogger := log.New(os.Stdout, "[fusiond] ", log.LstdFlags)
	bootLogger.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := config.Load(nil)
	if err != nil {
		bootLogger.Fatalf("failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := observability.NewLogger(observability.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogFields(logger)

	telem, err := telemetry.Connect(cfg.NATSURL, cfg.NATSSubject, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect telemetry")
	}
	defer telem.Close()

	manager := fusion.NewManager(cfg.APIMajor)
	manager.OnWorldLifecycle(func(event string, minor int) {
		logger.Info().Str("event", event).Int("world", minor).Msg("world lifecycle")
		telem.Publish(minor, event, 0)
	})

	admission := limits.NewAdmission(cfg.CPURejectThreshold, logger)
	stopAdmission := make(chan struct{})
	go admission.Run(stopAdmission, 2*time.Second)
	defer close(stopAdmission)

	dev := device.NewListener(cfg.Addr, manager, admission, cfg.APIMajor, cfg.MaxOpsPerSec, cfg.MaxOpsBurst, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer observability.RecoverPanic(logger, "device.Start", nil)
		if err := dev.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Fatal().Err(err).Msg("device listener failed")
		}
	}()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux()}
	go func() {
		defer observability.RecoverPanic(logger, "metrics.ListenAndServe", nil)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics listener failed")
		}
	}()

	go sampleMetricsLoop(ctx, manager, cfg.MetricsInterval)

	logger.Info().Str("addr", cfg.Addr).Str("metrics_addr", cfg.MetricsAddr).Msg("fusiond started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down fusiond")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown")
	}
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

func sampleMetricsLoop(ctx context.Context, manager *fusion.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			worlds := manager.Worlds()
			snaps := make([]metrics.WorldSnapshot, 0, len(worlds))
			for _, w := range worlds {
				snaps = append(snaps, metrics.WorldSnapshot{Minor: w.ID(), Stats: w.Snapshot()})
			}
			metrics.Sample(snaps)
		}
	}
}
