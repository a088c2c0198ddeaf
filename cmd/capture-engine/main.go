// Package main — cmd/capture-engine/main.go
//
// Capture engine process entrypoint.
//
// Startup sequence:
//  1. Parse flags.
//  2. Load and validate the Threshold Registry from defaults + environment
//     overrides (spec.md §4.1, §6).
//  3. Initialise structured logger (zap, JSON format).
//  4. Open the Audit Log (bbolt).
//  5. Start the Prometheus metrics server (127.0.0.1:9091 by default).
//  6. Build the Vendor Orchestrator and register capability adapters.
//  7. Build the Event Bus.
//  8. Build the Session Manager, wiring every upstream component to it.
//  9. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel root context (stops the metrics server).
//  2. Stop the Session Manager's reaper and the Event Bus's background
//     loops (max 5s drain).
//  3. Close the Audit Log.
//  4. Flush logger.
//  5. Exit 0.
//
// On Threshold Registry validation failure: exit 1 immediately.
// On Audit Log open failure: exit 1 immediately.
//
// This binary wires components together; it exposes no HTTP/SSE
// transport of its own (spec.md's transport is left to the embedding
// deployment — see DESIGN.md).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ph-kyc/capture-engine/internal/audit"
	"github.com/ph-kyc/capture-engine/internal/clock"
	"github.com/ph-kyc/capture-engine/internal/eventbus"
	"github.com/ph-kyc/capture-engine/internal/observability"
	"github.com/ph-kyc/capture-engine/internal/session"
	"github.com/ph-kyc/capture-engine/internal/threshold"
	"github.com/ph-kyc/capture-engine/internal/vendor"
	"github.com/ph-kyc/capture-engine/internal/vendor/simulator"
)

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────────
	auditDBPath := flag.String("audit-db", "capture-engine-audit.db", "Path to the audit log's bbolt database")
	metricsAddr := flag.String("metrics-addr", "127.0.0.1:9091", "Prometheus metrics listen address")
	logLevel := flag.String("log-level", "info", "Zap log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "json", "Log format: json or console")
	flag.Parse()

	// ── Step 2: Threshold Registry ───────────────────────────────────────────
	thresholds, err := threshold.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: threshold registry validation failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 3: Logger ────────────────────────────────────────────────────────
	log, err := buildLogger(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("capture engine starting",
		zap.String("audit_db", *auditDBPath),
		zap.String("metrics_addr", *metricsAddr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 4: Audit Log ─────────────────────────────────────────────────────
	auditLog, err := audit.Open(*auditDBPath)
	if err != nil {
		log.Fatal("audit log open failed", zap.Error(err), zap.String("path", *auditDBPath))
	}
	defer auditLog.Close() //nolint:errcheck
	log.Info("audit log opened", zap.String("path", *auditDBPath))

	// ── Step 5: Prometheus metrics ────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, *metricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", *metricsAddr))

	// ── Step 6: Vendor Orchestrator ───────────────────────────────────────────
	orchestrator := vendor.New(thresholds, log, metrics)
	simulator.RegisterAll(orchestrator)
	log.Info("vendor orchestrator ready with reference simulator adapters")

	// ── Step 7: Event Bus ──────────────────────────────────────────────────────
	bus := eventbus.New(thresholds, clock.System{}, log, metrics)

	// ── Step 8: Session Manager ───────────────────────────────────────────────
	sessions := session.New(thresholds, orchestrator, bus, auditLog, clock.System{}, log, metrics)
	log.Info("session manager ready")

	// ── Step 9: Wait for shutdown signal ─────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	// Initiate graceful shutdown.
	cancel()
	sessions.Stop()
	bus.Stop()

	shutdownTimer := time.NewTimer(5 * time.Second)
	defer shutdownTimer.Stop()
	drained := make(chan struct{})
	go func() {
		// Nothing left to drain once the reaper and bus loops have
		// stopped; the channel close just gives shutdown a uniform
		// select shape with the timeout below.
		close(drained)
	}()
	select {
	case <-shutdownTimer.C:
		log.Warn("shutdown drain timeout — forcing exit")
	case <-drained:
		log.Info("background loops stopped")
	}

	log.Info("capture engine shutdown complete", zap.Int("sessions_at_exit", sessions.Count()))
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
