package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/triage-ai/bastion/internal/api"
	"github.com/triage-ai/bastion/internal/config"
	"github.com/triage-ai/bastion/internal/event"
	"github.com/triage-ai/bastion/internal/grant"
	"github.com/triage-ai/bastion/internal/integrity"
	"github.com/triage-ai/bastion/internal/orchestrator"
	"github.com/triage-ai/bastion/internal/pipeline"
	"github.com/triage-ai/bastion/internal/probe"
	"github.com/triage-ai/bastion/internal/ratelimit"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	cfg, err := config.Load(os.Getenv("BASTION_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if port := os.Getenv("BASTION_HTTP_PORT"); port != "" {
		cfg.HTTPPort = port
	}
	if level := os.Getenv("BASTION_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if endpoint := os.Getenv("BASTION_ENDPOINT"); endpoint != "" {
		cfg.Pipeline.Endpoint = endpoint
	}
	if token := os.Getenv("BASTION_INGEST_KEY"); token != "" {
		cfg.Pipeline.AuthToken = token
	}

	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	sessionID := uuid.New().String()
	logger.Info("starting bastion agent",
		zap.String("mode", string(cfg.Mode)),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("session_id", sessionID),
	)

	// Event pipeline — transport picked by configuration; with neither an
	// endpoint nor a NATS URL, batches land in the local fallback store.
	var transport pipeline.Transport
	switch {
	case cfg.Pipeline.Endpoint != "":
		transport = pipeline.NewHTTPTransport(cfg.Pipeline.Endpoint, cfg.Pipeline.AuthToken, 10*time.Second)
		logger.Info("http transport configured", zap.String("endpoint", cfg.Pipeline.Endpoint))
	case cfg.Pipeline.NATSURL != "":
		nt, err := pipeline.NewNATSTransport(cfg.Pipeline.NATSURL, cfg.Pipeline.NATSSubject)
		if err != nil {
			logger.Fatal("nats transport failed", zap.Error(err))
		}
		defer nt.Close()
		transport = nt
		logger.Info("nats transport configured", zap.String("subject", cfg.Pipeline.NATSSubject))
	default:
		logger.Info("no endpoint configured, batches persist locally")
	}

	store := pipeline.NewFileStore(cfg.Pipeline.FallbackPath, cfg.Pipeline.MaxStoredBatches)

	var orch *orchestrator.Orchestrator
	pipe := pipeline.New(pipeline.Config{
		SessionID:     sessionID,
		BatchSize:     cfg.Pipeline.BatchSize,
		FlushInterval: time.Duration(cfg.Pipeline.FlushIntervalSeconds) * time.Second,
		MaxRetries:    cfg.Pipeline.MaxRetries,
		RetryBackoff:  time.Duration(cfg.Pipeline.RetryBackoffSeconds) * time.Second,
		MaxRetryQueue: cfg.Pipeline.MaxStoredBatches,
	}, transport, store, func(e event.Event) {
		if orch != nil {
			orch.Observe(e)
		}
	}, logger)

	// Grant service — sizes resolved against the asset root on disk.
	assetRoot := cfg.Grant.AssetRoot
	sizer := func(resourcePath string) (int64, error) {
		info, err := os.Stat(filepath.Join(assetRoot, filepath.Clean("/"+resourcePath)))
		if err != nil {
			return 0, err
		}
		return info.Size(), nil
	}
	grants, err := grant.NewService(grant.Config{
		TTL:               cfg.GrantTTL(),
		AllowedExtensions: cfg.Grant.AllowedExtensions,
		MaxResourceBytes:  cfg.Grant.MaxResourceBytes,
		SingleUse:         cfg.Grant.SingleUse,
	}, sizer, pipe, logger)
	if err != nil {
		logger.Fatal("grant service failed", zap.Error(err))
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		Limit:      cfg.RateLimit.Limit,
		Window:     time.Duration(cfg.RateLimit.WindowSeconds) * time.Second,
		StaleAfter: time.Duration(cfg.RateLimit.StaleMinutes) * time.Minute,
	}, pipe, logger)
	if err != nil {
		logger.Fatal("rate limiter failed", zap.Error(err))
	}

	// Integrity monitor — file-backed elements from config; elements
	// without a seeded hash are adopted on first check.
	baseline := make(map[string]string)
	for _, el := range cfg.Integrity.Elements {
		if el.Hash != "" {
			baseline[el.ID] = el.Hash
		}
	}
	monitor := integrity.NewMonitor(integrity.Config{
		Interval:         time.Duration(cfg.Integrity.IntervalSeconds) * time.Second,
		FailureThreshold: cfg.Integrity.FailureThreshold,
		Algorithm:        integrity.Algorithm(cfg.Integrity.Algorithm),
	}, baseline, func(elementID string) {
		logger.Error("tamper response invoked", zap.String("element", elementID))
	}, pipe, logger)
	for _, el := range cfg.Integrity.Elements {
		monitor.Register(el.ID, el.Salt, &integrity.FileProvider{Path: el.Path})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var watcher *integrity.Watcher
	if cfg.Integrity.Watch && len(cfg.Integrity.Elements) > 0 {
		watcher, err = integrity.NewWatcher(monitor, logger)
		if err != nil {
			logger.Warn("file watcher unavailable", zap.Error(err))
		} else {
			for _, el := range cfg.Integrity.Elements {
				if err := watcher.Watch(el.ID, el.Path); err != nil {
					logger.Warn("watch failed", zap.String("path", el.Path), zap.Error(err))
				}
			}
			watcher.Start(ctx)
			defer watcher.Stop()
		}
	}

	// Detection probes. Geometry and console probes are capability-bound
	// and only run in embedded deployments that provide the interfaces;
	// the standalone agent carries the self-contained probes.
	probes := []probe.Probe{
		&probe.TracerProbe{},
		&probe.TimingProbe{Sampler: &logSampler{logger: logger}},
	}
	// The user-facing warning fires once per session; subsequent
	// detections still flow into the event stream.
	var warnOnce sync.Once
	heuristics := probe.New(probes, probe.Config{
		Interval:            time.Duration(cfg.Detection.IntervalSeconds) * time.Second,
		ConfidenceThreshold: cfg.Detection.ConfidenceThreshold,
		HistorySize:         cfg.Detection.HistorySize,
	}, func(method string, confidence float64) {
		warnOnce.Do(func() {
			logger.Warn("inspection tooling detected",
				zap.String("method", method),
				zap.Float64("confidence", confidence),
			)
		})
	}, pipe, logger)

	registry := prometheus.NewRegistry()
	metrics := orchestrator.NewMetrics(registry)

	orch = orchestrator.New(orchestrator.Components{
		Pipeline:   pipe,
		Grants:     grants,
		Limiter:    limiter,
		Monitor:    monitor,
		Heuristics: heuristics,
	}, orchestrator.Policy{
		BlockOnCritical: cfg.Escalation.BlockOnCritical,
		WarnOnMedium:    cfg.Escalation.WarnOnMedium,
		TypeThresholds: map[event.Type]int{
			event.TypeDevToolsDetected: cfg.Escalation.DevToolsThreshold,
		},
		ThresholdWindow: time.Duration(cfg.Escalation.WindowSeconds) * time.Second,
	}, nil, metrics, logger)

	orch.Start(ctx)

	httpServer := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(&api.Dependencies{
			Grants:    grants,
			Limiter:   limiter,
			Orch:      orch,
			Registry:  registry,
			Logger:    logger,
			AssetRoot: assetRoot,
			ProxyBase: cfg.Grant.ProxyBase,
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	orch.Stop()

	logger.Info("bastion agent stopped")
}

// logSampler times one formatted structured-log call, the cheapest
// operation an attached inspector instruments.
type logSampler struct {
	logger *zap.Logger
}

func (s *logSampler) Sample() time.Duration {
	start := time.Now()
	s.logger.Debug("timing sample", zap.Int64("nonce", start.UnixNano()))
	return time.Since(start)
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
