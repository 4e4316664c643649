package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/haasonsaas/drover/internal/config"
	"github.com/haasonsaas/drover/internal/llm"
	"github.com/haasonsaas/drover/internal/llm/providers"
	"github.com/haasonsaas/drover/internal/observability"
	"github.com/haasonsaas/drover/internal/storage"
)

// setupObservability builds the metrics registry and tracer from config.
// The returned shutdown flushes pending spans and must be called before
// process exit.
func setupObservability(cfg *config.Config, logger *slog.Logger) (*observability.Metrics, *observability.Tracer, func(context.Context) error) {
	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
		if cfg.Metrics.Listen != "" {
			go serveMetrics(cfg.Metrics.Listen, logger)
		}
	}
	tracer, shutdown := observability.NewTracer(cfg.Tracing)
	return metrics, tracer, shutdown
}

// serveMetrics exposes the default Prometheus registry on /metrics. Runs
// for the life of the process.
func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("metrics listener started", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics listener failed", "addr", addr, "error", err)
	}
}

// buildClient registers one adapter per configured provider. Returns nil
// without error when no providers are configured, so commands that can run
// without a model (tool-only pipelines) still work.
func buildClient(cfg *config.Config, logger *slog.Logger, tracer *observability.Tracer) (*llm.Client, error) {
	if len(cfg.LLM.Providers) == 0 {
		return nil, nil
	}
	if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
		return nil, fmt.Errorf("default provider %q is not configured under llm.providers", cfg.LLM.DefaultProvider)
	}

	client := llm.NewClient(llm.ClientOptions{
		DefaultProvider: cfg.LLM.DefaultProvider,
		Logger:          logger,
	})
	for name, pc := range cfg.LLM.Providers {
		p, err := buildProvider(name, pc)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		client.RegisterProvider(p)
	}
	if rps := cfg.LLM.RequestsPerSecond; rps > 0 {
		client.Use(llm.RateLimitMiddleware(rate.NewLimiter(rate.Limit(rps), 1)))
	}
	client.Use(observability.TracingMiddleware(tracer))
	client.UseStream(observability.TracingStreamMiddleware(tracer))
	return client, nil
}

func buildProvider(name string, pc config.ProviderConfig) (llm.Provider, error) {
	switch name {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:           pc.APIKey,
			BaseURL:          pc.BaseURL,
			DefaultModel:     pc.DefaultModel,
			DefaultMaxTokens: pc.DefaultMaxTokens,
		})
	case "openai":
		return providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			OrgID:        pc.OrgID,
			DefaultModel: pc.DefaultModel,
		})
	case "gemini":
		return providers.NewGeminiProvider(providers.GeminiConfig{
			APIKey:       pc.APIKey,
			DefaultModel: pc.DefaultModel,
		})
	case "bedrock":
		return providers.NewBedrockProvider(providers.BedrockConfig{
			Region:          pc.Region,
			AccessKeyID:     pc.AccessKeyID,
			SecretAccessKey: pc.SecretAccessKey,
			SessionToken:    pc.SessionToken,
			DefaultModel:    pc.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q (expected anthropic, openai, gemini, or bedrock)", name)
	}
}

// storePath resolves the database location. Relative paths live under the
// pipeline logs root so all run artifacts stay together.
func storePath(cfg *config.Config) string {
	path := cfg.Storage.Path
	if path == ":memory:" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(cfg.Pipeline.LogsRoot, path)
}

// openStore opens the run database. Failures degrade to running without
// persistence rather than aborting the command.
func openStore(cfg *config.Config, metrics *observability.Metrics, tracer *observability.Tracer, logger *slog.Logger) *storage.Store {
	if cfg.Storage.Disabled {
		return nil
	}
	path := storePath(cfg)
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			logger.Warn("run store unavailable, continuing without persistence", "path", path, "error", err)
			return nil
		}
	}
	store, err := storage.Open(path, storage.Options{Metrics: metrics, Tracer: tracer})
	if err != nil {
		logger.Warn("run store unavailable, continuing without persistence", "path", path, "error", err)
		return nil
	}
	return store
}
