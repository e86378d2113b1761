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

	"github.com/flowpbx/bridgeconnect/internal/api"
	"github.com/flowpbx/bridgeconnect/internal/api/middleware"
	"github.com/flowpbx/bridgeconnect/internal/bridge"
	"github.com/flowpbx/bridgeconnect/internal/callcontrol"
	"github.com/flowpbx/bridgeconnect/internal/config"
	"github.com/flowpbx/bridgeconnect/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	startTime := time.Now()
	candidates := cfg.Candidates()

	slog.Info("starting bridgeconnect",
		"http_port", cfg.HTTPPort,
		"candidates", len(candidates),
		"public_url", cfg.PublicURL,
		"fallback", cfg.FallbackNumber != "",
	)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	cc := callcontrol.NewClient(callcontrol.Options{
		BaseURL: cfg.APIBaseURL,
		APIKey:  cfg.APIKey,
		Rate:    cfg.CommandRate,
		Burst:   cfg.CommandBurst,
	}, logger)

	orch := bridge.New(cc, bridge.Options{
		ConnectionID:     cfg.ConnectionID,
		Candidates:       candidates,
		PublicURL:        cfg.PublicURL,
		RingbackURL:      cfg.RingbackURL,
		Prompt:           cfg.Prompt,
		InvalidPrompt:    cfg.InvalidPrompt,
		Voice:            cfg.Voice,
		Language:         cfg.Language,
		AcceptDigit:      cfg.AcceptDigit,
		GatherTimeout:    cfg.GatherTimeout,
		FallbackNumber:   cfg.FallbackNumber,
		MaxParallelDials: cfg.MaxParallelDials,
		SessionRetention: cfg.SessionRetention,
		PendingEventWait: cfg.PendingEventWait,
		MaxSessionAge:    cfg.MaxSessionAge,
	}, logger)
	go orch.RunJanitor(appCtx, cfg.JanitorInterval)

	limiter := middleware.NewIPRateLimiter(
		middleware.WebhookRateLimitConfig(cfg.WebhookRate, cfg.WebhookBurst), logger)
	go limiter.Run(appCtx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewCollector(orch, startTime),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	handler := api.NewServer(orch, api.Options{
		WebhookLimiter: limiter,
		Metrics:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		StartTime:      startTime,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// In-flight webhooks finish their commands before the server returns.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}
	appCancel()

	slog.Info("bridgeconnect stopped")
}
