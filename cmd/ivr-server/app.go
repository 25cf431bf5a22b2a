package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/tiger/conversational-ivr/internal/config"
	"github.com/tiger/conversational-ivr/internal/httpapi"
	"github.com/tiger/conversational-ivr/internal/observability/telemetry"
	"github.com/tiger/conversational-ivr/internal/runtime/escalation"
	"github.com/tiger/conversational-ivr/internal/runtime/executionpool"
	"github.com/tiger/conversational-ivr/internal/runtime/orchestrator"
	"github.com/tiger/conversational-ivr/internal/runtime/provider/bootstrap"
	"github.com/tiger/conversational-ivr/internal/runtime/store"
	"github.com/tiger/conversational-ivr/internal/runtime/store/badgerstore"
	"github.com/tiger/conversational-ivr/internal/runtime/store/sqlstore"
	"github.com/tiger/conversational-ivr/internal/runtime/timebase"
	"github.com/tiger/conversational-ivr/internal/security/webhook"
)

const (
	serviceName     = "conversational-ivr"
	shutdownTimeout = 15 * time.Second
)

// app is the composed service. close releases resources in reverse order
// of construction.
type app struct {
	settings  config.Settings
	logger    *slog.Logger
	store     store.Store
	providers bootstrap.Providers
	pool      *executionpool.Manager
	telemetry *telemetry.Pipeline
	handler   http.Handler

	shutdownTracing func(context.Context) error
}

func openStore(s config.Settings, clock *timebase.Clock) (store.Store, error) {
	switch s.StoreBackend {
	case config.StoreMemory:
		return store.NewMemory(clock), nil
	case config.StoreBadger:
		return badgerstore.Open(s.BadgerPath, clock)
	case config.StorePostgres:
		return sqlstore.Open(s.DBURL, clock)
	default:
		return nil, fmt.Errorf("unsupported store backend: %q", s.StoreBackend)
	}
}

func newApp(s config.Settings, logger *slog.Logger) (*app, error) {
	a := &app{settings: s, logger: logger}

	prom := telemetry.NewPrometheusSink()
	a.telemetry = telemetry.NewPipeline(prom, telemetry.Config{})
	if err := prom.RegisterPipeline(a.telemetry); err != nil {
		_ = a.telemetry.Close()
		return nil, err
	}

	shutdownTracing, err := telemetry.SetupTracing(telemetry.TracingOptions{
		Exporter:    s.TraceExporter,
		ServiceName: serviceName,
		Environment: s.Env,
		Writer:      os.Stderr,
	})
	if err != nil {
		_ = a.telemetry.Close()
		return nil, err
	}
	a.shutdownTracing = shutdownTracing

	clock := timebase.NewClock(nil)
	if a.store, err = openStore(s, clock); err != nil {
		a.close(context.Background())
		return nil, fmt.Errorf("open %s store: %w", s.StoreBackend, err)
	}

	if s.RecordingsDir != "" {
		if err := os.MkdirAll(s.RecordingsDir, 0o755); err != nil {
			a.close(context.Background())
			return nil, fmt.Errorf("create recordings dir: %w", err)
		}
	}

	if a.providers, err = bootstrap.Build(s, logger); err != nil {
		a.close(context.Background())
		return nil, fmt.Errorf("provider bootstrap failed: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Sessions:      a.store,
		Transcripts:   a.store,
		Flows:         a.store,
		Transcriber:   a.providers.Transcriber,
		Responder:     a.providers.Responder,
		Synthesizer:   a.providers.Synthesizer,
		Bridge:        escalation.NewAgentBridge(s.AgentBaseURL),
		MediaBaseURL:  s.MediaBaseURL,
		DefaultFlowID: s.DefaultFlowID,
		Logger:        logger,
		Telemetry:     a.telemetry,
	})
	if err != nil {
		a.close(context.Background())
		return nil, err
	}

	a.pool = executionpool.NewManager(executionpool.Options{Logger: logger})
	srv, err := httpapi.New(httpapi.Config{
		Store:           a.store,
		Runner:          orch,
		Dispatcher:      a.pool,
		Verifier:        webhook.Verifier{Secret: s.WebhookSecret},
		Clock:           clock,
		Env:             s.Env,
		ProviderSummary: a.providers.Summary(),
		RecordingsDir:   s.RecordingsDir,
		Metrics:         prom.Handler(),
		Logger:          logger,
	})
	if err != nil {
		a.close(context.Background())
		return nil, err
	}
	a.handler = srv.Handler()
	return a, nil
}

// serve listens until ctx is cancelled, then drains in-flight calls.
func (a *app) serve(ctx context.Context) error {
	server := &http.Server{
		Addr:              a.settings.Addr(),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	a.logger.Info("server listening",
		"addr", server.Addr,
		"store", a.store.Backend(),
		"providers", a.providers.Summary(),
	)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown incomplete", "error", err)
	}
	return nil
}

func (a *app) close(ctx context.Context) {
	if a.pool != nil {
		if err := a.pool.Drain(ctx); err != nil {
			a.logger.Warn("dispatcher drain incomplete", "error", err, "stats", a.pool.Stats())
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", "error", err)
		}
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			a.logger.Warn("tracing shutdown failed", "error", err)
		}
	}
	if a.telemetry != nil {
		_ = a.telemetry.Close()
	}
}
