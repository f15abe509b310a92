// Command driftkit runs the chat workflow server: config, stores, engine,
// and the HTTP API. Workflows are registered in code; the binary ships a
// small echo workflow so the API surface is exercisable out of the box.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	driftkit "github.com/driftkit-ai/driftkit"
	"github.com/driftkit-ai/driftkit/api"
	"github.com/driftkit-ai/driftkit/internal/config"
	"github.com/driftkit-ai/driftkit/observer"
	"github.com/driftkit-ai/driftkit/store/postgres"
	"github.com/driftkit-ai/driftkit/store/sqlite"
)

func main() {
	// 1. Environment + config
	_ = godotenv.Load()
	cfg := config.Load(os.Getenv("DRIFTKIT_CONFIG"))

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{TimeFormat: time.TimeOnly}))
	slog.SetDefault(logger)

	if !cfg.Engine.Enabled {
		logger.Error("engine is disabled in config, nothing to serve")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []driftkit.AppOption{
		driftkit.WithAppLogger(logger),
		driftkit.WithAppEngineOptions(
			driftkit.WithEnginePool(driftkit.NewWorkerPool(cfg.Engine.MaxThreads, cfg.Engine.QueueCapacity)),
			driftkit.WithDefaultRetry(driftkit.RetryPolicy{
				Delay:       time.Duration(cfg.Retry.DefaultDelayMs) * time.Millisecond,
				MaxAttempts: cfg.Retry.DefaultMaxAttempts,
				Multiplier:  cfg.Retry.DefaultMultiplier,
			}),
		),
	}

	// 2. Observability (OTLP exporters configured via standard OTEL env vars)
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		_, shutdownOTEL, err := observer.Init(ctx, pricing)
		if err != nil {
			logger.Error("observer init failed", "error", err)
			os.Exit(1)
		}
		opts = append(opts,
			driftkit.WithAppTracer(observer.NewTracer()),
			driftkit.OnShutdown(shutdownOTEL),
		)
	}

	// 3. Durable stores
	if cfg.Database.PostgresURL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresURL)
		if err != nil {
			logger.Error("postgres connect failed", "error", err)
			os.Exit(1)
		}
		st := postgres.New(pool, postgres.WithEmbeddingDimension(cfg.Embedding.Dimensions))
		if err := st.Init(ctx); err != nil {
			logger.Error("postgres init failed", "error", err)
			os.Exit(1)
		}
		opts = append(opts, storeOptions(cfg, st, st.Prompts())...)
		opts = append(opts, driftkit.OnShutdown(func(context.Context) error {
			pool.Close()
			return nil
		}))
	} else {
		st := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
		if err := st.Init(ctx); err != nil {
			logger.Error("sqlite init failed", "error", err, "path", cfg.Database.Path)
			os.Exit(1)
		}
		opts = append(opts, storeOptions(cfg, st, st.Prompts())...)
		opts = append(opts, driftkit.OnShutdown(func(context.Context) error {
			return st.Close()
		}))
	}

	app := driftkit.NewApp(opts...)

	if err := app.RegisterWorkflow(echoWorkflow()); err != nil {
		logger.Error("workflow registration failed", "error", err)
		os.Exit(1)
	}

	// 4. HTTP surface
	srv := api.NewServer(app.Chats(), api.WithLogger(logger))
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := app.Shutdown(shutCtx); err != nil {
		logger.Warn("app shutdown", "error", err)
	}
}

// storeOptions maps one durable store onto the app's persistence slots,
// honoring the configured prompt source and the tracing switch.
func storeOptions(cfg config.Config, st durableStore, prompts driftkit.PromptStore) []driftkit.AppOption {
	opts := []driftkit.AppOption{
		driftkit.WithRunRepository(st),
		driftkit.WithChatStore(st),
		driftkit.WithAppRetryStore(st),
	}
	if cfg.PromptStore.Source != "memory" {
		opts = append(opts, driftkit.WithPromptStore(prompts))
	}
	if cfg.Tracing.Enabled {
		opts = append(opts, driftkit.WithTraceSinks(st))
	}
	return opts
}

// durableStore is the intersection of persistence contracts both backends
// implement.
type durableStore interface {
	driftkit.ContextRepository
	driftkit.ChatStore
	driftkit.RetryStateStore
	driftkit.TraceSink
}

// echoWorkflow is the built-in smoke-test workflow: a single step that
// returns the "q" property verbatim.
func echoWorkflow() *driftkit.Workflow {
	return driftkit.NewWorkflow("echo",
		driftkit.WithDescription("Returns the q property unchanged."),
		driftkit.Step("echo", func(_ context.Context, in driftkit.StepInput) driftkit.StepOutcome {
			return driftkit.Complete(in.Values["q"])
		}, driftkit.Initial()),
	)
}
