package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/SuperALKALINEdroiD/unsend/internal/app"
	"github.com/SuperALKALINEdroiD/unsend/internal/config"
	"github.com/SuperALKALINEdroiD/unsend/internal/logger"
	"github.com/SuperALKALINEdroiD/unsend/internal/provider"
	"github.com/SuperALKALINEdroiD/unsend/internal/worker"
)

func main() {
	cfg, err := config.Load("config")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewFromConfig(cfg.Logging.Logger("queue-worker"))
	log.Info().Msg("starting queue worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize runtime")
	}
	defer rt.Close()

	esp, err := provider.New(ctx, cfg.Provider, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create provider")
	}
	health := provider.NewHealthChecker(esp)

	store := rt.Lifecycle()
	handler := worker.NewHandler(store, rt.Queue.Scheduler, rt.Blobs, esp, log)
	handler.SetInterruptAfter(cfg.Queue.ProcessTimeout)
	dq := rt.Queue.NewDequeuer(handler, worker.DeadLetterHook(store, log))
	if err := dq.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start dequeuer")
	}
	log.Info().
		Str("provider", esp.Name()).
		Int("workers", cfg.Queue.WorkerCount).
		Strs("localities", cfg.Queue.Localities).
		Msg("queue worker started")

	checks := rt.ReadyChecks()
	checks["provider"] = health

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Queue.RunPromoter(gctx) })
	g.Go(func() error {
		rt.Queue.ReportDepth(gctx, cfg.Worker.DepthReportInterval)
		return nil
	})
	g.Go(func() error {
		health.Run(gctx)
		return nil
	})
	g.Go(func() error {
		rt.DB.ReportStats(gctx, cfg.Worker.DepthReportInterval)
		return nil
	})
	g.Go(func() error { return app.ServeOps(gctx, cfg.Worker.MetricsAddr, checks, log) })

	err = g.Wait()
	log.Info().Msg("shutting down queue worker")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.ShutdownTimeout)
	defer cancel()
	if stopErr := dq.Stop(shutdownCtx); stopErr != nil {
		log.Error().Err(stopErr).Msg("dequeuer did not drain")
	}

	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("queue worker stopped with error")
		return
	}
	log.Info().Msg("queue worker stopped")
}
