package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SuperALKALINEdroiD/unsend/internal/api"
	"github.com/SuperALKALINEdroiD/unsend/internal/app"
	"github.com/SuperALKALINEdroiD/unsend/internal/config"
	"github.com/SuperALKALINEdroiD/unsend/internal/logger"
)

func main() {
	cfg, err := config.Load("config")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewFromConfig(cfg.Logging.Logger("api-server"))
	log.Info().Msg("starting API server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize runtime")
	}
	defer rt.Close()

	if err := rt.Bootstrap(ctx); err != nil {
		log.Fatal().Err(err).Msg("bootstrap failed")
	}

	svc, err := rt.Dispatch()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build dispatch service")
	}

	if cfg.API.WebhookToken == "" {
		log.Warn().Msg("SES webhook is unauthenticated; set UNSEND_API_WEBHOOK_TOKEN in production")
	}

	router := api.NewRouter(api.RouterDeps{
		Emails:       svc,
		Keys:         rt.Keys(),
		Store:        rt.Lifecycle(),
		DLQ:          rt.Queue.DLQ,
		Localities:   cfg.Queue.Localities,
		Confirm:      api.HTTPSubscriptionConfirmer(&http.Client{Timeout: 10 * time.Second}),
		WebhookToken: cfg.API.WebhookToken,
		ReadyChecks:  rt.ReadyChecks(),
		MaxBodyBytes: cfg.API.MaxBodyBytes,
	}, log)

	addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("API server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		rt.DB.ReportStats(gctx, 15*time.Second)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		return
	}
	log.Info().Msg("server stopped")
}
