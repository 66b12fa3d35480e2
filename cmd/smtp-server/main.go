package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	gosmtp "github.com/emersion/go-smtp"
	"golang.org/x/sync/errgroup"

	"github.com/SuperALKALINEdroiD/unsend/internal/app"
	"github.com/SuperALKALINEdroiD/unsend/internal/config"
	"github.com/SuperALKALINEdroiD/unsend/internal/logger"
	smtpserver "github.com/SuperALKALINEdroiD/unsend/internal/smtp"
)

func main() {
	cfg, err := config.Load("config")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewFromConfig(cfg.Logging.Logger("smtp-server"))
	log.Info().Msg("starting SMTP server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize runtime")
	}
	defer rt.Close()

	svc, err := rt.Dispatch()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build dispatch service")
	}

	backend := smtpserver.NewBackend(rt.Keys(), svc, log, smtpserver.Options{
		MaxConnections: cfg.SMTP.MaxConnections,
		MaxRecipients:  cfg.SMTP.MaxRecipients,
	})

	s := gosmtp.NewServer(backend)
	s.Addr = fmt.Sprintf("%s:%d", cfg.SMTP.Host, cfg.SMTP.Port)
	s.Domain = cfg.SMTP.Domain
	s.ReadTimeout = cfg.SMTP.ReadTimeout
	s.WriteTimeout = cfg.SMTP.WriteTimeout
	s.MaxMessageBytes = cfg.SMTP.MaxMessageSize
	s.MaxRecipients = cfg.SMTP.MaxRecipients
	s.AllowInsecureAuth = cfg.SMTP.AllowInsecure
	s.EnableSMTPUTF8 = true

	if cfg.TLS.Enabled() {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load TLS certificate")
		}
		s.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		log.Info().Msg("STARTTLS enabled")
	} else if !cfg.SMTP.AllowInsecure {
		log.Fatal().Msg("no TLS certificate configured and smtp.allow_insecure_auth is false; AUTH would be impossible")
	} else {
		log.Warn().Msg("TLS disabled; API keys travel in cleartext")
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", s.Addr).Msg("failed to listen")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", s.Addr).Msg("SMTP server listening")
		if err := s.Serve(ln); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error { return app.ServeOps(gctx, cfg.SMTP.MetricsAddr, rt.ReadyChecks(), log) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down SMTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.SMTP.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("SMTP server stopped with error")
		return
	}
	log.Info().Msg("SMTP server stopped")
}
