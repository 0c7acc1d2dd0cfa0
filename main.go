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

	"github.com/lmittmann/tint"

	"github.com/creatorstack/mailrelay/internal/config"
	"github.com/creatorstack/mailrelay/internal/gmail"
	"github.com/creatorstack/mailrelay/internal/natsjs"
	"github.com/creatorstack/mailrelay/internal/relay"
	"github.com/creatorstack/mailrelay/internal/server"
	"github.com/creatorstack/mailrelay/internal/store"
	syncpipe "github.com/creatorstack/mailrelay/internal/sync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting mailrelay")

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open account store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	tokens := gmail.NewTokenProvider(gmail.Credentials{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURI,
	})
	gmailClient := gmail.NewClient(cfg.PubSubTopic)
	relayClient := relay.NewClient(cfg.RelayWebhookURL, cfg.RelayTimeout)

	pipeline := syncpipe.NewPipeline(st, tokens, gmailClient, gmailClient, relayClient, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Deferred relay batches drain to JetStream when NATS is configured;
	// without it they stay in the local outbox for manual recovery.
	if cfg.NATSURL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATSURL)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer pub.Close()

		go natsjs.NewDispatcher(st, pub, logger).Run(ctx)
		logger.Info("relay gap dispatcher started", "url", cfg.NATSURL)
	}

	srv := server.New(server.Config{
		SuccessRedirectURL: cfg.SuccessRedirectURL,
		ErrorRedirectURL:   cfg.ErrorRedirectURL,
	}, st, tokens, gmailClient, pipeline, logger)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Routes(),
	}

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: lvl})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
