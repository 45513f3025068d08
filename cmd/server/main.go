package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/aymnn34/calls/internal/config"
	"github.com/aymnn34/calls/internal/logging"
	"github.com/aymnn34/calls/internal/metrics"
	"github.com/aymnn34/calls/internal/server"
	"github.com/aymnn34/calls/internal/signaling"
	"github.com/aymnn34/calls/internal/version"
)

func main() {
	cfg, err := config.LoadServer(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting signaling server",
		"version", version.Version,
		"port", cfg.Port,
		"max_message_bytes", cfg.MaxMessageBytes,
		"rate_limit", cfg.RateLimit,
		"allowed_origins", cfg.AllowedOrigins,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	hub := signaling.NewHub(logger, m)
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	ln, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	srv := server.New(cfg, hub, m, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		stopHub()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	stopHub()
	<-hub.Done()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}
