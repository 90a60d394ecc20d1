package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/nearchat/app"
	"github.com/kasuganosora/nearchat/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const shutdownGrace = 10 * time.Second

func main() {
	path := "config/config.yaml"
	if p := os.Getenv("NEARCHAT_CONFIG"); p != "" {
		path = p
	}
	if len(os.Args) > 1 {
		path = os.Args[1]
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, path); err != nil {
		fmt.Fprintln(os.Stderr, "nearchat:", err)
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

// run serves until ctx is cancelled, then drains connections and closes the
// application.
func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := newLogger(cfg.Server.Debug)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is empty, /api/admin answers 503")
	}

	a, err := app.New(cfg, nil, logger)
	if err != nil {
		return err
	}
	// Streaming handlers watch the request context, which ends once
	// Shutdown starts.
	base, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           a.Engine,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	srv.RegisterOnShutdown(cancelBase)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr), zap.String("db", cfg.Database.Mode))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		a.Close(context.Background())
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	a.Close(shutCtx)
	return nil
}
