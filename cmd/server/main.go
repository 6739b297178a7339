// Command server runs the homeroom room service: the REST API plus the
// websocket event channel, all state in memory. It exists for local
// development and the integration tests; point HR_* at real infrastructure
// for anything else.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"homeroom/internal/otelutil"
	"homeroom/internal/server"
)

type config struct {
	Host            string        `env:"HR_HOST,default=0.0.0.0"`
	Port            int           `env:"HR_PORT,default=8080"`
	JWTSecret       string        `env:"HR_JWT_SECRET"`
	TokenTTL        time.Duration `env:"HR_TOKEN_TTL,default=24h"`
	HistoryLimit    int           `env:"HR_HISTORY_LIMIT,default=100"`
	ShutdownTimeout time.Duration `env:"HR_SHUTDOWN_TIMEOUT,default=30s"`
	LogLevel        string        `env:"HR_LOG_LEVEL,default=info"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var cfg config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(log)

	if err := otelutil.Init(); err != nil {
		log.Warn("tracing disabled", "error", err)
	}
	defer otelutil.Flush()

	if cfg.JWTSecret == "" {
		log.Warn("HR_JWT_SECRET not set, using the development secret")
	}

	srv := server.New(server.Config{
		JWTSecret:    cfg.JWTSecret,
		TokenTTL:     cfg.TokenTTL,
		HistoryLimit: cfg.HistoryLimit,
		Logger:       log,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpSrv := &http.Server{
		Addr:    addr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("room service listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-quit:
		log.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
