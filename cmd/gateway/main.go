// The gateway exposes the AI engine over HTTP: JSON prompt dispatch, SSE
// streaming, health and Prometheus metrics.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	aiwarp "github.com/platformatic/ai-warp-sub000"
	"github.com/platformatic/ai-warp-sub000/cmd/gateway/internal/config"
	"github.com/platformatic/ai-warp-sub000/cmd/gateway/internal/handlers"
)

func main() {
	configPath := flag.String("config", "gateway.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		zap.NewExample().Fatal("Failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Gateway terminated", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := cfg.AI
	opts.Logger = logger
	engine, err := aiwarp.New(opts)
	if err != nil {
		return err
	}
	if err := engine.Init(ctx); err != nil {
		return err
	}
	defer engine.Close()

	prompt := handlers.NewPromptHandler(engine, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/prompt", prompt.Prompt)
	mux.HandleFunc("POST /api/v1/stream", prompt.Stream)
	mux.HandleFunc("GET /healthz", handlers.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	server := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     mux,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Gateway listening", zap.String("addr", cfg.Server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
