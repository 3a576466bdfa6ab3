package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-vlm/cmd/webui/config"
	"github.com/23skdu/longbow-vlm/cmd/webui/handlers"
	internalconfig "github.com/23skdu/longbow-vlm/internal/config"
	"github.com/23skdu/longbow-vlm/internal/events"
	"github.com/23skdu/longbow-vlm/internal/logger"
	"github.com/23skdu/longbow-vlm/internal/nodes"
)

var (
	defaults       = config.DefaultConfig()
	port           = flag.Int("port", defaults.Port, "HTTP server port")
	metricsPort    = flag.Int("metrics-port", defaults.MetricsPort, "Prometheus metrics port (0 serves /metrics on the main port only)")
	host           = flag.String("host", defaults.Host, "Host to bind to")
	apiKey         = flag.String("api-key", os.Getenv("LONGBOW_VLM_API_KEY"), "API key for authentication")
	allowedOrigins = flag.String("allowed-origins", "", "Comma-separated list of allowed CORS origins")
	rateLimit      = flag.Int("rate-limit", 0, "Requests per minute per API key (0 for unlimited)")
	configPath     = flag.String("config", "", "Path to config.toml (default: $LONGBOW_VLM_CONFIG or the user config dir)")
	logLevel       = flag.String("log-level", "", "Log level override (DEBUG, INFO, WARN, ERROR)")
)

func main() {
	flag.Parse()

	cfg := config.Config{
		Port:              *port,
		MetricsPort:       *metricsPort,
		Host:              *host,
		APIKey:            *apiKey,
		AllowedOrigins:    config.ParseOrigins(*allowedOrigins),
		RequestsPerMinute: *rateLimit,
		ConfigPath:        *configPath,
	}
	if err := run(cfg); err != nil {
		logger.Log.Error("Server error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	svc, err := internalconfig.Load(cfg.ConfigPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		svc.Log.Level = *logLevel
	}
	logger.Setup(svc.Log.Level, svc.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := events.NewHub(events.DefaultBuffer)
	deps, err := nodes.NewDeps(svc, hub)
	if err != nil {
		return err
	}
	defer deps.Close()
	reg := nodes.Default(deps)

	logger.Log.Info("Starting longbow-vlm WebUI",
		"version", handlers.Version,
		"addr", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		"models_dir", deps.Models.Dir,
		"nodes", len(reg.Specs()),
		"auth", cfg.APIKey != "")

	servers := []*http.Server{{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           handlers.NewRouter(cfg, deps, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if cfg.MetricsPort > 0 && cfg.MetricsPort != cfg.Port {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		})
		logger.Log.Info("Metrics available", "url", fmt.Sprintf("http://%s:%d/metrics", cfg.Host, cfg.MetricsPort))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// listings fall back to explicit refreshes without the watcher
		if err := deps.Models.Watch(gctx); err != nil {
			logger.Log.Warn("Model directory watch disabled", "dir", deps.Models.Dir, "error", err)
		}
		return nil
	})
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Log.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Log.Warn("Shutdown error", "addr", srv.Addr, "error", err)
			}
		}
		return nil
	})

	err = g.Wait()
	logger.Log.Info("Server stopped")
	return err
}
