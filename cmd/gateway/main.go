// Command gateway is the API Gateway entry point.
//
// Usage:
//
//	gateway [-config path/to/gateway.yaml]
//
// The gateway supports zero-downtime hot-reload: edit gateway.yaml while the
// process is running and changes take effect immediately — no restart needed.
// Shutdown is graceful: send SIGINT or SIGTERM and in-flight requests are
// given up to 10 seconds to complete.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"modelgate/internal/clock"
	"modelgate/internal/config"
	"modelgate/internal/health"
	"modelgate/internal/httpapi"
	"modelgate/internal/llmproxy"
	"modelgate/internal/middleware"
	"modelgate/internal/modelpool"
	"modelgate/internal/registry"
	"modelgate/internal/toolmetrics"
	"modelgate/internal/toolproxy"
)

// Version information — set at build time via -ldflags.
//
//	-X main.version=$(git describe --tags --always)
//	-X main.commit=$(git rev-parse --short HEAD)
//	-X main.buildDate=$(date -u +%Y-%m-%dT%H:%M:%SZ)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// gateway bundles the runtime objects wired from Config so the hot-reload
// callback and main can both rebuild/refresh them without re-deriving the
// wiring.
type gateway struct {
	store       *modelpool.Store
	llmProxy    *llmproxy.Proxy
	toolMetrics *toolmetrics.Recorder
	toolHealth  *health.Monitor
	toolForward *toolproxy.Forward
	registrar   registry.Registrar
}

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to gateway.yaml")
	flag.Parse()

	startTime := time.Now()

	// Structured JSON logging to stdout — ready for any log aggregator.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))

	// ── Load initial configuration ────────────────────────────────────────────
	cfg, v, err := config.Load(*configPath)
	if err != nil {
		slog.Warn("could not load config file, using defaults",
			"path", *configPath,
			"error", err,
		)
		cfg = config.Default()
		v = nil
	}

	// ── Build runtime objects ─────────────────────────────────────────────────
	clk := clock.RealClock{}
	gw := buildGateway(clk, cfg)

	if cfg.HealthCheck.Enabled {
		gw.toolHealth.Start()
	}

	if err := gw.registrar.Register("modelgate", "modelgate-1", "127.0.0.1", listenPort(cfg.ListenAddr), nil); err != nil {
		slog.Warn("registry: registration failed", "error", err)
	}

	// ── Build middleware chain ────────────────────────────────────────────────
	// The atomicHandler lets us swap the entire chain at runtime (hot-reload
	// of auth/rate-limit settings, or a rebuilt route set) without restarting
	// the server.
	var current atomic.Value
	buildChain := func(c config.Config, h http.Handler) http.Handler {
		h = middleware.Auth(c.Auth)(h)
		if c.RateLimit.Enabled {
			h = middleware.RateLimiter(c.RateLimit.RPS, c.RateLimit.Burst)(h)
		}
		return middleware.Logger(h)
	}
	current.Store(buildChain(cfg, httpapi.New(gw.deps(cfg))))

	atomicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current.Load().(http.Handler).ServeHTTP(w, r)
	})

	// ── Hot-reload ────────────────────────────────────────────────────────────
	if v != nil {
		config.Watch(v, func(newCfg config.Config) {
			gw.store.Initialize(newCfg.Models)
			gw.toolMetrics.UpdateServices(newCfg.Tools)
			gw.toolHealth.UpdateServices(newCfg.Tools)
			gw.toolForward.UpdateServices(newCfg.Tools)
			current.Store(buildChain(newCfg, httpapi.New(gw.deps(newCfg))))

			slog.Info("hot-reload applied",
				"models", len(newCfg.Models),
				"tools", len(newCfg.Tools),
				"rate_limit", newCfg.RateLimit.Enabled,
				"auth", newCfg.Auth.Enabled,
			)
		})
	}

	// ── Top-level mux ─────────────────────────────────────────────────────────
	// /healthz is answered locally (no middleware, no upstream dependency) so
	// Docker and load-balancers can always determine whether the process is
	// alive. All other paths go through the middleware chain and httpapi's
	// routing.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q,"commit":%q,"build_date":%q,"uptime":%q}`,
			version, commit, buildDate, time.Since(startTime).Round(time.Second).String())
	})
	mux.Handle("/", atomicHandler)

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("gateway listening",
			"addr", cfg.ListenAddr,
			"models", len(cfg.Models),
			"tools", len(cfg.Tools),
			"health_check", cfg.HealthCheck.Enabled,
			"rate_limit", cfg.RateLimit.Enabled,
			"auth", cfg.Auth.Enabled,
			"version", version,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down gateway")

	gw.toolHealth.Stop()
	_ = gw.registrar.Deregister("modelgate-1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("gateway stopped")
}

// buildGateway constructs the gateway's runtime components from cfg.
func buildGateway(clk clock.Clock, cfg config.Config) *gateway {
	store := modelpool.NewStore(clk)
	store.Initialize(cfg.Models)

	toolMetrics := toolmetrics.New(clk, cfg.Tools)
	toolHealth := health.New(cfg.Tools, cfg.HealthCheck.ParsedInterval(), cfg.HealthCheck.ParsedTimeout())
	toolForward := toolproxy.New(clk, toolMetrics, cfg.Tools, cfg.ParsedProxyTimeout())

	llmProxy := llmproxy.New(store, clk, cfg.ParsedProxyTimeout(), cfg.StreamSniffLimit)

	return &gateway{
		store:       store,
		llmProxy:    llmProxy,
		toolMetrics: toolMetrics,
		toolHealth:  toolHealth,
		toolForward: toolForward,
		registrar:   registry.NoopRegistrar{},
	}
}

func (gw *gateway) deps(cfg config.Config) httpapi.Deps {
	return httpapi.Deps{
		Store:       gw.store,
		LLMProxy:    gw.llmProxy,
		ToolForward: gw.toolForward,
		ToolMetrics: gw.toolMetrics,
		ToolHealth:  gw.toolHealth,
		APIPrefix:   cfg.APIPrefix,
	}
}

// listenPort extracts the numeric port from a ":8080"-style listen address,
// for the service-registry Register call. Returns 0 if it can't be parsed.
func listenPort(addr string) int {
	var port int
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			fmt.Sscanf(addr[i+1:], "%d", &port)
			return port
		}
	}
	return port
}
