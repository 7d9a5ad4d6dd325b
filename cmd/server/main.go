package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/mmynk/cashflow/internal/auth"
	"github.com/mmynk/cashflow/internal/backend"
	"github.com/mmynk/cashflow/internal/backend/memory"
	"github.com/mmynk/cashflow/internal/backend/redis"
	"github.com/mmynk/cashflow/internal/backend/sqlite"
	"github.com/mmynk/cashflow/internal/config"
	"github.com/mmynk/cashflow/internal/coordinator"
	"github.com/mmynk/cashflow/internal/ledger"
	"github.com/mmynk/cashflow/internal/metrics"
	"github.com/mmynk/cashflow/internal/middleware"
	"github.com/mmynk/cashflow/internal/service"
	"github.com/mmynk/cashflow/internal/session"
	"github.com/mmynk/cashflow/internal/storage"
	"github.com/mmynk/cashflow/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	logging.Setup(cfg.Log.Level)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// openBackend returns the configured backend, the user storage that goes
// with it and a closer for both.
func openBackend(ctx context.Context, cfg config.BackendConfig) (backend.Backend, auth.UserStorage, io.Closer, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		slog.Info("Storage initialized", "driver", cfg.Driver, "database", cfg.SQLitePath)
		return store, store, store, nil
	case config.DriverRedis:
		b, err := redis.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("Storage initialized", "driver", cfg.Driver)
		return b, auth.NewMemoryUsers(), b, nil
	default:
		slog.Info("Storage initialized", "driver", cfg.Driver)
		return memory.New(), auth.NewMemoryUsers(), closerFunc(func() error { return nil }), nil
	}
}

func run(ctx context.Context, cfg config.Config) error {
	b, users, closer, err := openBackend(ctx, cfg.Backend)
	if err != nil {
		return err
	}
	defer closer.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	store := storage.New(b, storage.WithMetrics(m))
	defer store.Close()

	sessions := session.NewRegistry(store, m, slog.Default(),
		coordinator.WithMetrics(m),
		coordinator.WithFetchTimeout(cfg.Sync.FetchTimeout),
	)
	defer sessions.Close()

	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration)
	authenticator := auth.NewPasswordAuthenticator(users)

	ledgerSvc := service.NewLedgerService(ledger.New(store), sessions,
		service.WithMonthCount(cfg.Sync.MonthCount),
		service.WithWaitTimeout(cfg.Sync.FetchTimeout),
	)
	authSvc := service.NewAuthService(authenticator, users, jwtManager, sessions, slog.Default())

	mux := http.NewServeMux()

	// Auth runs first so the logging interceptor sees the user ID.
	mux.Handle(service.NewLedgerServiceHandler(ledgerSvc, connect.WithInterceptors(
		middleware.RequireAuth(jwtManager),
		middleware.LoggingInterceptor(),
	)))
	mux.Handle(service.NewAuthServiceHandler(authSvc, connect.WithInterceptors(
		middleware.OptionalAuth(jwtManager),
		middleware.LoggingInterceptor(),
	)))
	mux.Handle("/ws/view", service.NewViewSocket(jwtManager, sessions, slog.Default()))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	staticDir, err := filepath.Abs(cfg.Server.StaticPath)
	if err != nil {
		return fmt.Errorf("failed to resolve static path: %w", err)
	}
	slog.Info("Serving static files", "path", staticDir)
	mux.HandleFunc("/", staticHandler(staticDir))

	// Wrap with h2c for HTTP/2 without TLS (required for Connect streaming)
	handler := h2c.NewHandler(loggingMiddleware(corsMiddleware(mux)), &http2.Server{})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{Addr: addr, Handler: handler}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Connect server starting", "address", addr, "url", fmt.Sprintf("http://localhost%s", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sessions.Run(gctx, cfg.Sync.IdleTimeout)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func staticHandler(staticDir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/cashflow.v1.") {
			http.NotFound(w, r)
			return
		}

		urlPath := r.URL.Path
		if urlPath == "/" {
			urlPath = "/index.html"
		}

		filePath := filepath.Join(staticDir, filepath.Clean(urlPath))
		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			http.ServeFile(w, r, filepath.Join(staticDir, "index.html"))
			return
		}

		http.ServeFile(w, r, filePath)
	}
}

// loggingMiddleware logs all incoming requests
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("Request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// corsMiddleware adds CORS headers for browser access
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Connect-Protocol-Version, Connect-Timeout-Ms")
		w.Header().Set("Access-Control-Expose-Headers", "Connect-Protocol-Version, Connect-Timeout-Ms")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
