package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"evmarket/web/internal/config"
	"evmarket/web/internal/http/handlers"
	"evmarket/web/internal/http/middleware"
	"evmarket/web/internal/logging"
	"evmarket/web/internal/metrics"
	"evmarket/web/internal/payments/oracle"
	"evmarket/web/internal/session"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, cleanup, err := logging.New(cfg.Logging, "web")
	if err != nil {
		log.Fatalf("log error: %v", err)
	}
	defer func() {
		_ = cleanup()
	}()
	logger = logger.With("env", cfg.Env)
	slog.SetDefault(logger)

	tokens := oracle.NewTokenSource(oracle.TokenConfig{
		Secret:   cfg.Backend.JWTSecret,
		Audience: cfg.Backend.JWTAudience,
	})
	if cfg.Backend.JWTSecret == "" {
		logger.Warn("oracle_auth", "status", "disabled")
	}
	backend := oracle.NewClient(oracle.Config{
		BaseURL:         cfg.Backend.BaseURL,
		Timeout:         cfg.Backend.Timeout,
		RateLimitRPS:    cfg.Backend.RateLimitRPS,
		RateBurst:       cfg.Backend.RateBurst,
		BreakerFailures: uint32(cfg.Backend.BreakerFailures),
		BreakerCooldown: cfg.Backend.BreakerCooldown,
		BreakerHalfOpen: uint32(cfg.Backend.BreakerHalfOpen),
	}, tokens, nil, logger)

	m := metrics.New()
	sessions := session.NewManager(backend, session.Config{
		LandingURL:    cfg.LandingURL,
		IdleTimeout:   cfg.Session.IdleTimeout,
		SweepInterval: cfg.Session.SweepInterval,
	}, m, logger)

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go sessions.RunJanitor(janitorCtx)

	h := handlers.New(sessions, cfg, logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(10 * time.Second))
	r.Use(corsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", m.Handler())
	h.RegisterPaymentRoutes(r)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("web_listening", "addr", cfg.HTTPAddr, "backend", cfg.Backend.BaseURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown", "sessions", sessions.Len())
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShutdown)
	stopJanitor()
	if err := sessions.Shutdown(ctxShutdown); err != nil {
		logger.Warn("shutdown", "status", "sessions_timeout", "error", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
