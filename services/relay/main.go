package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/convsync/internal/auth"
	"github.com/convsync/internal/config"
	"github.com/convsync/internal/logger"
	"github.com/convsync/internal/middleware"
	"github.com/convsync/internal/relay"
	"github.com/convsync/internal/startup"
)

func main() {
	logger.SetPrefix("relay")
	logger.Info("starting relay service")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := relay.NewMetrics(reg)

	hub := relay.NewHub(cfg.Relay.MaxConnections, metrics)

	var fanout *relay.RedisFanout
	if cfg.Relay.Fanout {
		if cfg.Redis.URL == "" {
			logger.Error("relay: fanout=true требует REDIS_URL")
			os.Exit(1)
		}
		rdb := startup.ConnectRedisWithRetry(cfg.Redis.URL, 30*time.Second, "relay: ")
		defer rdb.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		fanout, err = relay.NewRedisFanout(ctx, rdb.Raw(), hub)
		cancel()
		if err != nil {
			logger.Errorf("relay fanout: %v", err)
			os.Exit(1)
		}
		hub.SetFanout(fanout)
		logger.Infof("redis fanout enabled instance=%s", fanout.Instance())
	}

	hubCtx, hubCancel := context.WithCancel(context.Background())
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	verifier := auth.NewJWT([]byte(cfg.Auth.Secret), cfg.Auth.Issuer)
	wsH := relay.NewHandler(hub, cfg.Server.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Handle("/metrics", middleware.InternalOnly(cfg.Relay.MetricsSecret, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	r.With(middleware.BearerAuth(verifier)).Get("/ws", wsH.ServeWS)

	srv := &http.Server{
		Addr:        cfg.Relay.Addr,
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("relay listening on %s", cfg.Relay.Addr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	if fanout != nil {
		if err := fanout.Close(); err != nil {
			logger.Errorf("fanout close: %v", err)
		}
	}
	srvWg.Wait()
	logger.Info("relay stopped")
}
