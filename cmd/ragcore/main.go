package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meridianlabs/ragcore"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := ragcore.LoadConfig(os.Getenv("RAGCORE_CONFIG"))
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	engine, err := ragcore.Open(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to start engine", zap.Error(err))
	}
	defer engine.Close()

	// Admin endpoints: Prometheus metrics and a liveness probe.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	addr := os.Getenv("RAGCORE_ADMIN_ADDR")
	if addr == "" {
		addr = ":9091"
	}
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logger.Info("admin HTTP listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin HTTP server failed", zap.Error(err))
		}
	}()

	// Daily retention sweep for persisted traces.
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := engine.DeleteOldTraces(sweepCtx); err != nil {
					logger.Warn("trace retention sweep failed", zap.Error(err))
				}
			case <-sweepCtx.Done():
				return
			}
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	stopSweep()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin HTTP shutdown failed", zap.Error(err))
	}
}
