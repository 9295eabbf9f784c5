package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alyssahx-wong/BuddyBeasts-sub000/internal/config"
	"github.com/alyssahx-wong/BuddyBeasts-sub000/internal/outbox"
)

const defaultDLQBatchSize = 50

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	manager := outbox.NewDLQManager(pool, cfg.DLQMaxRetries, cfg.DLQBaseDelay)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		log.Printf("dlq manager metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server error: %v", err)
		}
	}()

	log.Printf("DLQ manager started (interval=%s, maxRetries=%d)", cfg.DLQPollInterval, cfg.DLQMaxRetries)
	runLoop(ctx, manager, cfg.DLQPollInterval)
	log.Println("dlq manager shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}
}

func runLoop(ctx context.Context, manager *outbox.DLQManager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			processed, err := manager.RunOnce(ctx, defaultDLQBatchSize)
			if err != nil {
				log.Printf("dlq manager error: %v", err)
				continue
			}
			if processed > 0 {
				log.Printf("dlq manager processed %d entries", processed)
			}
		}
	}
}
