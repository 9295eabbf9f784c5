package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/alyssahx-wong/BuddyBeasts-sub000/internal/config"
	"github.com/alyssahx-wong/BuddyBeasts-sub000/internal/consumer"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	handler := consumer.NewPersistenceHandler(pool)

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		log.Printf("consumer metrics listening on %s", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server error: %v", err)
		}
	}()

	var wg sync.WaitGroup
	for _, topic := range cfg.ConsumerTopics {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runTopic(ctx, cfg, topic, handler)
		}()
	}

	<-ctx.Done()
	log.Println("consumer shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("metrics server shutdown error: %v", err)
	}

	wg.Wait()
}

// runTopic consumes a single topic until ctx is cancelled. Each topic gets
// its own reader so a stalled partition cannot starve the others.
func runTopic(ctx context.Context, cfg config.Config, topic string, handler *consumer.PersistenceHandler) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:         cfg.KafkaBrokers,
		GroupID:         cfg.ConsumerGroupID,
		Topic:           topic,
		MinBytes:        1e3,
		MaxBytes:        10e6,
		CommitInterval:  time.Second,
		RetentionTime:   24 * time.Hour,
		ReadLagInterval: -1,
	})
	defer reader.Close()

	log.Printf("consumer started (topic=%s, group=%s)", topic, cfg.ConsumerGroupID)
	proc := consumer.NewProcessor(reader, handler)
	if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("consumer stopped with error (topic=%s): %v", topic, err)
	}
}
