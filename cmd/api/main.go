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

	"github.com/alyssahx-wong/BuddyBeasts-sub000/internal/api"
	"github.com/alyssahx-wong/BuddyBeasts-sub000/internal/auth"
	"github.com/alyssahx-wong/BuddyBeasts-sub000/internal/config"
	"github.com/alyssahx-wong/BuddyBeasts-sub000/internal/domain"
	"github.com/alyssahx-wong/BuddyBeasts-sub000/internal/outbox"
	persistence "github.com/alyssahx-wong/BuddyBeasts-sub000/internal/persistence/postgres"
	httptransport "github.com/alyssahx-wong/BuddyBeasts-sub000/internal/transport/http"
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

	producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
	defer producer.Close()

	registry := outbox.NewSchemaRegistryClient(cfg.SchemaRegistryURL)
	dispatcher := outbox.NewDispatcher(pool, producer, registry, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	go dispatcher.Start(ctx)

	service := domain.NewService(
		persistence.NewRepository(pool),
		outbox.NewEmoteWriter(producer),
		domain.Rules{
			Countdown:   cfg.LobbyCountdown,
			GracePeriod: cfg.LobbyGracePeriod,
		},
	)

	mux := http.NewServeMux()
	api.NewHandler(service).RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer})
	chain := authMiddleware.Wrap(requestLogger(corsLocalDev(mux)))

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, chain)

	go func() {
		log.Printf("rendezvous-service listening on %s", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	dispatcher.Wait()
}

// corsLocalDev allows the Vite dev server origin. Production traffic goes
// through the gateway, which owns CORS there.
func corsLocalDev(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "http://localhost:5173")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
