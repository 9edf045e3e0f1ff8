package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/callengine/internal/config"
	"github.com/whisper/callengine/internal/matching"
	"github.com/whisper/callengine/internal/messaging"
	"github.com/whisper/callengine/internal/metrics"
	"github.com/whisper/callengine/internal/sfu"
)

func main() {
	configPath := flag.String("config", "", "path to callengine.toml")
	flag.Parse()

	log.Println("Starting call engine matching service...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Redis setup.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	cancel()

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "callengine-matcher"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	var rooms matching.RoomProvisioner
	if cfg.SFUEnabled() {
		rooms = sfu.NewProvisioner(sfu.Config{
			Endpoint:     cfg.LiveKit.Endpoint,
			APIKey:       cfg.LiveKit.APIKey,
			APISecret:    cfg.LiveKit.APISecret,
			TokenTTL:     cfg.LiveKit.TokenTTL,
			EmptyTimeout: cfg.LiveKit.EmptyTimeout,
		})
	}

	// Start matching service.
	svc := matching.NewService(rdb, cfg.Timing(), natsClient, matching.NewAnnouncer(natsClient, rooms), matching.ServiceConfig{
		PollInterval:   cfg.Queue.PollInterval,
		HeartbeatStale: cfg.Queue.HeartbeatStale,
		CleanupEvery:   cfg.Matcher.CleanupEvery,
	})
	if err := svc.Start(); err != nil {
		log.Fatalf("failed to start matching service: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: cfg.Matcher.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[matcher] metrics server: %v", err)
		}
	}()

	log.Printf("Call engine matching service running")
	log.Printf("  redis_addr:   %s", cfg.Redis.Addr)
	log.Printf("  nats_url:     %s", cfg.NATS.URL)
	log.Printf("  metrics_addr: %s", cfg.Matcher.MetricsAddr)
	log.Printf("  sfu:          %v", cfg.SFUEnabled())

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	svc.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	natsClient.Close()
	rdb.Close()
}
