package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/whisper/callengine/internal/block"
	"github.com/whisper/callengine/internal/call"
	"github.com/whisper/callengine/internal/config"
	"github.com/whisper/callengine/internal/maintenance"
	"github.com/whisper/callengine/internal/matching"
	"github.com/whisper/callengine/internal/messaging"
	"github.com/whisper/callengine/internal/notify"
	"github.com/whisper/callengine/internal/relationship"
	"github.com/whisper/callengine/internal/sfu"
	"github.com/whisper/callengine/internal/signaling"
	"github.com/whisper/callengine/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to callengine.toml")
	once := flag.Bool("once", false, "run a single sweep and exit")
	flag.Parse()

	log.Println("Starting call engine maintenance sweeper...")

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
	natsConfig.Name = "callengine-sweeper"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}
	notifier := notify.NewDispatcher(natsClient, 0)

	sessions := call.NewStore(rdb, cfg.Timing())
	finalizer := &call.Finalizer{
		Events:   natsClient,
		Notifier: notifier,
		Signals:  signaling.NewRelay(rdb, sessions),
	}

	if cfg.Telemetry.Path != "" {
		sink, err := telemetry.Open(cfg.Telemetry.Path)
		if err != nil {
			log.Fatalf("failed to open telemetry sink: %v", err)
		}
		defer sink.Close()
		finalizer.Transitions = sink
	}
	if cfg.SFUEnabled() {
		finalizer.Rooms = sfu.NewProvisioner(sfu.Config{
			Endpoint:  cfg.LiveKit.Endpoint,
			APIKey:    cfg.LiveKit.APIKey,
			APISecret: cfg.LiveKit.APISecret,
			TokenTTL:  cfg.LiveKit.TokenTTL,
		})
	}

	sweepConfig := maintenance.DefaultConfig()
	sweepConfig.DecidingGrace = cfg.Call.DecidingGrace
	sweepConfig.HeartbeatStale = cfg.Queue.HeartbeatStale
	sweeper := maintenance.New(sweepConfig, sessions, matching.NewQueue(rdb), finalizer)

	if cfg.Postgres.DSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err := relationship.Open(ctx, cfg.Postgres.DSN)
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to PostgreSQL: %v", err)
		}
		defer db.Close()
		store := relationship.NewStore(db)
		finalizer.Recorder = store
		sweeper.WithBlocks(block.NewStore(rdb), store)
	}

	if *once {
		ctx, cancel := context.WithTimeout(context.Background(), sweepConfig.RunTimeout)
		rep, err := sweeper.Run(ctx)
		cancel()
		if err != nil {
			log.Printf("[sweep] run: %v", err)
		}
		log.Printf("[sweep] forced=%d expired=%d purged=%d blocks=%d open=%d",
			rep.Forced, rep.Expired, rep.Purged, rep.BlocksLoaded, rep.Open)
		notifier.Close()
		natsClient.Close()
		rdb.Close()
		return
	}

	c := cron.New()
	if _, err := maintenance.Schedule(c, cfg.Sweep.Schedule, sweeper); err != nil {
		log.Fatalf("failed to schedule sweep: %v", err)
	}
	c.Start()

	log.Printf("Call engine sweeper running")
	log.Printf("  redis_addr:     %s", cfg.Redis.Addr)
	log.Printf("  nats_url:       %s", cfg.NATS.URL)
	log.Printf("  schedule:       %s", cfg.Sweep.Schedule)
	log.Printf("  deciding_grace: %s", sweepConfig.DecidingGrace)
	log.Printf("  postgres:       %v", cfg.Postgres.DSN != "")

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	<-c.Stop().Done()
	notifier.Close()
	natsClient.Close()
	rdb.Close()
}
