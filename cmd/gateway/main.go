package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/callengine/internal/auth"
	"github.com/whisper/callengine/internal/call"
	"github.com/whisper/callengine/internal/config"
	"github.com/whisper/callengine/internal/gateway"
	"github.com/whisper/callengine/internal/matching"
	"github.com/whisper/callengine/internal/messaging"
	"github.com/whisper/callengine/internal/notify"
	"github.com/whisper/callengine/internal/presence"
	"github.com/whisper/callengine/internal/profile"
	"github.com/whisper/callengine/internal/ratelimit"
	"github.com/whisper/callengine/internal/relationship"
	"github.com/whisper/callengine/internal/sfu"
	"github.com/whisper/callengine/internal/signaling"
	"github.com/whisper/callengine/internal/telemetry"
	"github.com/whisper/callengine/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to callengine.toml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	timing := cfg.Timing()

	serverName := cfg.ServerName
	if serverName == "" {
		serverName, _ = os.Hostname()
	}

	// --- Redis ---
	presenceStore, err := presence.NewStore(cfg.Redis.Addr, cfg.Redis.DB, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	rdb := presenceStore.Client()

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "callengine-gateway-" + serverName
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	sessions := call.NewStore(rdb, timing)
	relay := signaling.NewRelay(rdb, sessions)
	notifier := notify.NewDispatcher(natsClient, 0)

	finalizer := &call.Finalizer{
		Events:   natsClient,
		Notifier: notifier,
		Signals:  relay,
	}

	var sink *telemetry.Sink
	if cfg.Telemetry.Path != "" {
		sink, err = telemetry.Open(cfg.Telemetry.Path)
		if err != nil {
			log.Fatalf("failed to open telemetry sink: %v", err)
		}
		finalizer.Transitions = sink
	}

	deps := gateway.Deps{
		Queue:     matching.NewQueue(rdb),
		Finder:    matching.NewFinder(rdb, timing, cfg.Queue.HeartbeatStale),
		Sessions:  sessions,
		Finalizer: finalizer,
		Relay:     relay,
		Presence:  presenceStore,
		Limiter:   ratelimit.NewLimiter(rdb),
		Bus:       natsClient,
	}

	// --- LiveKit (optional) ---
	var rooms matching.RoomProvisioner
	if cfg.SFUEnabled() {
		provisioner := sfu.NewProvisioner(sfu.Config{
			Endpoint:     cfg.LiveKit.Endpoint,
			APIKey:       cfg.LiveKit.APIKey,
			APISecret:    cfg.LiveKit.APISecret,
			TokenTTL:     cfg.LiveKit.TokenTTL,
			EmptyTimeout: cfg.LiveKit.EmptyTimeout,
		})
		rooms = provisioner
		finalizer.Rooms = provisioner
		deps.SFU = provisioner
	}
	deps.Announcer = matching.NewAnnouncer(natsClient, rooms)

	// --- PostgreSQL (optional) ---
	if cfg.Postgres.DSN != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		db, err := relationship.Open(ctx, cfg.Postgres.DSN)
		cancel()
		if err != nil {
			log.Fatalf("failed to connect to PostgreSQL: %v", err)
		}
		if err := relationship.Migrate(db); err != nil {
			log.Fatalf("failed to migrate: %v", err)
		}
		finalizer.Recorder = relationship.NewStore(db)

		gdb, err := profile.Open(cfg.Postgres.DSN)
		if err != nil {
			log.Fatalf("failed to open profile store: %v", err)
		}
		deps.Profiles = profile.NewStore(gdb)
	}

	log.Printf("Call engine gateway starting")
	log.Printf("  listen_addr:     %s", cfg.Gateway.ListenAddr)
	log.Printf("  worker_pool:     %d", cfg.Gateway.WorkerPoolSize)
	log.Printf("  max_connections: %d", cfg.Gateway.MaxConnections)
	log.Printf("  redis_addr:      %s", cfg.Redis.Addr)
	log.Printf("  nats_url:        %s", cfg.NATS.URL)
	log.Printf("  server_name:     %s", serverName)
	log.Printf("  call_duration:   %s (lead %s, window %s)", timing.Duration, timing.DecisionLead, timing.DecisionWindow)
	log.Printf("  sfu:             %v", cfg.SFUEnabled())
	log.Printf("  postgres:        %v", cfg.Postgres.DSN != "")

	serverConfig := ws.ServerConfig{
		ListenAddr:     cfg.Gateway.ListenAddr,
		WorkerPoolSize: cfg.Gateway.WorkerPoolSize,
		MaxConnections: cfg.Gateway.MaxConnections,
		ReadTimeout:    cfg.Gateway.ReadTimeout,
		WriteTimeout:   cfg.Gateway.WriteTimeout,
	}

	dispatcher := ws.NewMessageDispatcher()
	issuer := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	server := ws.NewServer(serverConfig, issuer, presenceStore, dispatcher.Dispatch)
	deps.Sender = server

	gw := gateway.New(gateway.Config{
		PollInterval: cfg.Queue.PollInterval,
		TimerTick:    cfg.Gateway.TimerTick,
	}, deps)
	gw.Register(dispatcher)
	server.SetOnConnect(gw.Connect)
	server.SetOnDisconnect(gw.Disconnect)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		notifier.Close()
		natsClient.Close()
		if err := presenceStore.Close(); err != nil {
			log.Printf("presence store close error: %v", err)
		}
		if sink != nil {
			sink.Close()
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

