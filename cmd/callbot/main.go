// Package main implements a headless call engine client. It connects to a
// running gateway, searches for a partner, runs the media driver with a
// silent capture source, submits a scripted decision and reports the
// outcome. Two bots with compatible preferences exercise the whole engine:
//
//	go run ./cmd/callbot/ -identity alice -gender female -preference male &
//	go run ./cmd/callbot/ -identity bob -gender male -preference female
//
// Exit code 0 when every call resolved, 1 otherwise.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/callengine/internal/auth"
	"github.com/whisper/callengine/internal/call"
	"github.com/whisper/callengine/internal/client"
	"github.com/whisper/callengine/internal/config"
	"github.com/whisper/callengine/internal/media"
	"github.com/whisper/callengine/internal/telemetry"
)

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "Gateway WebSocket URL")
	configPath := flag.String("config", "", "path to callengine.toml (for the token secret)")
	identity := flag.String("identity", "", "identity to connect as (default: random)")
	gender := flag.String("gender", "", "own gender: male, female or other")
	preference := flag.String("preference", "any", "partner preference: male, female or any")
	decision := flag.String("decision", "yes", "decision to submit each round: yes, no or continue")
	calls := flag.Int("calls", 1, "number of calls to complete")
	timeout := flag.Duration("timeout", 10*time.Minute, "global timeout")
	telemetryPath := flag.String("telemetry", "-", "phase transition log file, - for stdout")
	flag.Parse()

	d := call.Decision(*decision)
	if !d.Valid() || d == call.DecisionNone {
		log.Fatalf("invalid decision %q", *decision)
	}
	if *identity == "" {
		*identity = "bot-" + uuid.NewString()[:8]
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	token, err := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL).Issue(*identity)
	if err != nil {
		log.Fatalf("failed to mint token: %v", err)
	}

	sink, err := telemetry.Open(*telemetryPath)
	if err != nil {
		log.Fatalf("failed to open telemetry sink: %v", err)
	}
	defer sink.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, runConfig{
		url:        *wsURL,
		token:      token,
		gender:     *gender,
		preference: *preference,
		decision:   d,
		calls:      *calls,
		iceServers: cfg.Media.ICEServers,
		graceDelay: cfg.Call.GraceDelay,
	}, sink); err != nil {
		fmt.Fprintf(os.Stderr, "callbot: %v\n", err)
		sink.Close()
		os.Exit(1)
	}
}

type runConfig struct {
	url        string
	token      string
	gender     string
	preference string
	decision   call.Decision
	calls      int
	iceServers []string
	graceDelay time.Duration
}

func run(ctx context.Context, rc runConfig, sink *telemetry.Sink) error {
	conn, err := client.Dial(ctx, rc.url, rc.token)
	if err != nil {
		return err
	}
	defer conn.Close()
	identity := conn.Identity()
	log.Printf("[callbot] connected as %s", identity)

	driver, err := media.NewDriver(media.Config{
		ICEServers: rc.iceServers,
		OnConnState: func(s media.ConnState) {
			log.Printf("[callbot] media %s", s)
		},
	}, media.SilenceMicrophone{}, conn)
	if err != nil {
		return err
	}

	flowConfig := client.DefaultFlowConfig()
	flowConfig.Gender = rc.gender
	flowConfig.Preference = rc.preference
	flowConfig.GraceDelay = rc.graceDelay
	flowConfig.Decide = func(round int) call.Decision {
		log.Printf("[callbot] round %d: deciding %s", round, rc.decision)
		return rc.decision
	}

	var flow *client.Flow
	flow = client.NewFlow(conn, driver, flowConfig, sink.Observer(identity, func() string {
		return flow.SessionID()
	}))
	defer flow.Close()

	for i := 0; i < rc.calls; i++ {
		if err := flow.Search(); err != nil {
			return fmt.Errorf("search: %w", err)
		}
		log.Printf("[callbot] searching (%d/%d)", i+1, rc.calls)

		if err := waitResult(ctx, conn, flow); err != nil {
			return err
		}
	}
	return nil
}

// waitResult blocks until the current call resolves. Media errors are
// logged; queue errors end the run.
func waitResult(ctx context.Context, conn *client.Conn, flow *client.Flow) error {
	for {
		select {
		case res := <-flow.Results():
			partner := "hidden"
			if res.Partner != nil {
				partner = res.Partner.Identity
				if res.Partner.DisplayName != "" {
					partner += " (" + res.Partner.DisplayName + ")"
				}
			}
			log.Printf("[callbot] session=%s outcome=%s reason=%s partner=%s",
				res.SessionID, res.Outcome, res.Reason, partner)
			return nil
		case err := <-flow.Errors():
			log.Printf("[callbot] %v", err)
			if flow.Phase() == call.PhaseIdle {
				return err
			}
		case <-conn.Done():
			return client.ErrClosed
		case <-ctx.Done():
			if flow.Phase() == call.PhaseSearching {
				_ = flow.Cancel()
			}
			return ctx.Err()
		}
	}
}
