// Package sfu provisions LiveKit rooms for matched sessions when the engine
// runs in SFU mode. Each session gets a two-seat room named after its room
// id, and each participant gets a short-lived join token.
package sfu

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go"
)

// maxParticipants is fixed: a call never has more than two people.
const maxParticipants = 2

// Config holds the LiveKit connection settings.
type Config struct {
	Endpoint     string
	APIKey       string
	APISecret    string
	TokenTTL     time.Duration
	EmptyTimeout time.Duration
}

// Provisioner creates and deletes rooms and mints join tokens.
type Provisioner struct {
	rooms *lksdk.RoomServiceClient
	cfg   Config
}

// NewProvisioner creates a room service client for the configured endpoint.
// A bare host is treated as https.
func NewProvisioner(cfg Config) *Provisioner {
	host := cfg.Endpoint
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 10 * time.Minute
	}
	return &Provisioner{
		rooms: lksdk.NewRoomServiceClient(host, cfg.APIKey, cfg.APISecret),
		cfg:   cfg,
	}
}

// URL returns the endpoint clients connect to.
func (p *Provisioner) URL() string {
	host := p.cfg.Endpoint
	if !strings.Contains(host, "://") {
		host = "wss://" + host
	}
	return host
}

// CreateRoom creates a two-seat room.
func (p *Provisioner) CreateRoom(ctx context.Context, roomID string) error {
	_, err := p.rooms.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name:            roomID,
		EmptyTimeout:    uint32(p.cfg.EmptyTimeout / time.Second),
		MaxParticipants: maxParticipants,
	})
	if err != nil {
		return fmt.Errorf("sfu: create room %s: %w", roomID, err)
	}
	log.Printf("[sfu] created room %s", roomID)
	return nil
}

// DeleteRoom removes a room. Deleting a room LiveKit already reaped is not
// an error worth surfacing to the caller, so it is only logged.
func (p *Provisioner) DeleteRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return nil
	}
	if _, err := p.rooms.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: roomID}); err != nil {
		log.Printf("[sfu] delete room %s: %v", roomID, err)
		return fmt.Errorf("sfu: delete room %s: %w", roomID, err)
	}
	return nil
}

// JoinToken mints a token that lets identity join roomID only.
func (p *Provisioner) JoinToken(roomID, identity string) (string, error) {
	return joinToken(p.cfg.APIKey, p.cfg.APISecret, roomID, identity, p.cfg.TokenTTL)
}

func joinToken(apiKey, apiSecret, roomID, identity string, ttl time.Duration) (string, error) {
	grant := &auth.VideoGrant{
		Room:     roomID,
		RoomJoin: true,
	}

	tk := auth.NewAccessToken(apiKey, apiSecret)
	tk.AddGrant(grant).
		SetIdentity(identity).
		SetValidFor(ttl)

	token, err := tk.ToJWT()
	if err != nil {
		return "", fmt.Errorf("sfu: join token: %w", err)
	}
	return token, nil
}
