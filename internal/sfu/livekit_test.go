package sfu

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJoinToken_GrantsSingleRoom(t *testing.T) {
	p := NewProvisioner(Config{
		Endpoint:  "livekit.example.com",
		APIKey:    "devkey",
		APISecret: "devsecret-devsecret-devsecret-32",
		TokenTTL:  5 * time.Minute,
	})

	token, err := p.JoinToken("room-1", "alice")
	if err != nil {
		t.Fatalf("join token: %v", err)
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte("devsecret-devsecret-devsecret-32"), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		t.Fatalf("parse: %v", err)
	}

	if claims["sub"] != "alice" {
		t.Errorf("expected sub alice, got %v", claims["sub"])
	}
	if claims["iss"] != "devkey" {
		t.Errorf("expected iss devkey, got %v", claims["iss"])
	}
	video, ok := claims["video"].(map[string]any)
	if !ok {
		t.Fatalf("expected video grant, got %v", claims["video"])
	}
	if video["room"] != "room-1" || video["roomJoin"] != true {
		t.Errorf("unexpected grant %v", video)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		t.Fatalf("expected exp: %v", err)
	}
	if d := time.Until(exp.Time); d <= 0 || d > 5*time.Minute+time.Second {
		t.Errorf("unexpected token lifetime %v", d)
	}
}

func TestJoinToken_WrongSecretFails(t *testing.T) {
	token, err := joinToken("devkey", "secret-a-secret-a-secret-a-secret", "room-1", "bob", time.Minute)
	if err != nil {
		t.Fatalf("join token: %v", err)
	}
	_, err = jwt.Parse(token, func(*jwt.Token) (any, error) {
		return []byte("secret-b-secret-b-secret-b-secret"), nil
	})
	if err == nil {
		t.Fatal("expected signature error")
	}
}

func TestProvisioner_URL(t *testing.T) {
	if got := NewProvisioner(Config{Endpoint: "lk.example.com"}).URL(); got != "wss://lk.example.com" {
		t.Errorf("bare host: got %s", got)
	}
	if got := NewProvisioner(Config{Endpoint: "ws://localhost:7880"}).URL(); got != "ws://localhost:7880" {
		t.Errorf("explicit scheme: got %s", got)
	}
}
