package ws

import (
	"context"
	"log"
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns defaults that keep presence records (90s
// TTL) alive with two refreshes to spare.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection on a fixed interval, evicts the ones
// that went silent, and refreshes presence for the rest. It returns
// immediately; the goroutine exits when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config)
			}
		}
	}()
}

// checkConnections removes connections with no frame for Interval + Timeout.
// Eviction runs the disconnect callback, which ends any call in progress.
func checkConnections(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastActive()); idle > deadline {
			log.Printf("[gateway] heartbeat timeout identity=%s last_activity=%s ago",
				c.ID, idle.Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("[gateway] heartbeat ping failed identity=%s: %v", c.ID, err)
			server.RemoveConnection(c)
			continue
		}

		if server.presence != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := server.presence.Refresh(ctx, c.ID); err != nil {
				log.Printf("[gateway] presence refresh %s: %v", c.ID, err)
			}
			cancel()
		}
	}
}

// WritePing sends a protocol-level ping frame (opcode 0x9), serialized with
// other outbound frames by the write mutex.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}
