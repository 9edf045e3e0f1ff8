package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/callengine/internal/config"
	"github.com/whisper/callengine/internal/messaging"
	"github.com/whisper/callengine/internal/relationship"
)

// errNoDatabase is returned by commands that need postgres.dsn.
var errNoDatabase = errors.New("postgres.dsn is not configured")

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	rdb  *redis.Client
	db   *sql.DB
	nats *messaging.NATSClient
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = &cfg
	})
	return c.config, c.configErr
}

// redis connects on first use.
func (c *commandContext) redis(ctx context.Context) (*redis.Client, error) {
	if c.rdb != nil {
		return c.rdb, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Redis.Addr, err)
	}
	c.rdb = rdb
	return rdb, nil
}

// database connects to postgres on first use.
func (c *commandContext) database(ctx context.Context) (*sql.DB, error) {
	if c.db != nil {
		return c.db, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Postgres.DSN == "" {
		return nil, errNoDatabase
	}
	db, err := relationship.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}
	c.db = db
	return db, nil
}

// bus connects to NATS on first use.
func (c *commandContext) bus() (*messaging.NATSClient, error) {
	if c.nats != nil {
		return c.nats, nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATS.URL
	natsConfig.Name = "callengine-callctl"
	natsConfig.MaxReconnects = 0
	nc, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		return nil, err
	}
	c.nats = nc
	return nc, nil
}

func (c *commandContext) close() {
	if c.nats != nil {
		c.nats.Close()
	}
	if c.rdb != nil {
		c.rdb.Close()
	}
	if c.db != nil {
		c.db.Close()
	}
}
