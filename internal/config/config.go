// Package config loads the settings shared by every call engine binary.
// Values come from built-in defaults, an optional callengine.toml file and
// CALLENGINE_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/whisper/callengine/internal/call"
)

// EnvPrefix is prepended to every environment override, e.g.
// CALLENGINE_REDIS_ADDR or CALLENGINE_CALL_DURATION.
const EnvPrefix = "CALLENGINE"

// Config is the full configuration tree.
type Config struct {
	ServerName string `mapstructure:"server_name"`

	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Matcher   MatcherConfig   `mapstructure:"matcher"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Call      CallConfig      `mapstructure:"call"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Sweep     SweepConfig     `mapstructure:"sweep"`
	LiveKit   LiveKitConfig   `mapstructure:"livekit"`
	Media     MediaConfig     `mapstructure:"media"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GatewayConfig tunes the WebSocket gateway.
type GatewayConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	WorkerPoolSize int           `mapstructure:"worker_pool_size"`
	MaxConnections int           `mapstructure:"max_connections"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	TimerTick      time.Duration `mapstructure:"timer_tick"`
}

// MatcherConfig tunes the background matcher process.
type MatcherConfig struct {
	MetricsAddr  string        `mapstructure:"metrics_addr"`
	CleanupEvery time.Duration `mapstructure:"cleanup_every"`
}

type RedisConfig struct {
	Addr string `mapstructure:"addr"`
	DB   int    `mapstructure:"db"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// PostgresConfig points at the relationship and profile database. An empty
// DSN disables both stores.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// CallConfig holds the call timing. A round ends at started_at + Duration;
// deciding opens DecisionLead before that and the round closes
// DecisionWindow after it.
type CallConfig struct {
	Duration       time.Duration `mapstructure:"duration"`
	DecisionLead   time.Duration `mapstructure:"decision_lead"`
	DecisionWindow time.Duration `mapstructure:"decision_window"`
	Extension      time.Duration `mapstructure:"extension"`
	GraceDelay     time.Duration `mapstructure:"grace_delay"`
	DecidingGrace  time.Duration `mapstructure:"deciding_grace"`
}

type QueueConfig struct {
	HeartbeatStale time.Duration `mapstructure:"heartbeat_stale"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

type SweepConfig struct {
	Schedule string `mapstructure:"schedule"`
}

// LiveKitConfig enables SFU mode when Endpoint is set.
type LiveKitConfig struct {
	Endpoint     string        `mapstructure:"endpoint"`
	APIKey       string        `mapstructure:"api_key"`
	APISecret    string        `mapstructure:"api_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
	EmptyTimeout time.Duration `mapstructure:"empty_timeout"`
}

type MediaConfig struct {
	ICEServers []string `mapstructure:"ice_servers"`
}

// TelemetryConfig selects where phase transitions are written: "" disables
// the sink, "-" is stdout, anything else is a file appended to.
type TelemetryConfig struct {
	Path string `mapstructure:"path"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		ServerName: "gateway-1",
		Gateway: GatewayConfig{
			ListenAddr:     ":8080",
			WorkerPoolSize: 256,
			MaxConnections: 100000,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			TimerTick:      250 * time.Millisecond,
		},
		Matcher: MatcherConfig{
			MetricsAddr:  ":9091",
			CleanupEvery: 5 * time.Second,
		},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		NATS:     NATSConfig{URL: "nats://localhost:4222"},
		Postgres: PostgresConfig{},
		Auth: AuthConfig{
			Secret:   "dev-secret-change-me",
			TokenTTL: 24 * time.Hour,
		},
		Call: CallConfig{
			Duration:       3 * time.Minute,
			DecisionLead:   20 * time.Second,
			DecisionWindow: 0,
			Extension:      3 * time.Minute,
			GraceDelay:     2 * time.Second,
			DecidingGrace:  5 * time.Minute,
		},
		Queue: QueueConfig{
			HeartbeatStale: 30 * time.Second,
			PollInterval:   2 * time.Second,
		},
		Sweep: SweepConfig{Schedule: "@every 1m"},
		LiveKit: LiveKitConfig{
			TokenTTL:     10 * time.Minute,
			EmptyTimeout: 30 * time.Second,
		},
		Media: MediaConfig{
			ICEServers: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

// Load reads the configuration. When path is empty the file is looked up as
// callengine.toml in the working directory and /etc/callengine; a missing
// file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("callengine")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/callengine")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects timing combinations that would make a call unresolvable.
func (c Config) Validate() error {
	switch {
	case c.Call.Duration <= 0:
		return fmt.Errorf("config: call.duration must be positive")
	case c.Call.DecisionLead < 0 || c.Call.DecisionWindow < 0:
		return fmt.Errorf("config: call.decision_lead and call.decision_window must not be negative")
	case c.Call.DecisionLead >= c.Call.Duration:
		return fmt.Errorf("config: call.decision_lead (%s) must be shorter than call.duration (%s)",
			c.Call.DecisionLead, c.Call.Duration)
	case c.Call.DecisionLead+c.Call.DecisionWindow <= 0:
		return fmt.Errorf("config: call.decision_lead and call.decision_window cannot both be zero")
	case c.Call.Extension <= 0:
		return fmt.Errorf("config: call.extension must be positive")
	case c.Queue.HeartbeatStale <= c.Queue.PollInterval:
		return fmt.Errorf("config: queue.heartbeat_stale must exceed queue.poll_interval")
	case c.Auth.Secret == "":
		return fmt.Errorf("config: auth.secret is required")
	}
	return nil
}

// SFUEnabled reports whether LiveKit room provisioning is configured.
func (c Config) SFUEnabled() bool {
	return c.LiveKit.Endpoint != ""
}

// Timing converts the call settings into the per-round timing the session
// store works with.
func (c Config) Timing() call.Timing {
	return call.Timing{
		Duration:       c.Call.Duration,
		DecisionLead:   c.Call.DecisionLead,
		DecisionWindow: c.Call.DecisionWindow,
		Extension:      c.Call.Extension,
		DecidingGrace:  c.Call.DecidingGrace,
	}
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server_name", d.ServerName)

	v.SetDefault("gateway.listen_addr", d.Gateway.ListenAddr)
	v.SetDefault("gateway.worker_pool_size", d.Gateway.WorkerPoolSize)
	v.SetDefault("gateway.max_connections", d.Gateway.MaxConnections)
	v.SetDefault("gateway.read_timeout", d.Gateway.ReadTimeout)
	v.SetDefault("gateway.write_timeout", d.Gateway.WriteTimeout)
	v.SetDefault("gateway.timer_tick", d.Gateway.TimerTick)

	v.SetDefault("matcher.metrics_addr", d.Matcher.MetricsAddr)
	v.SetDefault("matcher.cleanup_every", d.Matcher.CleanupEvery)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("postgres.dsn", d.Postgres.DSN)

	v.SetDefault("auth.secret", d.Auth.Secret)
	v.SetDefault("auth.token_ttl", d.Auth.TokenTTL)

	v.SetDefault("call.duration", d.Call.Duration)
	v.SetDefault("call.decision_lead", d.Call.DecisionLead)
	v.SetDefault("call.decision_window", d.Call.DecisionWindow)
	v.SetDefault("call.extension", d.Call.Extension)
	v.SetDefault("call.grace_delay", d.Call.GraceDelay)
	v.SetDefault("call.deciding_grace", d.Call.DecidingGrace)

	v.SetDefault("queue.heartbeat_stale", d.Queue.HeartbeatStale)
	v.SetDefault("queue.poll_interval", d.Queue.PollInterval)

	v.SetDefault("sweep.schedule", d.Sweep.Schedule)

	v.SetDefault("livekit.endpoint", d.LiveKit.Endpoint)
	v.SetDefault("livekit.api_key", d.LiveKit.APIKey)
	v.SetDefault("livekit.api_secret", d.LiveKit.APISecret)
	v.SetDefault("livekit.token_ttl", d.LiveKit.TokenTTL)
	v.SetDefault("livekit.empty_timeout", d.LiveKit.EmptyTimeout)

	v.SetDefault("media.ice_servers", d.Media.ICEServers)
	v.SetDefault("telemetry.path", d.Telemetry.Path)
}
