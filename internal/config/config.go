// Package config loads the disputesync configuration from YAML and the
// environment, and reloads the operator-tunable parts of it at runtime.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentworkforce/disputesync/internal/canonical"
	"github.com/agentworkforce/disputesync/internal/credential"
	"github.com/agentworkforce/disputesync/internal/scoring"
)

// EnvPrefix namespaces environment overrides: server.addr is read from
// DISPUTESYNC_SERVER_ADDR.
const EnvPrefix = "DISPUTESYNC"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Server      ServerConfig           `mapstructure:"server"`
	Log         LogConfig              `mapstructure:"log"`
	Storage     StorageConfig          `mapstructure:"storage"`
	Redis       RedisConfig            `mapstructure:"redis"`
	Engine      EngineConfig           `mapstructure:"engine"`
	Vault       credential.VaultConfig `mapstructure:"vault"`
	Scoring     ScoringConfig          `mapstructure:"scoring"`
	Connections []ConnectionConfig     `mapstructure:"connections"`
}

type ServerConfig struct {
	Addr             string        `mapstructure:"addr"`
	MaxBodyBytes     int64         `mapstructure:"max_body_bytes"`
	JWTSecret        string        `mapstructure:"jwt_secret"`
	RateLimitMax     int           `mapstructure:"rate_limit_max"`
	RateLimitWindow  time.Duration `mapstructure:"rate_limit_window"`
	WebhookRateLimit int           `mapstructure:"webhook_rate_limit"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// StorageConfig selects the store and queue backends. Profile fills in
// the DSNs that are left empty.
type StorageConfig struct {
	Profile        string `mapstructure:"profile"`
	DataDir        string `mapstructure:"data_dir"`
	ProductionDSN  string `mapstructure:"production_dsn"`
	StoreDSN       string `mapstructure:"store_dsn"`
	EventQueueDSN  string `mapstructure:"event_queue_dsn"`
	TaskQueueDSN   string `mapstructure:"task_queue_dsn"`
	EventQueueSize int    `mapstructure:"event_queue_size"`
	TaskQueueSize  int    `mapstructure:"task_queue_size"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	DedupTTL time.Duration `mapstructure:"dedup_ttl"`
}

type EngineConfig struct {
	NodeID           int64         `mapstructure:"node_id"`
	EventWorkers     int           `mapstructure:"event_workers"`
	TaskWorkers      int           `mapstructure:"task_workers"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	MaxEventAttempts int           `mapstructure:"max_event_attempts"`
	BaseBackoff      time.Duration `mapstructure:"base_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	TokenBuffer      time.Duration `mapstructure:"token_buffer"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	PollJitter       time.Duration `mapstructure:"poll_jitter"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
}

// ScoringConfig overrides the built-in win-rate table. Reason codes such as
// "10.4" contain dots, so overrides are a list rather than a map.
type ScoringConfig struct {
	WinRates []WinRateOverride `mapstructure:"win_rates"`
}

type WinRateOverride struct {
	ReasonCode string  `mapstructure:"reason_code"`
	PropertyID string  `mapstructure:"property_id"`
	Rate       float64 `mapstructure:"rate"`
}

// ConnectionConfig seeds one connection. Secrets are never read from the
// file: SecretsFromEnv maps a bundle key to the environment variable that
// holds it.
type ConnectionConfig struct {
	ID              string                     `mapstructure:"id"`
	AdapterKind     string                     `mapstructure:"adapter_kind"`
	BaseURL         string                     `mapstructure:"base_url"`
	PropertyID      string                     `mapstructure:"property_id"`
	PropertyCountry string                     `mapstructure:"property_country"`
	RateLimit       *canonical.RateLimitPolicy `mapstructure:"rate_limit"`
	Capabilities    canonical.Capabilities     `mapstructure:"capabilities"`
	SecretsFromEnv  map[string]string          `mapstructure:"secrets_from_env"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.rate_limit_max", 0)
	v.SetDefault("server.rate_limit_window", time.Minute)
	v.SetDefault("server.webhook_rate_limit", 0)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)

	v.SetDefault("log.level", "info")

	v.SetDefault("storage.profile", "")
	v.SetDefault("storage.data_dir", ".disputesync")
	v.SetDefault("storage.production_dsn", "")
	v.SetDefault("storage.store_dsn", "")
	v.SetDefault("storage.event_queue_dsn", "")
	v.SetDefault("storage.task_queue_dsn", "")
	v.SetDefault("storage.event_queue_size", 1024)
	v.SetDefault("storage.task_queue_size", 1024)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dedup_ttl", 24*time.Hour)

	v.SetDefault("engine.node_id", 1)
	v.SetDefault("engine.event_workers", 4)
	v.SetDefault("engine.task_workers", 4)
	v.SetDefault("engine.max_attempts", 8)
	v.SetDefault("engine.max_event_attempts", 3)
	v.SetDefault("engine.base_backoff", time.Second)
	v.SetDefault("engine.max_backoff", 5*time.Minute)
	v.SetDefault("engine.call_timeout", 15*time.Second)
	v.SetDefault("engine.token_buffer", 5*time.Minute)
	v.SetDefault("engine.poll_interval", 5*time.Minute)
	v.SetDefault("engine.poll_jitter", 30*time.Second)
	v.SetDefault("engine.sweep_interval", 10*time.Minute)
	v.SetDefault("engine.stale_after", 2*time.Minute)

	v.SetDefault("vault.backend", "file")
	v.SetDefault("vault.service_name", "disputesync")
	v.SetDefault("vault.file_dir", "")
	v.SetDefault("vault.password_env", "DISPUTESYNC_VAULT_PASSWORD")
}

// Load reads path (when non-empty) and applies environment overrides on
// top of the defaults. The storage profile is resolved before returning.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType(configType(path))
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.resolveStorage(); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	default:
		return "yaml"
	}
}

// resolveStorage fills empty DSNs from the backend profile:
//
//	memory         everything in-process
//	durable-local  SQLite store and file queues under data_dir
//	production     SQLite store under data_dir, Postgres queues
func (c *Config) resolveStorage() error {
	s := &c.Storage
	var storeDSN, queueDSN string
	switch strings.ToLower(strings.TrimSpace(s.Profile)) {
	case "", "custom":
		return nil
	case "memory", "inmemory":
		storeDSN, queueDSN = "memory://", "memory://"
	case "durable-local", "local-durable":
		storeDSN = "sqlite://" + filepath.Join(s.DataDir, "disputesync.db")
		queueDSN = "file://" + filepath.Join(s.DataDir, "queues")
	case "production", "prod":
		if strings.TrimSpace(s.ProductionDSN) == "" {
			return fmt.Errorf("%w: storage.production_dsn is required when storage.profile=%s", ErrInvalid, s.Profile)
		}
		storeDSN = "sqlite://" + filepath.Join(s.DataDir, "disputesync.db")
		queueDSN = s.ProductionDSN
	default:
		return fmt.Errorf("%w: unsupported storage.profile %q", ErrInvalid, s.Profile)
	}
	if s.StoreDSN == "" {
		s.StoreDSN = storeDSN
	}
	if s.EventQueueDSN == "" {
		s.EventQueueDSN = queueDSN
	}
	if s.TaskQueueDSN == "" {
		s.TaskQueueDSN = queueDSN
	}
	return nil
}

// Validate rejects configurations that would fail later in less obvious
// ways.
func Validate(cfg Config) error {
	if cfg.Engine.NodeID < 0 || cfg.Engine.NodeID > 1023 {
		return fmt.Errorf("%w: engine.node_id must be within 0-1023", ErrInvalid)
	}
	if cfg.Engine.EventWorkers <= 0 || cfg.Engine.TaskWorkers <= 0 {
		return fmt.Errorf("%w: engine workers must be positive", ErrInvalid)
	}
	if cfg.Engine.MaxBackoff < cfg.Engine.BaseBackoff {
		return fmt.Errorf("%w: engine.max_backoff is below engine.base_backoff", ErrInvalid)
	}
	seen := make(map[string]struct{}, len(cfg.Connections))
	for i, conn := range cfg.Connections {
		if strings.TrimSpace(conn.ID) == "" || strings.TrimSpace(conn.AdapterKind) == "" {
			return fmt.Errorf("%w: connections[%d] needs id and adapter_kind", ErrInvalid, i)
		}
		if _, dup := seen[conn.ID]; dup {
			return fmt.Errorf("%w: duplicate connection id %s", ErrInvalid, conn.ID)
		}
		seen[conn.ID] = struct{}{}
		if conn.RateLimit != nil && (conn.RateLimit.PerMinute <= 0 || conn.RateLimit.Burst < 0) {
			return fmt.Errorf("%w: connection %s has a non-positive rate limit", ErrInvalid, conn.ID)
		}
	}
	for _, o := range cfg.Scoring.WinRates {
		if strings.TrimSpace(o.ReasonCode) == "" || o.Rate < 0 || o.Rate > 1 {
			return fmt.Errorf("%w: scoring win rate override %+v", ErrInvalid, o)
		}
	}
	return nil
}

// RateLimits returns the per-connection overrides. Connections without an
// override keep their descriptor default.
func (c Config) RateLimits() map[string]canonical.RateLimitPolicy {
	out := make(map[string]canonical.RateLimitPolicy, len(c.Connections))
	for _, conn := range c.Connections {
		if conn.RateLimit != nil {
			out[conn.ID] = *conn.RateLimit
		}
	}
	return out
}

// ScoringTables applies the win-rate overrides to the built-in tables.
func (c Config) ScoringTables() scoring.Tables {
	tables := scoring.DefaultTables()
	for _, o := range c.Scoring.WinRates {
		code := strings.ToLower(strings.TrimSpace(o.ReasonCode))
		if o.PropertyID == "" {
			tables.WinRates[code] = o.Rate
			continue
		}
		if tables.PropertyWinRates == nil {
			tables.PropertyWinRates = map[string]map[string]float64{}
		}
		if tables.PropertyWinRates[o.PropertyID] == nil {
			tables.PropertyWinRates[o.PropertyID] = map[string]float64{}
		}
		tables.PropertyWinRates[o.PropertyID][code] = o.Rate
	}
	return tables
}
