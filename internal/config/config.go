// Package config loads outboxd configuration from YAML with environment overrides.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/outbox/internal/errors"
	"github.com/kimhsiao/outbox/internal/logging"
	"github.com/kimhsiao/outbox/internal/models"
	"github.com/kimhsiao/outbox/internal/sync/conflict"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"
)

// Profile presets.
const (
	PresetGeneric  = "generic"
	PresetMerchant = "merchant"
	PresetProducer = "producer"
)

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend        string `yaml:"backend"`         // "sqlite", "redis" or "memory"
	MemoryFallback bool   `yaml:"memory_fallback"` // degrade to memory when the backend fails
}

// RedisConfig holds the Redis store connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// RemoteConfig describes the remote service operations are replayed against.
type RemoteConfig struct {
	BaseURL           string `yaml:"base_url"`
	Token             string `yaml:"token"`
	Timeout           string `yaml:"timeout"`
	RetryClientErrors bool   `yaml:"retry_client_errors"`
	HealthPath        string `yaml:"health_path"`
}

// QueueConfig holds queue limits and retry policy.
type QueueConfig struct {
	MaxQueueSize       int      `yaml:"max_queue_size"`
	RetryDelays        []string `yaml:"retry_delays"`
	CompletedRetention string   `yaml:"completed_retention"`
	FailedRetention    string   `yaml:"failed_retention"`
	CleanupInterval    string   `yaml:"cleanup_interval"`
}

// ConnectivityConfig controls the online/offline monitor.
type ConnectivityConfig struct {
	StartOnline    bool   `yaml:"start_online"`
	OnlineDebounce string `yaml:"online_debounce"`
	ProbeEnabled   bool   `yaml:"probe_enabled"`
	ProbeURL       string `yaml:"probe_url"`
	ProbeInterval  string `yaml:"probe_interval"`
}

// ServerConfig holds the control API listener.
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // e.g., "debug", "info", "warn", "error"
}

// ProfileConfig configures one outbox namespace. Zero values inherit the preset.
type ProfileConfig struct {
	Name         string                  `yaml:"name"`
	Preset       string                  `yaml:"preset"`
	MaxRetries   int                     `yaml:"max_retries"`
	BatchSize    int                     `yaml:"batch_size"`
	SyncInterval string                  `yaml:"sync_interval"`
	JSONRPC      *bool                   `yaml:"json_rpc"`
	Routes       map[string]models.Route `yaml:"routes"`
	Schemas      map[string]string       `yaml:"schemas"` // kind -> JSON Schema file
	// ConflictStrategy enables 409 handling: server_wins, local_wins, merge or last_write_wins.
	ConflictStrategy string `yaml:"conflict_strategy"`
}

// Config is the top-level configuration struct.
type Config struct {
	DataDir      string             `yaml:"data_dir"`
	Store        StoreConfig        `yaml:"store"`
	Redis        RedisConfig        `yaml:"redis"`
	Remote       RemoteConfig       `yaml:"remote"`
	Queue        QueueConfig        `yaml:"queue"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Profiles     []ProfileConfig    `yaml:"profiles"`
}

// DefaultRetryDelays is the backoff table applied when none is configured.
var DefaultRetryDelays = []string{"5s", "15s", "60s", "5m", "15m"}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Store: StoreConfig{
			Backend:        StoreSQLite,
			MemoryFallback: true,
		},
		Redis: RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "outbox",
		},
		Remote: RemoteConfig{
			Timeout:    "30s",
			HealthPath: "/api/health",
		},
		Queue: QueueConfig{
			MaxQueueSize:       1000,
			RetryDelays:        append([]string(nil), DefaultRetryDelays...),
			CompletedRetention: "168h",
			FailedRetention:    "168h",
			CleanupInterval:    "1h",
		},
		Connectivity: ConnectivityConfig{
			StartOnline:   true,
			ProbeInterval: "30s",
		},
		Server: ServerConfig{
			ListenAddress: ":8090",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		logging.Warn("Invalid duration format, using default", map[string]interface{}{
			"input":   durationStr,
			"default": defaultDuration.String(),
			"error":   err.Error(),
		})
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader, applies environment overrides
// and validates the result. A nil or empty reader yields the defaults.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	if r != nil {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read config data: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to unmarshal config yaml", err)
			}
		}
	}

	cfg.applyEnv()

	if len(cfg.Profiles) == 0 {
		cfg.Profiles = []ProfileConfig{{Name: PresetGeneric, Preset: PresetGeneric}}
	}
	for i := range cfg.Profiles {
		if cfg.Profiles[i].Preset == "" {
			cfg.Profiles[i].Preset = cfg.Profiles[i].Name
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads configuration from a YAML file by path. A missing file yields defaults.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return Load(nil)
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

func (c *Config) applyEnv() {
	c.DataDir = getEnv("OUTBOX_DATA_DIR", c.DataDir)
	c.Store.Backend = getEnv("OUTBOX_STORE", c.Store.Backend)
	c.Store.MemoryFallback = getEnvBool("OUTBOX_MEMORY_FALLBACK", c.Store.MemoryFallback)
	c.Redis.Addr = getEnv("OUTBOX_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("OUTBOX_REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("OUTBOX_REDIS_DB", c.Redis.DB)
	c.Remote.BaseURL = getEnv("OUTBOX_REMOTE_BASE_URL", c.Remote.BaseURL)
	c.Remote.Token = getEnv("OUTBOX_REMOTE_TOKEN", c.Remote.Token)
	c.Queue.MaxQueueSize = getEnvInt("OUTBOX_MAX_QUEUE_SIZE", c.Queue.MaxQueueSize)
	if v := os.Getenv("OUTBOX_RETRY_DELAYS"); v != "" {
		c.Queue.RetryDelays = splitCSV(v)
	}
	c.Connectivity.ProbeEnabled = getEnvBool("OUTBOX_PROBE_ENABLED", c.Connectivity.ProbeEnabled)
	c.Connectivity.ProbeURL = getEnv("OUTBOX_PROBE_URL", c.Connectivity.ProbeURL)
	c.Server.ListenAddress = getEnv("OUTBOX_LISTEN_ADDRESS", c.Server.ListenAddress)
	c.Logging.Level = getEnv("OUTBOX_LOG_LEVEL", c.Logging.Level)
	if v := os.Getenv("OUTBOX_PROFILES"); v != "" && len(c.Profiles) == 0 {
		for _, name := range splitCSV(v) {
			c.Profiles = append(c.Profiles, ProfileConfig{Name: name, Preset: name})
		}
	}
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Backend {
	case StoreSQLite:
		if c.DataDir == "" {
			errs = append(errs, "data_dir is required for the sqlite store")
		}
	case StoreRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required for the redis store")
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Sprintf("store.backend must be sqlite, redis or memory, got %q", c.Store.Backend))
	}

	if c.Queue.MaxQueueSize <= 0 {
		errs = append(errs, "queue.max_queue_size must be > 0")
	}
	if len(c.Queue.RetryDelays) == 0 {
		errs = append(errs, "queue.retry_delays must not be empty")
	}
	for _, d := range c.Queue.RetryDelays {
		if v, err := time.ParseDuration(d); err != nil || v < 0 {
			errs = append(errs, fmt.Sprintf("queue.retry_delays: invalid duration %q", d))
		}
	}
	if c.Connectivity.ProbeEnabled && c.Connectivity.ProbeURL == "" && c.Remote.BaseURL == "" {
		errs = append(errs, "connectivity.probe_url or remote.base_url is required when probing is enabled")
	}

	seen := make(map[string]bool)
	for i, p := range c.Profiles {
		if p.Name == "" {
			errs = append(errs, fmt.Sprintf("profiles[%d].name is required", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Sprintf("profiles[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true
		switch p.Preset {
		case PresetGeneric, PresetMerchant, PresetProducer:
		default:
			errs = append(errs, fmt.Sprintf("profiles[%d]: unknown preset %q", i, p.Preset))
		}
		if p.MaxRetries < 0 || p.BatchSize < 0 {
			errs = append(errs, fmt.Sprintf("profiles[%d]: max_retries and batch_size must be >= 0", i))
		}
		if p.ConflictStrategy != "" {
			if _, err := conflict.ParseStrategy(p.ConflictStrategy); err != nil {
				errs = append(errs, fmt.Sprintf("profiles[%d]: %s", i, err.Error()))
			}
		}
	}

	if len(errs) > 0 {
		return apperrors.New(apperrors.ErrConfig, strings.Join(errs, "; "))
	}
	return nil
}

// RetryDelayDurations returns the parsed backoff table.
func (q QueueConfig) RetryDelayDurations() []time.Duration {
	out := make([]time.Duration, 0, len(q.RetryDelays))
	for _, d := range q.RetryDelays {
		out = append(out, ParseDuration(d, 0))
	}
	return out
}

func getEnv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trim := strings.TrimSpace(p)
		if trim != "" {
			out = append(out, trim)
		}
	}
	return out
}
