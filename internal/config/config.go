package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"plugin-governor/internal/lifecycle"
	"plugin-governor/internal/logging"
	"plugin-governor/internal/monitor"
	"plugin-governor/internal/resource"
)

// Config represents the daemon configuration
type Config struct {
	Server    ServerConfig     `json:"server"`
	Logging   LoggingConfig    `json:"logging"`
	Manager   ManagerConfig    `json:"manager"`
	Lifecycle lifecycle.Config `json:"lifecycle"`
	Monitor   monitor.Config   `json:"monitor"`
	Store     StoreConfig      `json:"store"`
	Redis     RedisConfig      `json:"redis"`
	API       APIConfig        `json:"api"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Port            int           `json:"port"`
	Host            string        `json:"host"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// ManagerConfig configures the resource manager and the pools it starts with
type ManagerConfig struct {
	resource.ManagerConfig `json:",squash"`
	// Pools created at startup. When empty one unbounded pool is created per
	// built-in resource type.
	Pools []PoolConfig `json:"pools"`
}

// PoolConfig declares one pool
type PoolConfig struct {
	Name  string                `json:"name"`
	Type  resource.ResourceType `json:"type"`
	Kind  string                `json:"kind,omitempty"`
	Quota resource.Quota        `json:"quota"`
}

// StoreConfig represents the SQL history store configuration
type StoreConfig struct {
	Enabled       bool          `json:"enabled"`
	Driver        string        `json:"driver"`
	DSN           string        `json:"dsn"`
	BufferSize    int           `json:"buffer_size"`
	BatchSize     int           `json:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval"`
}

// RedisConfig represents the Redis publisher configuration
type RedisConfig struct {
	Enabled       bool          `json:"enabled"`
	Addr          string        `json:"addr"`
	Password      string        `json:"-"`
	DB            int           `json:"db"`
	ChannelPrefix string        `json:"channel_prefix"`
	RecentLimit   int64         `json:"recent_limit"`
	Timeout       time.Duration `json:"timeout"`
}

// APIConfig represents the HTTP control surface configuration
type APIConfig struct {
	// AdminKeyHash is a bcrypt hash; when set, mutating routes require a
	// matching bearer key.
	AdminKeyHash   string        `json:"admin_key_hash"`
	RequestTimeout time.Duration `json:"request_timeout"`
	// AllowedOrigins applies to CORS and to event stream upgrades
	AllowedOrigins    []string `json:"allowed_origins"`
	MaxStreamClients  int      `json:"max_stream_clients"`
	MaxRequestBodyLen int64    `json:"max_request_body_len"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8090,
			Host:            "localhost",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Manager: ManagerConfig{
			ManagerConfig: *resource.DefaultManagerConfig(),
		},
		Lifecycle: *lifecycle.DefaultConfig(),
		Monitor:   *monitor.DefaultConfig(),
		Store: StoreConfig{
			Driver:        "sqlite3",
			DSN:           "./data/governor.db",
			BufferSize:    1000,
			BatchSize:     100,
			FlushInterval: 5 * time.Second,
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			ChannelPrefix: "governor",
			RecentLimit:   100,
			Timeout:       5 * time.Second,
		},
		API: APIConfig{
			RequestTimeout:    30 * time.Second,
			AllowedOrigins:    []string{"*"},
			MaxStreamClients:  100,
			MaxRequestBodyLen: 1 << 20,
		},
	}
}

// LoadConfig loads configuration from .env, defaults and environment variables
func LoadConfig() (*Config, error) {
	return Load("")
}

// Load builds the configuration from defaults, the YAML file at path (if
// any) and GOVERNOR_* environment variables, in that order.
func Load(path string) (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := DefaultConfig()
	if path != "" {
		if err := decodeFile(path, config); err != nil {
			return nil, err
		}
	}

	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// LoadFile reads a YAML file over the defaults and validates the result.
// Environment variables are not consulted.
func LoadFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := decodeFile(path, config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func decodeFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	raw := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return Decode(raw, config)
}

// Decode applies a generic map (from YAML or JSON) onto config. Durations
// accept strings such as "30s"; resource types and priorities accept their
// names.
func Decode(raw map[string]interface{}, config *Config) error {
	return DecodeValue(raw, config)
}

// DecodeValue applies a generic value onto target with the same rules as
// Decode. The API uses it for quota and policy request bodies.
func DecodeValue(raw interface{}, target interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
			intToDurationHook,
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}
	return nil
}

// intToDurationHook reads bare YAML integers as seconds.
func intToDurationHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch v := data.(type) {
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	}
	return data, nil
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(config *Config) {
	loadServerConfig(config)
	loadLoggingConfig(config)
	loadGovernanceConfig(config)
	loadStoreConfig(config)
	loadRedisConfig(config)
	loadAPIConfig(config)
}

func envInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func envBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

func envDuration(key string, target *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}

func envString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// loadServerConfig loads server configuration from environment
func loadServerConfig(config *Config) {
	envInt("GOVERNOR_PORT", &config.Server.Port)
	envString("GOVERNOR_HOST", &config.Server.Host)
	envDuration("GOVERNOR_READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("GOVERNOR_WRITE_TIMEOUT", &config.Server.WriteTimeout)
}

// loadLoggingConfig loads logging configuration from environment
func loadLoggingConfig(config *Config) {
	envString("GOVERNOR_LOG_LEVEL", &config.Logging.Level)
	envString("GOVERNOR_LOG_FORMAT", &config.Logging.Format)
}

// loadGovernanceConfig loads manager, lifecycle and monitor settings
func loadGovernanceConfig(config *Config) {
	envDuration("GOVERNOR_POOL_CLEANUP_INTERVAL", &config.Manager.CleanupInterval)
	if v := os.Getenv("GOVERNOR_PLUGIN_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Manager.PluginRateLimit = f
		}
	}
	envInt("GOVERNOR_PLUGIN_RATE_BURST", &config.Manager.PluginRateBurst)

	envDuration("GOVERNOR_LIFECYCLE_CLEANUP_INTERVAL", &config.Lifecycle.CleanupInterval)
	envInt("GOVERNOR_HISTORY_LIMIT", &config.Lifecycle.HistoryLimit)
	envDuration("GOVERNOR_MAX_IDLE_TIME", &config.Lifecycle.Policy.MaxIdleTime)
	envDuration("GOVERNOR_MAX_LIFETIME", &config.Lifecycle.Policy.MaxLifetime)
	envInt("GOVERNOR_MAX_UNUSED_RESOURCES", &config.Lifecycle.Policy.MaxUnusedResources)

	envDuration("GOVERNOR_COLLECTION_INTERVAL", &config.Monitor.CollectionInterval)
	envDuration("GOVERNOR_ALERT_CHECK_INTERVAL", &config.Monitor.AlertCheckInterval)
	envDuration("GOVERNOR_RETENTION_PERIOD", &config.Monitor.RetentionPeriod)
	envBool("GOVERNOR_ENABLE_ALERTS", &config.Monitor.EnableAlerts)
}

// loadStoreConfig loads history store configuration from environment
func loadStoreConfig(config *Config) {
	envBool("GOVERNOR_STORE_ENABLED", &config.Store.Enabled)
	envString("GOVERNOR_STORE_DRIVER", &config.Store.Driver)
	envString("GOVERNOR_STORE_DSN", &config.Store.DSN)
}

// loadRedisConfig loads Redis configuration from environment. REDIS_URL
// style variables without the prefix are accepted as a fallback.
func loadRedisConfig(config *Config) {
	envBool("GOVERNOR_REDIS_ENABLED", &config.Redis.Enabled)
	if addr := os.Getenv("GOVERNOR_REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
	} else if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
	}
	if password := os.Getenv("GOVERNOR_REDIS_PASSWORD"); password != "" {
		config.Redis.Password = password
	} else if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		config.Redis.Password = password
	}
	envInt("GOVERNOR_REDIS_DB", &config.Redis.DB)
	envString("GOVERNOR_REDIS_CHANNEL_PREFIX", &config.Redis.ChannelPrefix)
}

// loadAPIConfig loads API configuration from environment
func loadAPIConfig(config *Config) {
	envString("GOVERNOR_API_KEY_HASH", &config.API.AdminKeyHash)
	envDuration("GOVERNOR_REQUEST_TIMEOUT", &config.API.RequestTimeout)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}

	if c.Manager.CleanupInterval < 0 {
		return fmt.Errorf("manager cleanup interval cannot be negative")
	}
	if c.Manager.PluginRateLimit < 0 {
		return fmt.Errorf("plugin rate limit cannot be negative")
	}
	seen := make(map[string]bool, len(c.Manager.Pools))
	for i, p := range c.Manager.Pools {
		if p.Name == "" {
			return fmt.Errorf("pool %d has no name", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate pool name: %s", p.Name)
		}
		seen[p.Name] = true
		if p.Type == resource.Custom && p.Kind == "" {
			return fmt.Errorf("custom pool %s needs a kind", p.Name)
		}
		if err := p.Quota.Validate(); err != nil {
			return fmt.Errorf("pool %s: %w", p.Name, err)
		}
	}

	if c.Lifecycle.CleanupInterval < 0 {
		return fmt.Errorf("lifecycle cleanup interval cannot be negative")
	}
	if c.Lifecycle.HistoryLimit < 0 {
		return fmt.Errorf("history limit cannot be negative")
	}
	p := c.Lifecycle.Policy
	if p.MaxIdleTime < 0 || p.MaxLifetime < 0 || p.MaxUnusedResources < 0 {
		return fmt.Errorf("cleanup policy limits cannot be negative")
	}

	m := c.Monitor
	if m.CollectionInterval < 0 || m.AlertCheckInterval < 0 || m.RetentionInterval < 0 || m.RetentionPeriod < 0 {
		return fmt.Errorf("monitor intervals cannot be negative")
	}
	if err := m.Thresholds.Validate(); err != nil {
		return err
	}

	if c.Store.Enabled {
		switch c.Store.Driver {
		case "sqlite3", "postgres":
		case "":
			return fmt.Errorf("store driver cannot be empty when the store is enabled")
		default:
			return fmt.Errorf("unsupported store driver: %s", c.Store.Driver)
		}
		if c.Store.DSN == "" {
			return fmt.Errorf("store dsn cannot be empty when the store is enabled")
		}
	}

	if c.API.RequestTimeout < 0 || c.API.MaxStreamClients < 0 || c.API.MaxRequestBodyLen < 0 {
		return fmt.Errorf("api limits cannot be negative")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr cannot be empty when redis is enabled")
	}
	return nil
}

// LogLevel returns the parsed logging level
func (c *Config) LogLevel() logging.LogLevel {
	return logging.ParseLogLevel(c.Logging.Level)
}

// LogFormat returns the logger output format
func (c *Config) LogFormat() logging.Format {
	if strings.EqualFold(c.Logging.Format, string(logging.FormatText)) {
		return logging.FormatText
	}
	return logging.FormatJSON
}
