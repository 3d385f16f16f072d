package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	QueueBackendLevelDB  = "leveldb"
	QueueBackendRedis    = "redis"
	QueueBackendPostgres = "postgres"
)

type Config struct {
	Environment string `toml:"environment"`

	// logging
	LogLevel      string `toml:"log_level"`
	LogsPath      string `toml:"logs_path"`
	LogToStdout   bool   `toml:"log_to_stdout"`
	LogFormatJSON bool   `toml:"log_format_json"`
	SentryEnabled bool   `toml:"sentry_enabled"`

	// agent (foreground) http server
	Host                  string `toml:"host"`
	Port                  int    `toml:"port"`
	PrometheusMetricsHost string `toml:"prometheus_metrics_host"`
	PrometheusMetricsPort string `toml:"prometheus_metrics_port"`
	// where tracked forms are forwarded to while online, normally the proxy
	UpstreamURL         string   `toml:"upstream_url"`
	FormRateLimitPerMin int      `toml:"form_rate_limit_per_min"`
	AllowedOrigins      []string `toml:"allowed_origins"`

	// connectivity
	ProbeURL        string        `toml:"probe_url"`
	ProbeInterval   time.Duration `toml:"probe_interval"`
	ProbeTimeout    time.Duration `toml:"probe_timeout"`
	InitiallyOnline bool          `toml:"initially_online"`

	// proxy (network interception layer)
	ProxyHost              string        `toml:"proxy_host"`
	ProxyPort              int           `toml:"proxy_port"`
	ProxyMetricsPort       string        `toml:"proxy_metrics_port"`
	OriginURL              string        `toml:"origin_url"`
	PrecacheManifestPath   string        `toml:"precache_manifest_path"`
	CacheDir               string        `toml:"cache_dir"`
	CacheRAMBytes          int           `toml:"cache_ram_bytes"`
	BackgroundSyncInterval time.Duration `toml:"background_sync_interval"`

	// messaging between agent and proxy
	MessagingSocketDir      string        `toml:"messaging_socket_dir"`
	MessagingSocketFileName string        `toml:"messaging_socket_file_name"`
	MessageTimeout          time.Duration `toml:"message_timeout"`

	// offline queue store
	QueueBackend     string        `toml:"queue_backend"`
	QueueLevelDBPath string        `toml:"queue_leveldb_path"`
	ClaimLease       time.Duration `toml:"claim_lease"`
	RedisHost        string        `toml:"redis_host"`
	RedisPort        string        `toml:"redis_port"`
	PostgresHost     string        `toml:"postgres_host"`
	PostgresPort     string        `toml:"postgres_port"`
	PostgresDBName   string        `toml:"postgres_db_name"`

	// update lifecycle
	UpdateQuietPeriod   time.Duration `toml:"update_quiet_period"`
	UpdateReloadDelay   time.Duration `toml:"update_reload_delay"`
	UpdateSnooze        time.Duration `toml:"update_snooze"`
	UpdateCheckInterval time.Duration `toml:"update_check_interval"`
}

type Toml struct {
	Development *Config
	Production  *Config
}

func (t *Toml) Get(env string) (*Config, error) {
	switch strings.ToLower(env) {
	case "dev", "development":
		return t.Development, nil
	case "prod", "production":
		return t.Production, nil
	default:
		return nil, fmt.Errorf("unknown env: %s", env)
	}
}

// Load reads the TOML file at path and returns the config table for env,
// with defaults filled in for every zero value.
func Load(env, path string) (*Config, error) {
	var t Toml
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	cfg, err := t.Get(env)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("config for env [%s] missing in %s", env, path)
	}

	if cfg.Environment == "" {
		cfg.Environment = strings.ToLower(env)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 8090
	}
	if c.PrometheusMetricsHost == "" {
		c.PrometheusMetricsHost = "localhost"
	}
	if c.PrometheusMetricsPort == "" {
		c.PrometheusMetricsPort = "2112"
	}
	if c.ProxyHost == "" {
		c.ProxyHost = "localhost"
	}
	if c.ProxyPort == 0 {
		c.ProxyPort = 8091
	}
	if c.ProxyMetricsPort == "" {
		c.ProxyMetricsPort = "2113"
	}
	if c.UpstreamURL == "" {
		// forms go through the proxy by default
		c.UpstreamURL = "http://" + net.JoinHostPort(c.ProxyHost, strconv.Itoa(c.ProxyPort))
	}
	if c.PrecacheManifestPath == "" {
		c.PrecacheManifestPath = "./precache.yaml"
	}
	if c.CacheDir == "" {
		c.CacheDir = "./data/cache"
	}
	if c.CacheRAMBytes == 0 {
		c.CacheRAMBytes = 32 * 1024 * 1024
	}
	if c.MessagingSocketDir == "" {
		c.MessagingSocketDir = "/tmp/fitsync"
	}
	if c.MessagingSocketFileName == "" {
		c.MessagingSocketFileName = "proxy.sock"
	}
	if c.MessageTimeout == 0 {
		c.MessageTimeout = 5 * time.Second
	}
	if c.QueueBackend == "" {
		c.QueueBackend = QueueBackendLevelDB
	}
	if c.QueueLevelDBPath == "" {
		c.QueueLevelDBPath = "./data/FitnessAppDB"
	}
	if c.ClaimLease == 0 {
		c.ClaimLease = 30 * time.Second
	}
	if c.ProbeInterval == 0 {
		c.ProbeInterval = 15 * time.Second
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	if c.FormRateLimitPerMin == 0 {
		c.FormRateLimitPerMin = 120
	}
	if c.UpdateQuietPeriod == 0 {
		c.UpdateQuietPeriod = 10 * time.Second
	}
	if c.UpdateReloadDelay == 0 {
		c.UpdateReloadDelay = 2 * time.Second
	}
	if c.UpdateSnooze == 0 {
		c.UpdateSnooze = time.Hour
	}
	if c.UpdateCheckInterval == 0 {
		c.UpdateCheckInterval = 30 * time.Minute
	}
}

func (c *Config) Validate() error {
	switch c.QueueBackend {
	case QueueBackendLevelDB, QueueBackendRedis, QueueBackendPostgres:
	default:
		return fmt.Errorf("unknown queue backend: %s", c.QueueBackend)
	}
	if c.QueueBackend == QueueBackendRedis && c.RedisHost == "" {
		return errors.New("redis queue backend requires redis_host")
	}
	if c.QueueBackend == QueueBackendPostgres && (c.PostgresHost == "" || c.PostgresDBName == "") {
		return errors.New("postgres queue backend requires postgres_host and postgres_db_name")
	}
	return nil
}

// MessagingSocketPath is the UNIX socket the proxy listens on for agent messages.
func (c *Config) MessagingSocketPath() string {
	return strings.TrimSuffix(c.MessagingSocketDir, "/") + "/" + c.MessagingSocketFileName
}
