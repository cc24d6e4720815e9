package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"taskflow/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Journal backends for pending changes.
const (
	JournalMemory   = "memory"
	JournalSQLite   = "sqlite"
	JournalRedis    = "redis"
	JournalFailover = "failover"
)

// Item store drivers for the sync service.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	Sync       SyncConfig       `yaml:"sync"`
	Client     ClientConfig     `yaml:"client"`
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Exports    ExportConfig     `yaml:"exports"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type SyncConfig struct {
	Debounce DebounceConfig `yaml:"debounce"`
	Retry    RetryConfig    `yaml:"retry"`
	// Journal is one of memory, sqlite, redis or failover (redis with memory fallback).
	Journal     string `yaml:"journal"`
	JournalPath string `yaml:"journal_path"`
}

type DebounceConfig struct {
	Text     time.Duration `yaml:"text"`
	Status   time.Duration `yaml:"status"`
	Priority time.Duration `yaml:"priority"`
	Drag     time.Duration `yaml:"drag"`
	Default  time.Duration `yaml:"default"`
}

// Intervals returns the debounce window for every change class.
func (d DebounceConfig) Intervals() map[models.ChangeClass]time.Duration {
	return map[models.ChangeClass]time.Duration{
		models.ClassText:     d.Text,
		models.ClassStatus:   d.Status,
		models.ClassPriority: d.Priority,
		models.ClassDrag:     d.Drag,
		models.ClassDefault:  d.Default,
	}
}

type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	Jitter     time.Duration `yaml:"jitter"`
}

type ClientConfig struct {
	BaseURL        string        `yaml:"base_url"`
	UserID         string        `yaml:"user_id"`
	Timeout        time.Duration `yaml:"timeout"`
	LoadMaxElapsed time.Duration `yaml:"load_max_elapsed"`
}

type ServerConfig struct {
	Port            int             `yaml:"port"`
	DefaultUserID   string          `yaml:"default_user_id"`
	ReadTimeout     time.Duration   `yaml:"read_timeout"`
	WriteTimeout    time.Duration   `yaml:"write_timeout"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
	// Shared switches to a fixed window counter in Redis so several
	// instances enforce one budget per user.
	Shared bool          `yaml:"shared"`
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	Path     string         `yaml:"path"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
	DBName         string `yaml:"dbname"`
	SSLMode        string `yaml:"sslmode"`
	MaxConnections int    `yaml:"max_connections"`
}

// DSN renders the connection string for pgxpool.
func (p PostgresConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(p.User, p.Password),
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:   "/" + p.DBName,
	}
	q := url.Values{}
	if p.SSLMode != "" {
		q.Set("sslmode", p.SSLMode)
	}
	if p.MaxConnections > 0 {
		q.Set("pool_max_conns", fmt.Sprint(p.MaxConnections))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	PoolSize  int    `yaml:"pool_size"`
	KeyPrefix string `yaml:"key_prefix"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

// Load reads the YAML file at configPath, expanding ${VAR} references from
// the environment and an optional .env file.
func Load(configPath string) (*Config, error) {
	// A missing .env file is fine.
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

// Parse decodes config bytes, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	// ${VAR} placeholders are expanded before YAML parsing.
	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Sync.Journal {
	case JournalMemory, JournalRedis, JournalFailover:
	case JournalSQLite:
		if c.Sync.JournalPath == "" {
			return errors.New("sync.journal_path is required for the sqlite journal")
		}
	default:
		return fmt.Errorf("unknown sync.journal %q", c.Sync.Journal)
	}

	if c.Sync.Retry.MaxRetries < 1 {
		return errors.New("sync.retry.max_retries must be at least 1")
	}
	if c.Sync.Retry.BaseDelay > c.Sync.Retry.MaxDelay {
		return errors.New("sync.retry.base_delay exceeds max_delay")
	}

	if c.Client.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.Client.BaseURL); err != nil {
			return fmt.Errorf("client.base_url: %w", err)
		}
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return errors.New("database path is required")
		}
	case DriverPostgres:
		if c.Database.Postgres.Host == "" || c.Database.Postgres.DBName == "" {
			return errors.New("database.postgres host and dbname are required")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}

	if c.Server.RateLimit.Shared && c.Redis.Address == "" {
		return errors.New("server.rate_limit.shared requires redis.address")
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "taskflow"
	}

	d := &c.Sync.Debounce
	if d.Text == 0 {
		d.Text = models.DebounceText
	}
	if d.Status == 0 {
		d.Status = models.DebounceStatus
	}
	if d.Priority == 0 {
		d.Priority = models.DebouncePriority
	}
	if d.Drag == 0 {
		d.Drag = models.DebounceDrag
	}
	if d.Default == 0 {
		d.Default = models.DebounceDefault
	}

	r := &c.Sync.Retry
	if r.MaxRetries == 0 {
		r.MaxRetries = models.DefaultMaxRetries
	}
	if r.BaseDelay == 0 {
		r.BaseDelay = models.DefaultBaseDelay
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = models.DefaultMaxDelay
	}
	if r.Jitter == 0 {
		r.Jitter = models.DefaultJitter
	}
	if c.Sync.Journal == "" {
		c.Sync.Journal = JournalMemory
	}

	if c.Client.BaseURL == "" {
		c.Client.BaseURL = "http://localhost:8080"
	}
	if c.Client.UserID == "" {
		c.Client.UserID = models.DefaultUserID
	}
	if c.Client.Timeout == 0 {
		c.Client.Timeout = 10 * time.Second
	}
	if c.Client.LoadMaxElapsed == 0 {
		c.Client.LoadMaxElapsed = 30 * time.Second
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.DefaultUserID == "" {
		c.Server.DefaultUserID = models.DefaultUserID
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 15 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	rl := &c.Server.RateLimit
	if rl.RPS == 0 {
		rl.RPS = 10
	}
	if rl.Burst == 0 {
		rl.Burst = 20
	}
	if rl.Limit == 0 {
		rl.Limit = 600
	}
	if rl.Window == 0 {
		rl.Window = time.Minute
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.Postgres.Port == 0 {
		c.Database.Postgres.Port = 5432
	}
	if c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = "disable"
	}

	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "taskflow"
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "backups"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
}
