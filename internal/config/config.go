package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Import   ImportConfig   `yaml:"import"`
	Security SecurityConfig `yaml:"security"`
	Cleanup  CleanupConfig  `yaml:"cleanup"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with container detection
func (c ServerConfig) GetHost() string {
	// In containers, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds the validation-cache Redis settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

// ImportConfig holds pipeline tunables
type ImportConfig struct {
	DefaultBatchSize     int    `yaml:"default_batch_size"`
	DefaultThreshold     int    `yaml:"default_threshold"`
	BatchDelayMs         int    `yaml:"batch_delay_ms"`
	WorkerCount          int    `yaml:"worker_count"`
	TempDir              string `yaml:"temp_dir"`
	ReputationEnabled    bool   `yaml:"reputation_enabled"`
	MaxUploadSizeMB      int    `yaml:"max_upload_size_mb"`
	JobRetentionDays     int    `yaml:"job_retention_days"`
}

// BatchDelay returns the inter-batch delay as a duration
func (c ImportConfig) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMs) * time.Millisecond
}

// SecurityConfig holds scanner and quarantine settings
type SecurityConfig struct {
	QuarantineDir           string `yaml:"quarantine_dir"`
	QuarantineRetentionDays int    `yaml:"quarantine_retention_days"`
}

// CleanupConfig holds scheduled maintenance timing
type CleanupConfig struct {
	IntervalHours   int `yaml:"interval_hours"`
	TempFileMaxAgeH int `yaml:"temp_file_max_age_hours"`
}

// Interval returns the cleanup cadence as a duration
func (c CleanupConfig) Interval() time.Duration {
	return time.Duration(c.IntervalHours) * time.Hour
}

// TempFileMaxAge returns how long orphaned temp files may linger
func (c CleanupConfig) TempFileMaxAge() time.Duration {
	return time.Duration(c.TempFileMaxAgeH) * time.Hour
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		// A missing file is fine: defaults plus env overrides still
		// produce a usable config.
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 50
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 10
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 30
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Import.DefaultBatchSize == 0 {
		cfg.Import.DefaultBatchSize = 100
	}
	if cfg.Import.DefaultThreshold == 0 {
		cfg.Import.DefaultThreshold = 70
	}
	if cfg.Import.BatchDelayMs == 0 {
		cfg.Import.BatchDelayMs = 100
	}
	if cfg.Import.WorkerCount == 0 {
		cfg.Import.WorkerCount = 4
	}
	if cfg.Import.TempDir == "" {
		cfg.Import.TempDir = "temp"
	}
	if cfg.Import.MaxUploadSizeMB == 0 {
		cfg.Import.MaxUploadSizeMB = 50
	}
	if cfg.Import.JobRetentionDays == 0 {
		cfg.Import.JobRetentionDays = 30
	}
	if cfg.Security.QuarantineRetentionDays == 0 {
		cfg.Security.QuarantineRetentionDays = 30
	}
	if cfg.Cleanup.IntervalHours == 0 {
		cfg.Cleanup.IntervalHours = 24
	}
	if cfg.Cleanup.TempFileMaxAgeH == 0 {
		cfg.Cleanup.TempFileMaxAgeH = 24
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if dir := os.Getenv("IMPORT_TEMP_DIR"); dir != "" {
		cfg.Import.TempDir = dir
	}
	if dir := os.Getenv("QUARANTINE_DIR"); dir != "" {
		cfg.Security.QuarantineDir = dir
	}
	if workers := os.Getenv("IMPORT_WORKER_COUNT"); workers != "" {
		if n, err := strconv.Atoi(workers); err == nil && n > 0 {
			cfg.Import.WorkerCount = n
		}
	}

	return cfg, nil
}
