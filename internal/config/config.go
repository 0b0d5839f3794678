package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Roster   RosterConfig   `mapstructure:"roster"`
	Storage  StorageConfig  `mapstructure:"storage"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Driver          string        `mapstructure:"driver"` // sqlite, postgres
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogSQL          bool          `mapstructure:"log_sql"`
}

// DSN builds the driver specific connection string.
func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
	}
	return c.Path
}

// SnapshotConfig tunes the snapshot cache. The staleness, stale-lock and
// retention thresholds apply process-wide.
type SnapshotConfig struct {
	BasePath            string        `mapstructure:"base_path"`
	LockBackend         string        `mapstructure:"lock_backend"` // file, db
	Entities            []string      `mapstructure:"entities"`
	PageSize            int           `mapstructure:"page_size"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	RunBudget           time.Duration `mapstructure:"run_budget"`
	RetryBaseDelay      time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay       time.Duration `mapstructure:"retry_max_delay"`
	PageDelay           time.Duration `mapstructure:"page_delay"`
	OwnershipCheckEvery int           `mapstructure:"ownership_check_every"`
	StaleLockAfter      time.Duration `mapstructure:"stale_lock_after"`
	FreshWithin         time.Duration `mapstructure:"fresh_within"`
	StaleAfter          time.Duration `mapstructure:"stale_after"`
	RetentionDays       int           `mapstructure:"retention_days"`
	RetentionSchedule   string        `mapstructure:"retention_schedule"`
	SearchLimit         int           `mapstructure:"search_limit"`
	TokenTTL            time.Duration `mapstructure:"token_ttl"`
}

type RosterConfig struct {
	UserAgent string                  `mapstructure:"user_agent"`
	Tenants   map[string]TenantConfig `mapstructure:"tenants"`
}

type StorageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Type      string `mapstructure:"type"` // r2, s3, s3compatible
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Prefix    string `mapstructure:"prefix"`

	// ServerSideEncryption is passed as x-amz-server-side-encryption
	// (AES256 or aws:kms). Ignored for R2.
	ServerSideEncryption string `mapstructure:"server_side_encryption"`
}

// Load reads .env, the YAML config file and environment overrides.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("storage.bucket", "STORAGE_BUCKET")
	v.BindEnv("snapshot.base_path", "SNAPSHOT_BASE_PATH")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	for id, t := range cfg.Roster.Tenants {
		t.ResolveEnvVars()
		cfg.Roster.Tenants[id] = t
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.cors.allow_all_origins", false)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.enabled", true)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/rostercache.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("snapshot.base_path", "./data/snapshots")
	v.SetDefault("snapshot.lock_backend", "file")
	v.SetDefault("snapshot.entities", []string{"students", "parents", "classes", "schools"})
	v.SetDefault("snapshot.page_size", 500)
	v.SetDefault("snapshot.max_attempts", 3)
	v.SetDefault("snapshot.request_timeout", "60s")
	v.SetDefault("snapshot.run_budget", "30m")
	v.SetDefault("snapshot.retry_base_delay", "1s")
	v.SetDefault("snapshot.retry_max_delay", "8s")
	v.SetDefault("snapshot.page_delay", "500ms")
	v.SetDefault("snapshot.ownership_check_every", 5)
	v.SetDefault("snapshot.stale_lock_after", "30m")
	v.SetDefault("snapshot.fresh_within", "24h")
	v.SetDefault("snapshot.stale_after", "168h")
	v.SetDefault("snapshot.retention_days", 30)
	v.SetDefault("snapshot.retention_schedule", "@daily")
	v.SetDefault("snapshot.search_limit", 50)
	v.SetDefault("snapshot.token_ttl", "50m")

	v.SetDefault("roster.user_agent", "rostercache/1.0")

	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.prefix", "snapshots")
}

// Validate rejects configurations the snapshot cache cannot run with.
func (c *Config) Validate() error {
	s := c.Snapshot
	switch {
	case s.BasePath == "":
		return fmt.Errorf("snapshot.base_path is required")
	case s.LockBackend != "file" && s.LockBackend != "db":
		return fmt.Errorf("snapshot.lock_backend must be file or db, got %q", s.LockBackend)
	case s.LockBackend == "db" && !c.Database.Enabled:
		return fmt.Errorf("snapshot.lock_backend=db requires database.enabled")
	case s.PageSize <= 0:
		return fmt.Errorf("snapshot.page_size must be positive")
	case s.MaxAttempts <= 0:
		return fmt.Errorf("snapshot.max_attempts must be positive")
	case s.RetentionDays <= 0:
		return fmt.Errorf("snapshot.retention_days must be positive")
	case s.FreshWithin <= 0 || s.StaleAfter < s.FreshWithin:
		return fmt.Errorf("snapshot.fresh_within must be positive and not exceed snapshot.stale_after")
	}
	if c.Storage.Enabled && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required when storage is enabled")
	}
	return nil
}
