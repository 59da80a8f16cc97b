package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/timmy/powermode/internal/retry"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	FusionSolar FusionSolarConfig `mapstructure:"fusionsolar"`
	Collector   CollectorConfig   `mapstructure:"collector"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres or sqlite
	URL             string        `mapstructure:"url"`    // full DSN, overrides the discrete fields
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	Path            string        `mapstructure:"path"` // sqlite file
	Table           string        `mapstructure:"table"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogQueries      bool          `mapstructure:"log_queries"`
}

// DSN returns the connection string for the configured driver.
func (c *DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	if c.Driver == "sqlite" {
		return c.Path
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Name,
	}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type CollectorConfig struct {
	InitialDelay          time.Duration `mapstructure:"initial_delay"`
	PlantLimit            int           `mapstructure:"plant_limit"`
	RestartCompletedCycle bool          `mapstructure:"restart_completed_cycle"`
	AuthRetry             retry.Policy  `mapstructure:"auth_retry"`
	ListRetry             retry.Policy  `mapstructure:"list_retry"`
	APIRetry              retry.Policy  `mapstructure:"api_retry"`
	ThrottleRetry         retry.Policy  `mapstructure:"throttle_retry"`
}

// ArchiveConfig configures the optional raw-response archive.
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Type      string `mapstructure:"type"` // s3, r2, s3compatible
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Prefix    string `mapstructure:"prefix"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
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

	// Credentials and connection targets usually come from the environment
	v.BindEnv("fusionsolar.base_url", "FS_DOMAIN")
	v.BindEnv("fusionsolar.username", "FS_USERNAME")
	v.BindEnv("fusionsolar.system_code", "FS_PASSWORD")
	v.BindEnv("database.url", "DATABASE_URL")
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.name", "DB_NAME")
	v.BindEnv("database.user", "DB_USERNAME")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.table", "DB_TARGET_TABLE")
	v.BindEnv("archive.access_key", "ARCHIVE_ACCESS_KEY")
	v.BindEnv("archive.secret_key", "ARCHIVE_SECRET_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.FusionSolar.ResolveEnvVars()

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("fusionsolar.base_url", "https://eu5.fusionsolar.huawei.com")
	v.SetDefault("fusionsolar.timeout", 30*time.Second)
	v.SetDefault("fusionsolar.request_interval", 60*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "solar")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "./data/powermode.db")
	v.SetDefault("database.table", "inverter_power_modes")
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("collector.initial_delay", 60*time.Second)
	v.SetDefault("collector.plant_limit", 0)
	v.SetDefault("collector.restart_completed_cycle", true)
	v.SetDefault("collector.auth_retry.max_attempts", 3)
	v.SetDefault("collector.auth_retry.base_delay", 10*time.Second)
	v.SetDefault("collector.auth_retry.multiplier", 1)
	v.SetDefault("collector.list_retry.max_attempts", 4)
	v.SetDefault("collector.list_retry.base_delay", 5*time.Second)
	v.SetDefault("collector.list_retry.multiplier", 2)
	v.SetDefault("collector.list_retry.max_delay", time.Minute)
	v.SetDefault("collector.api_retry.max_attempts", 3)
	v.SetDefault("collector.api_retry.base_delay", 5*time.Second)
	v.SetDefault("collector.api_retry.multiplier", 2)
	v.SetDefault("collector.api_retry.max_delay", time.Minute)
	v.SetDefault("collector.api_retry.jitter", 0.2)
	v.SetDefault("collector.throttle_retry.max_attempts", 5)
	v.SetDefault("collector.throttle_retry.base_delay", 60*time.Second)
	v.SetDefault("collector.throttle_retry.multiplier", 2)
	v.SetDefault("collector.throttle_retry.max_delay", 10*time.Minute)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.use_ssl", true)
	v.SetDefault("archive.prefix", "power-modes")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9102")
}

// Validate checks presence of the options the collector cannot run without.
func (c *Config) Validate() error {
	if err := c.FusionSolar.Validate(); err != nil {
		return err
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" && (c.Database.Host == "" || c.Database.Name == "") {
			return fmt.Errorf("database: url or host and name are required for postgres")
		}
	case "sqlite":
		if c.Database.Path == "" && c.Database.URL == "" {
			return fmt.Errorf("database: path is required for sqlite")
		}
	default:
		return fmt.Errorf("database: unknown driver %q", c.Database.Driver)
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("archive: bucket is required when enabled")
	}
	return nil
}
