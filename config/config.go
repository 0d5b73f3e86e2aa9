// Package config loads server and CLI settings from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port                string   `mapstructure:"PORT"`
	Env                 string   `mapstructure:"ENV"`
	LogLevel            string   `mapstructure:"LOG_LEVEL"`
	DatabaseDriver      string   `mapstructure:"DATABASE_DRIVER"`
	DatabaseURL         string   `mapstructure:"DATABASE_URL"`
	SQLitePath          string   `mapstructure:"SQLITE_PATH"`
	DBMaxConns          int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32    `mapstructure:"DB_MIN_CONNS"`
	OperationalTimezone string   `mapstructure:"OPERATIONAL_TIMEZONE"`
	PoolsFile           string   `mapstructure:"POOLS_FILE"`
	CORSOrigins         []string `mapstructure:"CORS_ORIGINS"`
	ArchiveS3Bucket     string   `mapstructure:"ARCHIVE_S3_BUCKET"`
	ArchiveS3Region     string   `mapstructure:"ARCHIVE_S3_REGION"`
	ArchiveS3Endpoint   string   `mapstructure:"ARCHIVE_S3_ENDPOINT"`
	ArchiveS3PathStyle  bool     `mapstructure:"ARCHIVE_S3_PATH_STYLE"`
	ArchiveS3Prefix     string   `mapstructure:"ARCHIVE_S3_PREFIX"`
	// AuditInterval is the dry-run scheduler period; 0 disables it.
	AuditInterval time.Duration `mapstructure:"AUDIT_INTERVAL"`
	// EnableScenarios mounts the demo loaders, which wipe the database.
	// Honored only in development.
	EnableScenarios bool `mapstructure:"ENABLE_SCENARIOS"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_DRIVER", "DATABASE_URL", "SQLITE_PATH", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"OPERATIONAL_TIMEZONE", "POOLS_FILE", "CORS_ORIGINS",
	"ARCHIVE_S3_BUCKET", "ARCHIVE_S3_REGION", "ARCHIVE_S3_ENDPOINT", "ARCHIVE_S3_PATH_STYLE", "ARCHIVE_S3_PREFIX",
	"AUDIT_INTERVAL", "ENABLE_SCENARIOS",
}

// Load reads envFiles (default .env) if present, then the process
// environment, and validates the result.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		// Missing files are fine; real env vars win over file values.
		_ = godotenv.Load(f)
	}

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATABASE_DRIVER", "sqlite")
	v.SetDefault("SQLITE_PATH", "./data/inventory.db")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("OPERATIONAL_TIMEZONE", "America/Denver")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("ARCHIVE_S3_REGION", "us-east-1")
	v.SetDefault("AUDIT_INTERVAL", "1h")
	v.SetDefault("ENABLE_SCENARIOS", false)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("DATABASE_DRIVER must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if c.EnableScenarios && !c.IsDev() {
		return fmt.Errorf("ENABLE_SCENARIOS requires ENV=development, got %q", c.Env)
	}
	if c.AuditInterval < 0 {
		return fmt.Errorf("AUDIT_INTERVAL must not be negative")
	}
	if c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}

func (c *Config) IsDev() bool { return c.Env == "development" }

// ScenariosEnabled reports whether the destructive demo routes are mounted.
func (c *Config) ScenariosEnabled() bool { return c.EnableScenarios && c.IsDev() }

// ArchiveEnabled reports whether committed runs go to S3.
func (c *Config) ArchiveEnabled() bool { return c.ArchiveS3Bucket != "" }

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
