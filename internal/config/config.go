// Package config provides configuration loading and validation for the
// K-line sync pipeline. The configuration document is JSON with one or more
// exchange entries and a single database connection descriptor; secrets can
// additionally be overlaid from the environment (optionally seeded from a
// .env file).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// AppConfig is the top-level configuration document.
type AppConfig struct {
	ExchangeConfigs []ExchangeConfig `json:"exchange_configs"`
	Database        DatabaseConfig   `json:"database"`
}

// ExchangeConfig selects and parameterizes one exchange client.
type ExchangeConfig struct {
	ExchangeName string  `json:"exchange_name"`
	APIInfo      APIInfo `json:"api_info"`
}

// APIInfo holds per-exchange connection and auth parameters. Key material is
// optional; requests are sent unsigned when it is absent.
type APIInfo struct {
	APIURL    string `json:"api_url"`
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	// RateLimitPerSec is a hint for the client-side limiter; zero means the
	// exchange default.
	RateLimitPerSec int `json:"rate_limit_per_sec"`
}

// DatabaseConfig describes the time-series store connection.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`
	SSLMode  string `json:"sslmode"`
}

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	sslmode := d.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Database, d.User, d.Password, sslmode)
}

// Load reads and validates the configuration document at path.
// A missing file, malformed JSON, or missing required keys is a hard failure;
// callers are expected to treat it as fatal at startup.
func Load(path string) (*AppConfig, error) {
	// Best effort: a .env next to the process seeds the environment overlay.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg AppConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides lets secrets live outside the config document.
func (c *AppConfig) applyEnvOverrides() {
	if v := os.Getenv("KLINESYNC_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	for i := range c.ExchangeConfigs {
		if v := os.Getenv("KLINESYNC_API_KEY"); v != "" {
			c.ExchangeConfigs[i].APIInfo.APIKey = v
		}
		if v := os.Getenv("KLINESYNC_SECRET_KEY"); v != "" {
			c.ExchangeConfigs[i].APIInfo.SecretKey = v
		}
	}
}

// Validate checks the structural requirements of the document: at least one
// exchange entry with a name, and a complete database descriptor.
func (c *AppConfig) Validate() error {
	var errs []string

	if len(c.ExchangeConfigs) == 0 {
		errs = append(errs, "at least one exchange_configs entry is required")
	}
	for i, ec := range c.ExchangeConfigs {
		if ec.ExchangeName == "" {
			errs = append(errs, fmt.Sprintf("exchange_configs[%d].exchange_name is required", i))
		}
	}

	if c.Database.Host == "" {
		errs = append(errs, "database.host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		errs = append(errs, "database.port must be between 1 and 65535")
	}
	if c.Database.Database == "" {
		errs = append(errs, "database.database is required")
	}
	if c.Database.User == "" {
		errs = append(errs, "database.user is required")
	}
	if c.Database.Password == "" {
		errs = append(errs, "database.password is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}

// PrimaryExchange returns the first exchange entry. The reference flow
// processes one exchange at a time; the first entry is the active one.
func (c *AppConfig) PrimaryExchange() ExchangeConfig {
	return c.ExchangeConfigs[0]
}

// FindExchange returns the entry whose name matches (case-insensitive), or
// false when no such entry is configured.
func (c *AppConfig) FindExchange(name string) (ExchangeConfig, bool) {
	for _, ec := range c.ExchangeConfigs {
		if strings.EqualFold(ec.ExchangeName, name) {
			return ec, true
		}
	}
	return ExchangeConfig{}, false
}

// String returns the configuration as indented JSON with key material
// redacted. Useful for startup logging.
func (c *AppConfig) String() string {
	sanitized := *c
	sanitized.ExchangeConfigs = make([]ExchangeConfig, len(c.ExchangeConfigs))
	copy(sanitized.ExchangeConfigs, c.ExchangeConfigs)
	for i := range sanitized.ExchangeConfigs {
		if sanitized.ExchangeConfigs[i].APIInfo.APIKey != "" {
			sanitized.ExchangeConfigs[i].APIInfo.APIKey = "[REDACTED]"
		}
		if sanitized.ExchangeConfigs[i].APIInfo.SecretKey != "" {
			sanitized.ExchangeConfigs[i].APIInfo.SecretKey = "[REDACTED]"
		}
	}
	sanitized.Database.Password = "[REDACTED]"

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}
