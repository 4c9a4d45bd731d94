// Package config loads the YAML run configuration and checks it before any
// work starts.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"mastr/internal/download"
	"mastr/internal/export"
	"mastr/internal/ratelimit"
	"mastr/internal/soap"
)

// ErrInvalid marks a configuration rejected by Validate.
var ErrInvalid = errors.New("config: invalid")

// Config is the whole run configuration.
type Config struct {
	Database Database `yaml:"database"`
	DataDir  string   `yaml:"data_dir"`
	Bulk     Bulk     `yaml:"bulk"`
	API      API      `yaml:"api"`
	Export   Export   `yaml:"export"`
	Metrics  Metrics  `yaml:"metrics"`
}

// Database selects the store backend.
type Database struct {
	Kind string `yaml:"kind"`
	DSN  string `yaml:"dsn"`
}

// Bulk configures archive discovery and ingest.
type Bulk struct {
	LandingURL string `yaml:"landing_url"`
	Selector   string `yaml:"selector"`
	// Match optionally filters discovered hrefs by regular expression.
	Match   string `yaml:"match"`
	Cleanse *bool  `yaml:"cleanse"`
	// Archive pins a local archive and skips discovery.
	Archive string `yaml:"archive"`
}

// API configures the registry web service mirror.
type API struct {
	Endpoint    string           `yaml:"endpoint"`
	Namespace   string           `yaml:"namespace"`
	Limit       int              `yaml:"limit"`
	ChunkSize   int              `yaml:"chunk_size"`
	Timeout     time.Duration    `yaml:"timeout"`
	Workers     int              `yaml:"workers"`
	PageSize    int              `yaml:"page_size"`
	PageRetries int              `yaml:"page_retries"`
	MaxAttempts int              `yaml:"max_attempts"`
	Rate        ratelimit.Config `yaml:"rate"`
}

// Export configures the delimited file writer.
type Export struct {
	Dir       string `yaml:"dir"`
	Prefix    string `yaml:"prefix"`
	ChunkSize int    `yaml:"chunk_size"`
	Ext       string `yaml:"ext"`
}

// Metrics selects the metrics backend.
type Metrics struct {
	// Backend is "none" or "datadog".
	Backend    string        `yaml:"backend"`
	Job        string        `yaml:"job"`
	Tags       []string      `yaml:"tags"`
	FlushEvery time.Duration `yaml:"flush_every"`
}

// Default landing page of the registry's full data export.
const DefaultLandingURL = "https://www.marktstammdatenregister.de/MaStR/Datendownload"

// Load reads path and applies defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Database.Kind == "" {
		c.Database.Kind = "sqlite"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Database.DSN == "" && c.Database.Kind == "sqlite" {
		c.Database.DSN = c.DataDir + "/mastr.db"
	}
	if c.Bulk.LandingURL == "" {
		c.Bulk.LandingURL = DefaultLandingURL
	}
	if c.Bulk.Selector == "" {
		c.Bulk.Selector = download.DefaultSelector
	}
	if c.Bulk.Cleanse == nil {
		on := true
		c.Bulk.Cleanse = &on
	}
	if c.API.Endpoint == "" {
		c.API.Endpoint = soap.DefaultEndpoint
	}
	if c.API.Namespace == "" {
		c.API.Namespace = soap.DefaultNamespace
	}
	if c.API.ChunkSize == 0 {
		c.API.ChunkSize = 1000
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = 60 * time.Second
	}
	if c.API.Workers == 0 {
		c.API.Workers = 1
	}
	if c.API.PageSize == 0 {
		c.API.PageSize = 2000
	}
	if c.API.PageRetries == 0 {
		c.API.PageRetries = 3
	}
	if c.API.MaxAttempts == 0 {
		c.API.MaxAttempts = 3
	}
	c.API.Rate = c.API.Rate.ApplyDefaults()
	if c.Export.Dir == "" {
		c.Export.Dir = c.DataDir + "/export"
	}
	if c.Export.Prefix == "" {
		c.Export.Prefix = export.DefaultPrefix
	}
	if c.Export.ChunkSize == 0 {
		c.Export.ChunkSize = 10000
	}
	if c.Export.Ext == "" {
		c.Export.Ext = "csv"
	}
	if c.Metrics.Backend == "" {
		c.Metrics.Backend = "none"
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = "mastr"
	}
}

// CleanseEnabled reports the bulk cleansing toggle.
func (c Config) CleanseEnabled() bool {
	return c.Bulk.Cleanse == nil || *c.Bulk.Cleanse
}
