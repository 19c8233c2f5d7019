package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects the hardened or relaxed defaults profile.
type Mode string

const (
	ModeHardened Mode = "hardened"
	ModeRelaxed  Mode = "relaxed"
)

// Config is the agent configuration. All values are plain key-value
// options; unset fields fall back to the mode's defaults.
type Config struct {
	Mode     Mode   `yaml:"mode"`
	LogLevel string `yaml:"log_level"`
	HTTPPort string `yaml:"http_port"`

	Grant struct {
		TTLMinutes        int      `yaml:"ttl_minutes"`
		ProxyBase         string   `yaml:"proxy_base"`
		SingleUse         bool     `yaml:"single_use"`
		AllowedExtensions []string `yaml:"allowed_extensions"`
		MaxResourceBytes  int64    `yaml:"max_resource_bytes"`
		AssetRoot         string   `yaml:"asset_root"`
	} `yaml:"grant"`

	RateLimit struct {
		Limit         int `yaml:"limit"`
		WindowSeconds int `yaml:"window_seconds"`
		StaleMinutes  int `yaml:"stale_minutes"`
	} `yaml:"rate_limit"`

	Integrity struct {
		IntervalSeconds  int               `yaml:"interval_seconds"`
		FailureThreshold int               `yaml:"failure_threshold"`
		Algorithm        string            `yaml:"algorithm"`
		Watch            bool              `yaml:"watch"`
		Elements         []IntegrityTarget `yaml:"elements"`
	} `yaml:"integrity"`

	Detection struct {
		IntervalSeconds     int     `yaml:"interval_seconds"`
		ConfidenceThreshold float64 `yaml:"confidence_threshold"`
		HistorySize         int     `yaml:"history_size"`
	} `yaml:"detection"`

	Pipeline struct {
		Endpoint             string `yaml:"endpoint"`
		AuthToken            string `yaml:"auth_token"`
		NATSURL              string `yaml:"nats_url"`
		NATSSubject          string `yaml:"nats_subject"`
		BatchSize            int    `yaml:"batch_size"`
		FlushIntervalSeconds int    `yaml:"flush_interval_seconds"`
		MaxRetries           int    `yaml:"max_retries"`
		RetryBackoffSeconds  int    `yaml:"retry_backoff_seconds"`
		MaxStoredBatches     int    `yaml:"max_stored_batches"`
		FallbackPath         string `yaml:"fallback_path"`
	} `yaml:"pipeline"`

	Escalation struct {
		BlockOnCritical   bool `yaml:"block_on_critical"`
		WarnOnMedium      bool `yaml:"warn_on_medium"`
		DevToolsThreshold int  `yaml:"devtools_threshold"`
		WindowSeconds     int  `yaml:"window_seconds"`
	} `yaml:"escalation"`
}

// IntegrityTarget is one monitored file.
type IntegrityTarget struct {
	ID   string `yaml:"id"`
	Path string `yaml:"path"`
	Salt string `yaml:"salt"`
	Hash string `yaml:"hash"` // expected hex hash; empty = trust on first use
}

// Default returns the configuration for the given mode.
func Default(mode Mode) Config {
	var c Config
	c.Mode = mode
	c.LogLevel = "info"
	c.HTTPPort = "8090"

	c.Grant.TTLMinutes = 60
	c.Grant.ProxyBase = "/assets"
	c.Grant.AllowedExtensions = []string{".png", ".jpg", ".jpeg", ".webp", ".gif", ".svg", ".glb", ".gltf", ".bin", ".css", ".js"}
	c.Grant.AssetRoot = "."

	c.RateLimit.Limit = 100
	c.RateLimit.WindowSeconds = 60
	c.RateLimit.StaleMinutes = 60

	c.Integrity.IntervalSeconds = 60
	c.Integrity.FailureThreshold = 3
	c.Integrity.Algorithm = "sha256"

	c.Detection.IntervalSeconds = 10
	c.Detection.ConfidenceThreshold = 0.8
	c.Detection.HistorySize = 50

	c.Pipeline.BatchSize = 10
	c.Pipeline.FlushIntervalSeconds = 30
	c.Pipeline.MaxRetries = 3
	c.Pipeline.RetryBackoffSeconds = 5
	c.Pipeline.MaxStoredBatches = 100
	c.Pipeline.FallbackPath = "bastion-events.spool"
	c.Pipeline.NATSSubject = "bastion.events"

	c.Escalation.WarnOnMedium = true
	c.Escalation.DevToolsThreshold = 3
	c.Escalation.WindowSeconds = 60

	if mode == ModeHardened {
		c.Grant.TTLMinutes = 15
		c.Integrity.IntervalSeconds = 30
		c.Pipeline.BatchSize = 5
		c.Pipeline.FlushIntervalSeconds = 15
		c.Escalation.BlockOnCritical = true
	}
	return c
}

// Load reads a YAML config file over the defaults for its mode. A missing
// path returns relaxed defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(ModeRelaxed), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	// Read the mode first so its defaults can be applied under the file.
	var probe struct {
		Mode Mode `yaml:"mode"`
	}
	if err := yaml.Unmarshal(b, &probe); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	mode := probe.Mode
	if mode == "" {
		mode = ModeRelaxed
	}
	if mode != ModeHardened && mode != ModeRelaxed {
		return Config{}, fmt.Errorf("unknown mode %q", mode)
	}

	cfg := Default(mode)
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// GrantTTL returns the grant TTL as a duration.
func (c *Config) GrantTTL() time.Duration {
	return time.Duration(c.Grant.TTLMinutes) * time.Minute
}
