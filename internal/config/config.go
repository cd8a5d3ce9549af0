// Package config loads runtime configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the mango-lens core.
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	Model     ModelConfig
	Pipeline  PipelineConfig
	Remote    RemoteConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type StoreConfig struct {
	// DataDir is where the SQLite database lives.
	DataDir string
}

type ModelConfig struct {
	// ArtifactPath points at the pre-trained classification model, either
	// a local file or an http(s) URL fetched once at startup.
	ArtifactPath string
}

type PipelineConfig struct {
	// RelevanceThreshold is the minimum likelihood (percent) a class must
	// reach to appear in a result. Defaults to 30.
	RelevanceThreshold float64

	// BatchInterval is the pause between items in a bulk processing run,
	// bounding peak inference load. Defaults to 2s.
	BatchInterval time.Duration

	// CanonicalWidth/Height is the fixed size both the original and the
	// analyzed image are resized to before persistence.
	CanonicalWidth  int
	CanonicalHeight int
}

type RemoteConfig struct {
	// Endpoint is the remote save endpoint for completed scans. Empty
	// disables reconciliation (capture and processing stay local-only).
	Endpoint string
	Timeout  time.Duration
}

// Load reads configuration from environment variables and returns a
// validated Config. Malformed values fall back to their defaults; an error
// is returned only when the resulting configuration fails validation.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("MANGOLENS_PORT", 8090),
			Env:  envString("MANGOLENS_ENV", "development"),
		},
		Store: StoreConfig{
			DataDir: envString("MANGOLENS_DATA_DIR", "./data"),
		},
		Model: ModelConfig{
			ArtifactPath: envString("MANGOLENS_MODEL_PATH", "./model/mango-leaf-v1.json"),
		},
		Pipeline: PipelineConfig{
			RelevanceThreshold: envFloat("MANGOLENS_RELEVANCE_THRESHOLD", 30),
			BatchInterval:      envDuration("MANGOLENS_BATCH_INTERVAL", 2*time.Second),
			CanonicalWidth:     envInt("MANGOLENS_CANONICAL_WIDTH", 500),
			CanonicalHeight:    envInt("MANGOLENS_CANONICAL_HEIGHT", 500),
		},
		Remote: RemoteConfig{
			Endpoint: os.Getenv("MANGOLENS_REMOTE_ENDPOINT"),
			Timeout:  envDuration("MANGOLENS_REMOTE_TIMEOUT", 30*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Pipeline.RelevanceThreshold < 0 || c.Pipeline.RelevanceThreshold > 100 {
		return fmt.Errorf("relevance threshold must be in [0,100], got %v", c.Pipeline.RelevanceThreshold)
	}
	if c.Pipeline.BatchInterval < 0 {
		return fmt.Errorf("batch interval must not be negative")
	}
	if c.Pipeline.CanonicalWidth < 1 || c.Pipeline.CanonicalHeight < 1 {
		return fmt.Errorf("canonical image size must be positive, got %dx%d",
			c.Pipeline.CanonicalWidth, c.Pipeline.CanonicalHeight)
	}
	return nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
