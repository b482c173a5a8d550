package asynccaller

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk form of the caller options. Zero values keep the
// defaults.
type FileConfig struct {
	TokenBucket struct {
		Capacity      int  `toml:"capacity" yaml:"capacity"`
		FillPerWindow int  `toml:"fill_per_window" yaml:"fill_per_window"`
		WindowMs      int  `toml:"window_ms" yaml:"window_ms"`
		InitialTokens *int `toml:"initial_tokens" yaml:"initial_tokens"`
	} `toml:"token_bucket" yaml:"token_bucket"`

	Retry struct {
		MaxRetries    *int    `toml:"max_retries" yaml:"max_retries"`
		MinDelayMs    int     `toml:"min_delay_ms" yaml:"min_delay_ms"`
		MaxDelayMs    int     `toml:"max_delay_ms" yaml:"max_delay_ms"`
		BackoffFactor float64 `toml:"backoff_factor" yaml:"backoff_factor"`
	} `toml:"retry" yaml:"retry"`

	Concurrency int   `toml:"concurrency" yaml:"concurrency"`
	Verbose     *bool `toml:"verbose" yaml:"verbose"`
}

// LoadConfig reads a TOML (.toml) or YAML (.yaml, .yml) file.
func LoadConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("asynccaller: read config: %w", err)
	}

	var fc FileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), &fc); err != nil {
			return nil, fmt.Errorf("asynccaller: parse toml config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("asynccaller: parse yaml config: %w", err)
		}
	default:
		return nil, &ConfigError{Field: "config file", Reason: fmt.Sprintf("unsupported extension %q", ext)}
	}
	return &fc, nil
}

// Options converts the file into options applied on top of the defaults.
func (fc *FileConfig) Options() []Option {
	bucket := DefaultBucketOptions()
	if fc.TokenBucket.Capacity != 0 {
		bucket.Capacity = fc.TokenBucket.Capacity
	}
	if fc.TokenBucket.FillPerWindow != 0 {
		bucket.FillPerWindow = fc.TokenBucket.FillPerWindow
	}
	if fc.TokenBucket.WindowMs != 0 {
		bucket.Window = time.Duration(fc.TokenBucket.WindowMs) * time.Millisecond
	}
	bucket.InitialTokens = fc.TokenBucket.InitialTokens

	retry := DefaultRetryPolicy()
	if fc.Retry.MaxRetries != nil {
		retry.MaxRetries = *fc.Retry.MaxRetries
	}
	if fc.Retry.MinDelayMs != 0 {
		retry.MinDelay = time.Duration(fc.Retry.MinDelayMs) * time.Millisecond
	}
	if fc.Retry.MaxDelayMs != 0 {
		retry.MaxDelay = time.Duration(fc.Retry.MaxDelayMs) * time.Millisecond
	}
	if fc.Retry.BackoffFactor != 0 {
		retry.BackoffFactor = fc.Retry.BackoffFactor
	}

	opts := []Option{WithTokenBucket(bucket), WithRetry(retry)}
	if fc.Concurrency != 0 {
		opts = append(opts, WithConcurrency(fc.Concurrency))
	}
	if fc.Verbose != nil {
		opts = append(opts, WithVerbose(*fc.Verbose))
	}
	return opts
}

// LoadOptions reads path and returns the options it describes.
func LoadOptions(path string) ([]Option, error) {
	fc, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return fc.Options(), nil
}
