// Package config loads the backup configuration from an optional YAML file,
// an optional .env file and the environment, in increasing precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultResources are exported when none are configured.
var DefaultResources = []string{"orders", "products", "customers", "collections", "pages"}

// Config is the backup configuration.
type Config struct {
	Shop        string `yaml:"shop"`
	AccessToken string `yaml:"access_token"`
	APIVersion  string `yaml:"api_version"`

	// BaseURL overrides the Admin API root derived from Shop (proxies, staging).
	BaseURL   string   `yaml:"base_url"`
	OutputDir string   `yaml:"output_dir"`
	Resources []string `yaml:"resources"`

	// MetricsFile, when set, receives a Prometheus textfile after the run.
	MetricsFile string `yaml:"metrics_file"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Bulk      BulkConfig      `yaml:"bulk"`
	Retry     RetryConfig     `yaml:"retry"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
}

type RateLimitConfig struct {
	MinInterval time.Duration `yaml:"min_interval"`
}

type BulkConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`

	// DownloadHeaderTimeout bounds the wait for a result file's headers.
	// The body download is bounded only by the run's context.
	DownloadHeaderTimeout time.Duration `yaml:"download_header_timeout"`
}

type RetryConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

// RedisConfig enables the shared limiter and job lock when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used for anything not set explicitly.
func Default() *Config {
	return &Config{
		APIVersion: "2024-10",
		OutputDir:  "backups",
		Resources:  append([]string(nil), DefaultResources...),
		RateLimit:  RateLimitConfig{MinInterval: 3 * time.Second},
		Bulk: BulkConfig{
			PollInterval:          time.Second,
			PollTimeout:           10 * time.Minute,
			DownloadHeaderTimeout: time.Minute,
		},
		Retry: RetryConfig{MaxRetries: 3},
		Log:   LogConfig{Level: "info"},
	}
}

// ValidationError is one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid setting.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	parts := make([]string, 0, len(e))
	for _, v := range e {
		parts = append(parts, v.Error())
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// Load builds the configuration. path may be empty to skip the YAML file.
// A .env file in the working directory is loaded when present; variables
// already set in the process environment win over it.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		if err := cfg.parseYAML(data); err != nil {
			return nil, err
		}
	}

	if errs := cfg.applyEnv(os.LookupEnv); len(errs) > 0 {
		return nil, errs
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return cfg, nil
}

// parseYAML overlays a YAML document onto cfg, expanding ${VAR} references.
func (c *Config) parseYAML(data []byte) error {
	expanded := os.Expand(string(data), os.Getenv)

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// applyEnv overrides settings from environment variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) ValidationErrors {
	var errs ValidationErrors

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, ValidationError{Field: key, Message: fmt.Sprintf("invalid duration %q", v)})
			return
		}
		*dst = d
	}

	str("SHOPIFY_SHOP", &c.Shop)
	str("SHOPIFY_ACCESS_TOKEN", &c.AccessToken)
	str("SHOPIFY_API_VERSION", &c.APIVersion)
	str("SHOPIFY_BASE_URL", &c.BaseURL)
	str("BACKUP_OUTPUT_DIR", &c.OutputDir)
	str("METRICS_FILE", &c.MetricsFile)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("LOG_LEVEL", &c.Log.Level)

	if v, ok := lookup("BACKUP_RESOURCES"); ok && v != "" {
		c.Resources = SplitList(v)
	}

	dur("RATE_LIMIT_MIN_INTERVAL", &c.RateLimit.MinInterval)
	dur("BULK_POLL_INTERVAL", &c.Bulk.PollInterval)
	dur("BULK_POLL_TIMEOUT", &c.Bulk.PollTimeout)
	dur("BULK_DOWNLOAD_HEADER_TIMEOUT", &c.Bulk.DownloadHeaderTimeout)

	if v, ok := lookup("RETRY_MAX"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, ValidationError{Field: "RETRY_MAX", Message: fmt.Sprintf("invalid integer %q", v)})
		} else {
			c.Retry.MaxRetries = n
		}
	}

	if v, ok := lookup("LOG_PRETTY"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, ValidationError{Field: "LOG_PRETTY", Message: fmt.Sprintf("invalid boolean %q", v)})
		} else {
			c.Log.Pretty = b
		}
	}

	return errs
}

// Validate checks required fields and ranges.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Shop == "" {
		errs = append(errs, ValidationError{Field: "shop", Message: "is required"})
	}
	if c.AccessToken == "" {
		errs = append(errs, ValidationError{Field: "access_token", Message: "is required"})
	}
	if c.OutputDir == "" {
		errs = append(errs, ValidationError{Field: "output_dir", Message: "is required"})
	}
	if len(c.Resources) == 0 {
		errs = append(errs, ValidationError{Field: "resources", Message: "at least one resource is required"})
	}
	if c.RateLimit.MinInterval < 0 {
		errs = append(errs, ValidationError{Field: "rate_limit.min_interval", Message: "must not be negative"})
	}
	if c.Bulk.PollInterval <= 0 {
		errs = append(errs, ValidationError{Field: "bulk.poll_interval", Message: "must be positive"})
	}
	if c.Bulk.PollTimeout < c.Bulk.PollInterval {
		errs = append(errs, ValidationError{Field: "bulk.poll_timeout", Message: "must be at least the poll interval"})
	}
	if c.Bulk.DownloadHeaderTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "bulk.download_header_timeout", Message: "must be positive"})
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, ValidationError{Field: "retry.max_retries", Message: "must not be negative"})
	}

	return errs
}

// SplitList splits a comma separated list, dropping empty entries.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
