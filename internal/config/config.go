// Package config loads and validates the YAML configuration file
// describing which bidding and scoring functions the server should
// serve.
//
// Parsed with gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/worklethost/auctionserver/internal/status"
)

// FunctionSource is one configured function entry: a URI to fetch
// from, and for local:// URIs, its literal inline source.
type FunctionSource struct {
	URI    string `yaml:"uri"`
	Source string `yaml:"source"`
}

// Config is the top-level server configuration. The two function
// lists describe which scripts to serve; everything else here is
// ambient server wiring.
type Config struct {
	BindAddress              string        `yaml:"bind_address"`
	MetricsAddress           string        `yaml:"metrics_address"`
	ConfigurationFile        string        `yaml:"-"`
	UseSandbox               bool          `yaml:"use_sandbox"`
	SandboxMemoryLimitMB     int           `yaml:"sandbox_memory_limit_mb"`
	FunctionRefreshInterval  time.Duration `yaml:"function_refresh_interval"`
	BiddingFunctionAsyncWait time.Duration `yaml:"bidding_function_async_wait"`
	LogLevel                 string        `yaml:"log_level"`
	LogFormat                string        `yaml:"log_format"`
	RedisURL                 string        `yaml:"redis_url"`

	// MaxRequestBodyBytes bounds an inbound RPC request body, enforced
	// both by the size-limit middleware and by the transport layer's own
	// bounded read.
	MaxRequestBodyBytes int64 `yaml:"max_request_body_bytes"`
	// MaxURLLength bounds the length of an inbound request's URL.
	MaxURLLength int `yaml:"max_url_length"`
	// DisableHSTS turns off the Strict-Transport-Security header; HSTS
	// stays on by default since the zero value of a bool can't tell "not
	// set" from "explicitly off".
	DisableHSTS bool `yaml:"disable_hsts"`
	// CORSAllowedOrigins lists origins allowed to call the RPC surface
	// from a browser; empty disables CORS entirely.
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`

	BiddingFunctions   []FunctionSource `yaml:"biddingFunctions"`
	AdScoringFunctions []FunctionSource `yaml:"adScoringFunctions"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, status.Wrap(status.NotFound, "read configuration file", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, status.Wrap(status.InvalidArgument, "parse configuration file", err)
	}
	cfg.ConfigurationFile = path
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BindAddress == "" {
		c.BindAddress = ":8080"
	}
	if c.MetricsAddress == "" {
		c.MetricsAddress = ":9090"
	}
	if c.FunctionRefreshInterval <= 0 {
		c.FunctionRefreshInterval = time.Minute
	}
	if c.BiddingFunctionAsyncWait <= 0 {
		c.BiddingFunctionAsyncWait = 50 * time.Millisecond
	}
	if c.SandboxMemoryLimitMB <= 0 {
		c.SandboxMemoryLimitMB = 256
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.MaxRequestBodyBytes <= 0 {
		c.MaxRequestBodyBytes = 1024 * 1024
	}
	if c.MaxURLLength <= 0 {
		c.MaxURLLength = 8192
	}
}

// validate enforces the configuration constraints: uri is required,
// source is required iff the uri has a local:// scheme, and no uri
// repeats within either list (the two lists are independent
// namespaces — the same uri may appear once as a bidding function and
// once as a scoring function).
func (c *Config) validate() error {
	if err := validateUnique("biddingFunctions", c.BiddingFunctions); err != nil {
		return err
	}
	if err := validateUnique("adScoringFunctions", c.AdScoringFunctions); err != nil {
		return err
	}
	return nil
}

func validateUnique(field string, entries []FunctionSource) error {
	seen := make(map[string]bool, len(entries))
	for i, fs := range entries {
		if err := validateFunctionSource(fmt.Sprintf("%s[%d]", field, i), fs); err != nil {
			return err
		}
		key := normalizeURI(fs.URI)
		if seen[key] {
			return status.Newf(status.InvalidArgument, "%s: uri %q defined more than once", field, fs.URI)
		}
		seen[key] = true
	}
	return nil
}

// validateFunctionSource enforces that every function entry has a uri,
// and that local:// entries carry inline source.
func validateFunctionSource(field string, fs FunctionSource) error {
	if fs.URI == "" {
		return status.Newf(status.InvalidArgument, "%s: missing uri", field)
	}
	u, err := url.Parse(fs.URI)
	if err != nil {
		return status.Wrap(status.InvalidArgument, fmt.Sprintf("%s: parse uri", field), err)
	}
	if strings.EqualFold(u.Scheme, "local") && fs.Source == "" {
		return status.Newf(status.InvalidArgument, "%s: local:// uri requires source", field)
	}
	if !strings.EqualFold(u.Scheme, "local") && fs.Source != "" {
		return status.Newf(status.InvalidArgument, "%s: non-local uri %q must not carry inline source", field, fs.URI)
	}
	return nil
}

func normalizeURI(uri string) string {
	return strings.ToLower(uri)
}
