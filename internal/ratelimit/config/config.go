// Package config holds the rate limiting, abuse detection and circuit breaker
// settings. DefaultConfig is usable as is; Load overlays a YAML file on top of it.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"aegis/internal/ratelimit/models"
)

// Policy names shipped with the default configuration.
const (
	PolicyGeneral      = "general"
	PolicyAuth         = "auth"
	PolicyAIGeneration = "ai_generation"
	PolicyResearch     = "research"
	PolicyAdmin        = "admin"
)

// Protected resource names for the default breakers.
const (
	ResourceDatabase  = "database"
	ResourceOpenAI    = "openai"
	ResourceAnthropic = "anthropic"
)

// Config holds rate limiting configuration.
type Config struct {
	// KeyPrefix namespaces every key written to the shared store.
	KeyPrefix string `koanf:"key_prefix"`
	// ViolationTTL bounds how long a caller's breach history is remembered.
	ViolationTTL time.Duration `koanf:"violation_ttl"`

	Policies       map[string]PolicyConfig  `koanf:"policies"`
	Abuse          AbuseConfig              `koanf:"abuse"`
	SourceThrottle SourceThrottleConfig     `koanf:"source_throttle"`
	Breakers       map[string]BreakerConfig `koanf:"breakers"`
	// StoreGuard trips after consecutive shared store errors so that an
	// outage fails open without waiting on store timeouts.
	StoreGuard BreakerConfig `koanf:"store_guard"`
}

// PolicyConfig is the file representation of a RateLimitPolicy. A policy
// given in a file replaces the default of the same name entirely.
type PolicyConfig struct {
	Window      time.Duration `koanf:"window"`
	MaxRequests int           `koanf:"max_requests"`
	KeyBy       string        `koanf:"key_by"`
	Message     string        `koanf:"message"`
	StatusCode  int           `koanf:"status_code"`
}

// AbuseConfig configures the request heuristics.
type AbuseConfig struct {
	// BadUserAgents are known attack tool signatures, matched case-insensitively.
	BadUserAgents []string `koanf:"bad_user_agents"`
	// ScannerTokens are generic automation markers in a user agent.
	ScannerTokens []string `koanf:"scanner_tokens"`
	// SuspiciousPaths are substrings of admin panels and exploit targets.
	SuspiciousPaths []string `koanf:"suspicious_paths"`
	// RepeatOffenderThreshold is the violation count that blocks a caller outright.
	RepeatOffenderThreshold int64 `koanf:"repeat_offender_threshold"`
	// CheckNegotiationHeaders enables the missing Accept-Language/Accept-Encoding signal.
	CheckNegotiationHeaders bool `koanf:"check_negotiation_headers"`
}

// SourceThrottleConfig configures the per-source DDoS layer.
type SourceThrottleConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Window        time.Duration `koanf:"window"`
	Threshold     int           `koanf:"threshold"`
	BlockDuration time.Duration `koanf:"block_duration"`
	MaxSources    int           `koanf:"max_sources"`
	// IdleTTL evicts sources without traffic. It must outlast BlockDuration.
	IdleTTL time.Duration `koanf:"idle_ttl"`
}

// BreakerConfig configures one circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	RecoveryTimeout  time.Duration `koanf:"recovery_timeout"`
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() *Config {
	return &Config{
		KeyPrefix:    "rl",
		ViolationTTL: 24 * time.Hour,
		Policies: map[string]PolicyConfig{
			PolicyGeneral:      {Window: time.Minute, MaxRequests: 100, KeyBy: string(models.KeyByIP)},
			PolicyAuth:         {Window: time.Minute, MaxRequests: 10, KeyBy: string(models.KeyByIP), Message: "Too many authentication attempts, please try again later."},
			PolicyAIGeneration: {Window: time.Minute, MaxRequests: 10, KeyBy: string(models.KeyByUser), Message: "AI generation limit reached, please slow down."},
			PolicyResearch:     {Window: time.Minute, MaxRequests: 30, KeyBy: string(models.KeyByUserAndIP)},
			PolicyAdmin:        {Window: time.Minute, MaxRequests: 20, KeyBy: string(models.KeyByIP)},
		},
		Abuse: AbuseConfig{
			BadUserAgents: []string{
				"sqlmap", "nikto", "nmap", "masscan", "zgrab", "nuclei", "dirbuster",
				"gobuster", "wpscan", "acunetix", "nessus", "havij", "w3af", "hydra",
			},
			ScannerTokens: []string{"bot", "crawler", "spider", "scraper", "scanner"},
			SuspiciousPaths: []string{
				"wp-admin", "wp-login", ".env", ".git", "phpmyadmin", "xmlrpc.php",
				"cgi-bin", "etc/passwd", "../", "actuator", "server-status", ".aws",
			},
			RepeatOffenderThreshold: 5,
			CheckNegotiationHeaders: true,
		},
		SourceThrottle: SourceThrottleConfig{
			Enabled:       true,
			Window:        10 * time.Second,
			Threshold:     100,
			BlockDuration: time.Minute,
			MaxSources:    100_000,
			IdleTTL:       5 * time.Minute,
		},
		Breakers: map[string]BreakerConfig{
			ResourceDatabase:  {FailureThreshold: 5, RecoveryTimeout: time.Minute},
			ResourceOpenAI:    {FailureThreshold: 3, RecoveryTimeout: 20 * time.Second},
			ResourceAnthropic: {FailureThreshold: 3, RecoveryTimeout: 20 * time.Second},
		},
		StoreGuard: BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 10 * time.Second},
	}
}

// Load returns the defaults overlaid with the YAML file at path. An empty
// path returns the validated defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := DefaultConfig()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate limit config: %w", err)
	}
	return Parse(data)
}

// Parse overlays YAML bytes on the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parse rate limit config: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("decode rate limit config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	if c.KeyPrefix == "" {
		errs = append(errs, errors.New("key_prefix is required"))
	}
	if c.ViolationTTL <= 0 {
		errs = append(errs, errors.New("violation_ttl must be positive"))
	}
	if len(c.Policies) == 0 {
		errs = append(errs, errors.New("at least one policy is required"))
	}
	for _, name := range c.PolicyNames() {
		if _, err := c.policy(name); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Abuse.RepeatOffenderThreshold <= 0 {
		errs = append(errs, errors.New("abuse.repeat_offender_threshold must be positive"))
	}
	if st := c.SourceThrottle; st.Enabled {
		if st.Window <= 0 || st.Threshold <= 0 || st.BlockDuration <= 0 || st.MaxSources <= 0 {
			errs = append(errs, errors.New("source_throttle: window, threshold, block_duration and max_sources must be positive"))
		}
		if st.IdleTTL < st.BlockDuration {
			errs = append(errs, errors.New("source_throttle.idle_ttl must not be shorter than block_duration"))
		}
	}
	for name, b := range c.Breakers {
		if err := b.validate(); err != nil {
			errs = append(errs, fmt.Errorf("breakers.%s: %w", name, err))
		}
	}
	if err := c.StoreGuard.validate(); err != nil {
		errs = append(errs, fmt.Errorf("store_guard: %w", err))
	}
	return errors.Join(errs...)
}

func (b BreakerConfig) validate() error {
	if b.FailureThreshold <= 0 {
		return errors.New("failure_threshold must be positive")
	}
	if b.RecoveryTimeout <= 0 {
		return errors.New("recovery_timeout must be positive")
	}
	return nil
}

// PolicyNames returns the configured policy names in sorted order.
func (c *Config) PolicyNames() []string {
	names := make([]string, 0, len(c.Policies))
	for name := range c.Policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Policy returns the named policy.
func (c *Config) Policy(name string) (models.RateLimitPolicy, bool) {
	p, err := c.policy(name)
	if err != nil {
		return models.RateLimitPolicy{}, false
	}
	return p, true
}

func (c *Config) policy(name string) (models.RateLimitPolicy, error) {
	pc, ok := c.Policies[name]
	if !ok {
		return models.RateLimitPolicy{}, fmt.Errorf("unknown policy %q", name)
	}
	return models.NewRateLimitPolicy(name, pc.Window, pc.MaxRequests, models.KeyRule(pc.KeyBy), pc.Message, pc.StatusCode)
}
