package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
)

// Duration decodes from strings such as "30s" in both YAML and TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Policy overrides breaker and recovery tunables from a file. Unset fields
// keep the environment values.
type Policy struct {
	Breaker  BreakerPolicy  `yaml:"breaker" toml:"breaker"`
	Recovery RecoveryPolicy `yaml:"recovery" toml:"recovery"`
}

// BreakerPolicy mirrors BreakerConfig.
type BreakerPolicy struct {
	FailureThreshold  *int      `yaml:"failure_threshold" toml:"failure_threshold"`
	ResetTimeout      *Duration `yaml:"reset_timeout" toml:"reset_timeout"`
	HalfOpenMaxProbes *int      `yaml:"half_open_max_probes" toml:"half_open_max_probes"`
}

// RecoveryPolicy mirrors RecoveryConfig.
type RecoveryPolicy struct {
	MaxAttempts        *int      `yaml:"max_attempts" toml:"max_attempts"`
	ThrottleWindow     *Duration `yaml:"throttle_window" toml:"throttle_window"`
	AttemptResetWindow *Duration `yaml:"attempt_reset_window" toml:"attempt_reset_window"`
	SettleDelay        *Duration `yaml:"settle_delay" toml:"settle_delay"`
}

// LoadPolicy reads a YAML (.yaml, .yml) or TOML (.toml) policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy(data, filepath.Ext(path))
}

// ParsePolicy decodes a policy in the format named by ext.
func ParsePolicy(data []byte, ext string) (*Policy, error) {
	var p Policy

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse YAML policy: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse TOML policy: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported policy format %q", ext)
	}

	return &p, nil
}

// Apply overlays the set fields onto cfg.
func (p *Policy) Apply(cfg *Config) {
	if v := p.Breaker.FailureThreshold; v != nil {
		cfg.Breaker.FailureThreshold = *v
	}
	if v := p.Breaker.ResetTimeout; v != nil {
		cfg.Breaker.ResetTimeout = v.Duration
	}
	if v := p.Breaker.HalfOpenMaxProbes; v != nil {
		cfg.Breaker.HalfOpenMaxProbes = *v
	}
	if v := p.Recovery.MaxAttempts; v != nil {
		cfg.Recovery.MaxAttempts = *v
	}
	if v := p.Recovery.ThrottleWindow; v != nil {
		cfg.Recovery.ThrottleWindow = v.Duration
	}
	if v := p.Recovery.AttemptResetWindow; v != nil {
		cfg.Recovery.AttemptResetWindow = v.Duration
	}
	if v := p.Recovery.SettleDelay; v != nil {
		cfg.Recovery.SettleDelay = v.Duration
	}
}
