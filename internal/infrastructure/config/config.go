package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"golang.org/x/crypto/bcrypt"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig
	Engine     EngineConfig
	Breaker    BreakerConfig
	Recovery   RecoveryConfig
	Logging    LogConfig
	RateLimit  RateLimitConfig
	CORS       CORSConfig
	Auth       AuthConfig
	PolicyFile string `envconfig:"POLICY_FILE"`
}

// ServerConfig holds HTTP and gRPC listener configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8000"`
	Host            string        `envconfig:"HOST" default:"0.0.0.0"`
	GRPCPort        string        `envconfig:"GRPC_PORT" default:"50051"`
	GRPCEnabled     bool          `envconfig:"GRPC_ENABLED" default:"true"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// EngineConfig selects and sizes the compute backends.
type EngineConfig struct {
	Backends            []string      `envconfig:"ENGINE_BACKENDS" default:"numeric,script"`
	Threads             int           `envconfig:"ENGINE_THREADS" default:"0"`
	SkipThreads         bool          `envconfig:"ENGINE_SKIP_THREADS" default:"false"`
	HardwareConcurrency int           `envconfig:"ENGINE_HARDWARE_CONCURRENCY" default:"0"`
	ScriptTimeout       time.Duration `envconfig:"ENGINE_SCRIPT_TIMEOUT" default:"5s"`
	HistorySize         int           `envconfig:"ENGINE_HISTORY_SIZE" default:"256"`
	InitOnStart         bool          `envconfig:"ENGINE_INIT_ON_START" default:"true"`
}

// BreakerConfig holds circuit breaker tunables.
type BreakerConfig struct {
	FailureThreshold  int           `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"3"`
	ResetTimeout      time.Duration `envconfig:"BREAKER_RESET_TIMEOUT" default:"30s"`
	HalfOpenMaxProbes int           `envconfig:"BREAKER_HALF_OPEN_PROBES" default:"1"`
}

// RecoveryConfig holds recovery orchestrator tunables.
type RecoveryConfig struct {
	MaxAttempts        int           `envconfig:"RECOVERY_MAX_ATTEMPTS" default:"2"`
	ThrottleWindow     time.Duration `envconfig:"RECOVERY_THROTTLE_WINDOW" default:"5s"`
	AttemptResetWindow time.Duration `envconfig:"RECOVERY_RESET_WINDOW" default:"60s"`
	SettleDelay        time.Duration `envconfig:"RECOVERY_SETTLE_DELAY" default:"1500ms"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
	File        string `envconfig:"LOG_FILE"`
	MaxSizeMB   int    `envconfig:"LOG_MAX_SIZE_MB" default:"100"`
	MaxBackups  int    `envconfig:"LOG_MAX_BACKUPS" default:"3"`
	MaxAgeDays  int    `envconfig:"LOG_MAX_AGE_DAYS" default:"28"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// CORSConfig holds allowed cross-origin callers.
type CORSConfig struct {
	AllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// AuthConfig guards operator routes. An empty hash leaves them open.
type AuthConfig struct {
	OperatorTokenHash string `envconfig:"OPERATOR_TOKEN_HASH"`
}

// Load loads configuration from a .env file (if any), environment variables
// and the optional policy file, then validates it.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.PolicyFile != "" {
		policy, err := LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		policy.Apply(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// loadDotEnv never overrides variables that are already set.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", path, err)
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8000",
			Host:            "0.0.0.0",
			GRPCPort:        "50051",
			GRPCEnabled:     true,
			ShutdownTimeout: 10 * time.Second,
		},
		Engine: EngineConfig{
			Backends:      []string{"numeric", "script"},
			ScriptTimeout: 5 * time.Second,
			HistorySize:   256,
			InitOnStart:   true,
		},
		Breaker: BreakerConfig{
			FailureThreshold:  3,
			ResetTimeout:      30 * time.Second,
			HalfOpenMaxProbes: 1,
		},
		Recovery: RecoveryConfig{
			MaxAttempts:        2,
			ThrottleWindow:     5 * time.Second,
			AttemptResetWindow: 60 * time.Second,
			SettleDelay:        1500 * time.Millisecond,
		},
		Logging: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
	}
}

// Validate rejects tunables the controller cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Breaker.FailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("breaker failure threshold must be positive, got %d", c.Breaker.FailureThreshold))
	}
	if c.Breaker.ResetTimeout <= 0 {
		errs = append(errs, fmt.Errorf("breaker reset timeout must be positive, got %s", c.Breaker.ResetTimeout))
	}
	if c.Breaker.HalfOpenMaxProbes <= 0 {
		errs = append(errs, fmt.Errorf("breaker half-open probes must be positive, got %d", c.Breaker.HalfOpenMaxProbes))
	}
	if c.Recovery.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("recovery max attempts must be positive, got %d", c.Recovery.MaxAttempts))
	}
	if c.Recovery.ThrottleWindow <= 0 {
		errs = append(errs, fmt.Errorf("recovery throttle window must be positive, got %s", c.Recovery.ThrottleWindow))
	}
	if c.Recovery.AttemptResetWindow < c.Recovery.ThrottleWindow {
		errs = append(errs, fmt.Errorf("recovery reset window %s is shorter than throttle window %s",
			c.Recovery.AttemptResetWindow, c.Recovery.ThrottleWindow))
	}
	if c.Recovery.SettleDelay < 0 {
		errs = append(errs, fmt.Errorf("recovery settle delay must not be negative, got %s", c.Recovery.SettleDelay))
	}
	if len(c.Engine.Backends) == 0 {
		errs = append(errs, errors.New("at least one engine backend is required"))
	}
	for _, b := range c.Engine.Backends {
		if b != "numeric" && b != "script" {
			errs = append(errs, fmt.Errorf("unknown engine backend %q", b))
		}
	}
	if c.Engine.Threads < 0 {
		errs = append(errs, fmt.Errorf("engine threads must not be negative, got %d", c.Engine.Threads))
	}
	if c.Auth.OperatorTokenHash != "" {
		if _, err := bcrypt.Cost([]byte(c.Auth.OperatorTokenHash)); err != nil {
			errs = append(errs, fmt.Errorf("operator token hash is not a bcrypt hash: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
