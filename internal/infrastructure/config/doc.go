// Package config provides 12-factor configuration for the compute controller.
//
// Configuration is loaded from a .env file (when present), then environment
// variables with sensible defaults, then an optional policy file that
// overrides the breaker and recovery tunables.
//
// Configuration Sections:
//   - Server: HTTP and gRPC listeners
//   - Engine: compute backends, thread count, job history
//   - Breaker: failure threshold, reset timeout, half-open probes
//   - Recovery: attempt cap, throttle and reset windows, settle delay
//   - Logging: level, format and optional rotating file
//   - RateLimit, CORS: API protection
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Server running on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//
// Policy files are YAML (.yaml, .yml) or TOML (.toml):
//
//	breaker:
//	  failure_threshold: 5
//	  reset_timeout: 45s
//	recovery:
//	  max_attempts: 3
package config
