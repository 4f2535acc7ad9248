// Package main is the entry point for the compute guard server.
//
// The server hosts a compute engine (gonum numerics and sandboxed
// JavaScript) behind an execution controller that classifies failures,
// trips a circuit breaker and recovers the engine after catastrophic
// errors.
//
// The server provides:
//   - REST API for initialization, jobs, status and manual recovery
//   - WebSocket status stream at /stream
//   - Prometheus metrics at /metrics
//   - gRPC health checks
//
// Configuration:
//   - Environment variables (12-factor), optionally from a .env file
//   - Policy file (YAML or TOML) for breaker and recovery tunables
//   - CLI flags (override env vars)
//
// Usage:
//
//	./server -port 8000 -policy policy.yaml
//
//	# Development mode (colored logs, debug level)
//	./server -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
