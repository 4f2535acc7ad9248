// Package http exposes the execution controller over a Gin JSON API.
//
// Endpoints:
//   - GET  /health, /status, /capabilities
//   - POST /initialize, /threads, /recover, /breaker/reset
//   - GET  /jobs (recent history), POST /jobs/{stats,matrix,script}
//
// Failures are mapped onto status codes by StatusFor: caller mistakes are
// 400, processing failures 422, system failures 500, and rejections while
// the circuit is open, the engine is recovering, or recovery is exhausted
// are 503 with a Retry-After hint where one is known.
package http
