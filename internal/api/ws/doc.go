// Package ws streams execution controller status over WebSocket.
//
// Each connection registers as a controller subscriber and receives every
// status, error, breaker and recovery event as a JSON frame encoded with
// sonic. Slow clients miss events instead of stalling the controller.
//
// Client messages:
//   - ping: keep-alive, answered with pong
//   - status: request a fresh snapshot
//
// Server messages:
//   - connected: first frame, carries the subscriber ID and a snapshot
//   - status, error, breaker, recovery: controller events
//   - closed: the controller shut down
//
// Example Usage:
//
//	handler := ws.NewHandler(ctrl, metrics, logger, ws.DefaultConfig())
//	router.GET("/stream", handler.HandleConnection)
package ws
