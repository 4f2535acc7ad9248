/*
Package server wires the compute guard together: logging, metrics, tracing,
the configured engine backends, the execution controller and the HTTP,
WebSocket and gRPC health surfaces.

The gRPC health service reports SERVING for both "" and HealthService while
the engine is ready and the circuit breaker is not open. It follows the
controller's status events, so it changes as soon as the breaker trips or a
recovery cycle starts.

# Usage

	srv, err := server.NewServer(cfg)
	if err != nil {
		return err
	}
	defer srv.Close()

	return srv.Run(ctx)
*/
package server
