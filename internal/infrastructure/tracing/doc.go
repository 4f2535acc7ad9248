/*
Package tracing provides lightweight request tracing.

Spans are created per HTTP request, per gRPC call and per guarded engine
job, and are exported asynchronously as structured zap log entries.

# Usage

	tracer := tracing.New("computeguard", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	server := grpc.NewServer(
		grpc.UnaryInterceptor(tracing.GRPCUnaryInterceptor(tracer)),
		grpc.StreamInterceptor(tracing.GRPCStreamInterceptor(tracer)),
	)

	span, ctx := tracer.StartSpan(ctx, "job.stats")
	defer func() {
		span.Finish()
		tracer.Submit(span)
	}()

# Trace Format

Traces use HTTP headers (and lower-cased gRPC metadata keys) for propagation:
  - X-Trace-ID: identifier for the entire request flow
  - X-Span-ID: identifier for the calling operation

Spans are buffered (1000) and dropped with a warning when the buffer is full.
*/
package tracing
