/*
Package monitoring provides Prometheus metrics for the execution controller.

# Overview

Metrics cover the HTTP surface, guarded engine calls, the circuit breaker,
recovery cycles, the status stream and process uptime. Every collector is
registered against an explicit registerer so tests can use a fresh
prometheus.NewRegistry().

A nil *Metrics is valid: every method is a no-op.

# Usage

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	timer := monitoring.NewTimer(metrics, "stats")
	// ... guarded call ...
	timer.Stop("success")
*/
package monitoring
