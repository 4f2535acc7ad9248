/*
Package engine defines the boundary between the execution controller and an
external compute engine.

The controller treats the engine as opaque and potentially unreliable. It only
relies on the Engine interface: a one-time Load, thread pool init and resize,
a capability probe, Invoke for a single job, and Dispose.

# Jobs

Jobs are a closed, tagged union (StatsJob, MatrixJob, ScriptJob) so callers and
the classifier can switch over every variant exhaustively.

# Errors

Engines report failures as *Error with a structured Code. The classifier maps
codes directly and only falls back to matching message text for errors that
did not come through this boundary.

# Backends

	numeric  gonum-backed statistics and dense linear algebra on a worker pool
	script   sandboxed JavaScript on a pool of goja VMs
*/
package engine
