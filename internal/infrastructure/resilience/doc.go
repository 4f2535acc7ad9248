/*
Package resilience provides the circuit breaker that guards the compute engine.

# Overview

The breaker stops dispatching calls to an engine that keeps failing with
system-level errors, then lets a limited number of probes through once the
reset timeout has elapsed.

# Features

- Three-state circuit breaker (Closed, Open, Half-Open)
- Consecutive-failure threshold with success reset
- Half-open probe reservation so only HalfOpenMaxProbes calls are in flight
- Pluggable IsCountable predicate: uncounted failures leave the counts alone
- State change callbacks, invoked outside the lock
- Injectable clock for deterministic tests

# Usage

	breaker := resilience.New("engine", resilience.Settings{
		FailureThreshold:  3,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 1,
		IsCountable: func(err error) bool {
			return !isInputError(err)
		},
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Info("breaker transition", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	result, err := breaker.Execute(func() (interface{}, error) {
		return eng.Invoke(ctx, job)
	})

# Pattern

	Closed --[threshold failures]-> Open --[reset timeout]-> Half-Open --[probes succeed]-> Closed
	                                                            |
	                                                     [probe fails]
	                                                            |
	                                                            v
	                                                          Open

The breaker has no terminal state. Results that arrive after the breaker has
changed state are dropped.
*/
package resilience
