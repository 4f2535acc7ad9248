package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/computeguard/internal/domain/classify"
	"github.com/GriffinCanCode/computeguard/internal/domain/recovery"
	"github.com/GriffinCanCode/computeguard/internal/domain/threadpool"
	"github.com/GriffinCanCode/computeguard/internal/engine"
	"github.com/GriffinCanCode/computeguard/internal/engine/enginetest"
	"github.com/GriffinCanCode/computeguard/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/computeguard/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/computeguard/internal/shared/clock"
)

const waitFor = 2 * time.Second

func newTestController(t *testing.T, hw int) (*Controller, *enginetest.Fake, *clock.Manual) {
	t.Helper()

	fake := enginetest.NewFake(hw)
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	c := New(fake, Options{
		Clock: clk,
		Recovery: recovery.Settings{
			Sleep: func(ctx context.Context, d time.Duration) error { return ctx.Err() },
		},
	}).WithMetrics(monitoring.NewMetrics(prometheus.NewRegistry()))
	t.Cleanup(func() { _ = c.Close() })

	return c, fake, clk
}

func fail(msg string) func(ctx context.Context) (interface{}, error) {
	return func(ctx context.Context) (interface{}, error) {
		return nil, errors.New(msg)
	}
}

func ok(ctx context.Context) (interface{}, error) { return "ok", nil }

func TestUnreachableFailuresOpenBreakerAndRecover(t *testing.T) {
	c, fake, _ := newTestController(t, 8)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, InitOptions{Threads: 8}))

	// Recovery reload blocks so the intermediate state can be observed
	releaseLoad := make(chan struct{})
	var atReload threadpool.Lifecycle
	fake.SetLoad(func(ctx context.Context) error {
		atReload = c.pool.Lifecycle()
		<-releaseLoad
		return nil
	})

	// Three calls in flight together, all failing with corrupted state
	var started sync.WaitGroup
	fire := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, 3)
	started.Add(3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.ExecuteGuarded(ctx, "stats", func(ctx context.Context) (interface{}, error) {
				started.Done()
				<-fire
				return nil, errors.New("RuntimeError: unreachable executed")
			})
		}(i)
	}
	started.Wait()
	close(fire)
	wg.Wait()

	for _, err := range errs {
		var classified *classify.Error
		require.ErrorAs(t, err, &classified)
		assert.True(t, classified.Catastrophic)
	}

	assert.Equal(t, resilience.StateOpen, c.CircuitState())
	assert.True(t, c.IsPanicked())
	assert.True(t, c.HasError())

	require.Eventually(t, c.IsRecovering, waitFor, time.Millisecond)
	assert.Equal(t, RecoveringMessage, c.ErrorMessage())
	assert.Equal(t, PhaseRecovering, c.Snapshot().Phase)

	_, err := c.ExecuteGuarded(ctx, "stats", ok)
	assert.ErrorIs(t, err, ErrRecoveryInProgress)

	close(releaseLoad)
	require.Eventually(t, func() bool { return !c.IsRecovering() && !c.HasError() }, waitFor, time.Millisecond)

	// Teardown reset the pool before the reload
	assert.False(t, atReload.ThreadsInitialized)
	assert.False(t, atReload.Loaded)

	// Exactly one cycle ran and restored a reduced pool
	assert.Equal(t, 1, fake.Disposes())
	assert.Equal(t, []int{8, 4}, fake.Inits())
	assert.False(t, c.IsPanicked())
	assert.Empty(t, c.ErrorMessage())
	assert.Nil(t, c.RecoverySuggestions())
}

func TestConfigFailureKeepsBreakerClosed(t *testing.T) {
	c, fake, _ := newTestController(t, 4)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, InitOptions{}))

	_, err := c.ExecuteGuarded(ctx, "stats", fail("invalid configuration value"))
	var classified *classify.Error
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, classify.KindConfig, classified.Kind)
	assert.False(t, classified.Catastrophic)

	for i := 0; i < 10; i++ {
		_, _ = c.ExecuteGuarded(ctx, "stats", func(ctx context.Context) (interface{}, error) {
			return nil, engine.Errorf(engine.CodeInvalidInput, "stats", "weights length mismatch")
		})
	}

	assert.Equal(t, resilience.StateClosed, c.CircuitState())
	assert.Equal(t, uint32(0), c.Snapshot().Circuit.FailureCount)
	assert.False(t, c.HasError())
	assert.False(t, c.IsRecovering())
	assert.Equal(t, 0, fake.Disposes())
}

func TestProcessingFailureIsSurfacedOnly(t *testing.T) {
	c, _, _ := newTestController(t, 4)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, InitOptions{}))

	for i := 0; i < 5; i++ {
		_, err := c.ExecuteGuarded(ctx, "matrix", func(ctx context.Context) (interface{}, error) {
			return nil, engine.Errorf(engine.CodeProcessing, "matrix", "matrix is singular")
		})
		var classified *classify.Error
		require.ErrorAs(t, err, &classified)
		assert.Equal(t, classify.KindProcessing, classified.Kind)
	}

	assert.Equal(t, resilience.StateClosed, c.CircuitState())
	assert.False(t, c.HasError())
}

func TestSystemFailuresOpenBreaker(t *testing.T) {
	c, _, clk := newTestController(t, 4)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, InitOptions{}))

	for i := 0; i < 3; i++ {
		_, err := c.ExecuteGuarded(ctx, "stats", fail("allocation of 2GiB refused"))
		require.Error(t, err)
	}
	assert.Equal(t, resilience.StateOpen, c.CircuitState())
	assert.True(t, c.HasError())
	assert.False(t, c.IsPanicked())
	assert.Equal(t, classify.Suggestions(classify.KindMemory), c.RecoverySuggestions())

	called := false
	_, err := c.ExecuteGuarded(ctx, "stats", func(ctx context.Context) (interface{}, error) {
		called = true
		return "ok", nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	// Rejected calls never reached the engine and are not jobs
	stats := c.Snapshot().Jobs
	assert.Equal(t, uint64(3), stats.Failed)
	assert.Zero(t, stats.InFlight)
	assert.Len(t, c.RecentJobs(10), 3)

	clk.Advance(30 * time.Second)
	result, err := c.ExecuteGuarded(ctx, "stats", ok)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, resilience.StateClosed, c.CircuitState())
	assert.False(t, c.HasError(), "success clears a non-catastrophic error")
}

func TestExecuteBeforeInitialize(t *testing.T) {
	c, _, _ := newTestController(t, 4)

	_, err := c.ExecuteGuarded(context.Background(), "stats", ok)
	assert.ErrorIs(t, err, ErrNotLoaded)

	var classified *classify.Error
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, classify.KindConfig, classified.Kind)
	assert.False(t, c.HasError())
	assert.Equal(t, PhaseUninitialized, c.Snapshot().Phase)
}

func TestThrottledSecondCatastrophe(t *testing.T) {
	c, fake, _ := newTestController(t, 4)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, InitOptions{SkipThreads: true}))

	_, err := c.ExecuteGuarded(ctx, "stats", fail("stack overflow"))
	require.Error(t, err)
	require.Eventually(t, func() bool {
		return c.recovery.State().LastOutcome == recovery.OutcomeRecovered && !c.HasError()
	}, waitFor, time.Millisecond)

	// Second catastrophe inside the throttle window is a no-op
	_, err = c.ExecuteGuarded(ctx, "stats", fail("stack overflow"))
	require.Error(t, err)
	require.Eventually(t, func() bool {
		return testMetricRecoveries(c, recovery.OutcomeThrottled) == 1
	}, waitFor, time.Millisecond)

	assert.Equal(t, 1, fake.Disposes())
	assert.True(t, c.IsPanicked(), "original error stays in place")
}

func TestRecoveryExhaustionIsTerminal(t *testing.T) {
	c, fake, clk := newTestController(t, 4)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, InitOptions{Threads: 2}))

	fake.SetLoad(func(ctx context.Context) error { return errors.New("out of memory") })

	_, err := c.ExecuteGuarded(ctx, "stats", fail("unreachable executed"))
	require.Error(t, err)
	require.Eventually(t, func() bool {
		return c.recovery.State().LastOutcome == recovery.OutcomeFailed
	}, waitFor, time.Millisecond)

	assert.False(t, c.IsTerminal())
	assert.Contains(t, c.ErrorMessage(), "unreachable executed", "original error stays in place")

	// The engine is unloaded; the next call retries recovery
	clk.Advance(6 * time.Second)
	_, err = c.ExecuteGuarded(ctx, "stats", ok)
	require.Error(t, err)
	require.Eventually(t, c.IsTerminal, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return !c.IsRecovering() }, waitFor, time.Millisecond)

	assert.Equal(t, TerminalMessage, c.ErrorMessage())
	assert.Contains(t, c.ErrorMessage(), "full restart")
	assert.Contains(t, c.RecoverySuggestions()[0], "Restart")
	assert.Equal(t, PhaseTerminal, c.Snapshot().Phase)
	assert.True(t, c.IsPanicked())
	assert.Equal(t, 2, fake.Disposes())

	_, err = c.ExecuteGuarded(ctx, "stats", ok)
	assert.ErrorIs(t, err, ErrTerminal)

	// A manual recovery is still allowed and clears the terminal state
	fake.SetLoad(nil)
	require.NoError(t, c.RequestManualRecovery(ctx))
	assert.False(t, c.IsTerminal())
	assert.False(t, c.HasError())
	assert.True(t, c.IsInitialized())
}

func TestTerminalRetriesAfterResetWindow(t *testing.T) {
	c, fake, clk := newTestController(t, 4)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, InitOptions{Threads: 2}))

	fake.SetLoad(func(ctx context.Context) error { return errors.New("out of memory") })
	_, err := c.ExecuteGuarded(ctx, "stats", fail("unreachable executed"))
	require.Error(t, err)
	require.Eventually(t, func() bool {
		return c.recovery.State().LastOutcome == recovery.OutcomeFailed
	}, waitFor, time.Millisecond)

	clk.Advance(6 * time.Second)
	_, _ = c.ExecuteGuarded(ctx, "stats", ok)
	require.Eventually(t, c.IsTerminal, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return !c.IsRecovering() }, waitFor, time.Millisecond)

	// Still inside the window: refused without another attempt
	clk.Advance(30 * time.Second)
	_, err = c.ExecuteGuarded(ctx, "stats", ok)
	assert.ErrorIs(t, err, ErrTerminal)
	assert.Equal(t, 2, fake.Disposes())

	fake.SetLoad(nil)
	clk.Advance(31 * time.Second)
	_, err = c.ExecuteGuarded(ctx, "stats", ok)
	assert.ErrorIs(t, err, ErrTerminal)

	require.Eventually(t, func() bool {
		return !c.IsTerminal() && c.IsInitialized()
	}, waitFor, time.Millisecond)
	assert.False(t, c.HasError())
	assert.Equal(t, 3, fake.Disposes())

	out, err := c.ExecuteGuarded(ctx, "stats", ok)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func waitEvent(t *testing.T, events <-chan Event, message string) Event {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case ev, open := <-events:
			require.True(t, open, "stream closed before %q", message)
			if ev.Message == message {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %q event", message)
		}
	}
}

func TestRecoveryEventsCarryFinalPhase(t *testing.T) {
	c, fake, clk := newTestController(t, 4)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, InitOptions{Threads: 2}))
	_, events, cancel := c.Subscribe(64)
	defer cancel()

	_, err := c.ExecuteGuarded(ctx, "stats", fail("unreachable executed"))
	require.Error(t, err)

	ev := waitEvent(t, events, "recovery attempt 1 succeeded")
	assert.Equal(t, PhaseReady, ev.Status.Phase)
	assert.False(t, ev.Status.Recovering)
	assert.Empty(t, ev.Status.Message)

	fake.SetLoad(func(ctx context.Context) error { return errors.New("out of memory") })
	clk.Advance(6 * time.Second)
	_, err = c.ExecuteGuarded(ctx, "stats", fail("unreachable executed"))
	require.Error(t, err)

	ev = waitEvent(t, events, "recovery attempt 1 failed")
	assert.Equal(t, PhaseError, ev.Status.Phase)
	assert.Contains(t, ev.Status.Message, "unreachable executed")

	clk.Advance(6 * time.Second)
	_, _ = c.ExecuteGuarded(ctx, "stats", ok)

	ev = waitEvent(t, events, "recovery attempt 2 failed")
	assert.Equal(t, PhaseTerminal, ev.Status.Phase)
	assert.Equal(t, TerminalMessage, ev.Status.Message)
	assert.True(t, ev.Status.Terminal)
}

func TestManualRecoveryWithoutFailure(t *testing.T) {
	c, fake, _ := newTestController(t, 16)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, InitOptions{Threads: 16}))

	require.NoError(t, c.RequestManualRecovery(ctx))

	assert.Equal(t, 1, fake.Disposes())
	assert.Equal(t, []int{16, 4}, fake.Inits())
	assert.Equal(t, 4, c.Snapshot().Lifecycle.EffectiveThreads)
}

func TestPanicInCallIsCatastrophic(t *testing.T) {
	c, fake, _ := newTestController(t, 4)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, InitOptions{SkipThreads: true}))

	_, err := c.ExecuteGuarded(ctx, "script", func(ctx context.Context) (interface{}, error) {
		var m map[string]int
		m["boom"] = 1
		return nil, nil
	})

	var classified *classify.Error
	require.ErrorAs(t, err, &classified)
	assert.True(t, classified.Catastrophic)

	var engErr *engine.Error
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, engine.CodePanic, engErr.Code)

	require.Eventually(t, func() bool { return fake.Disposes() == 1 }, waitFor, time.Millisecond)
}

func TestInvoke(t *testing.T) {
	c, fake, _ := newTestController(t, 4)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, InitOptions{}))

	fake.SetInvoke(func(ctx context.Context, job engine.Job) (*engine.Output, error) {
		stats := job.(engine.StatsJob)
		return &engine.Output{JobType: job.Type(), Scalars: map[string]float64{"n": float64(len(stats.Values))}}, nil
	})

	out, err := c.Invoke(ctx, engine.StatsJob{Values: []float64{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, 3.0, out.Scalars["n"])

	recent := c.RecentJobs(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "stats", recent[0].Type)

	_, err = c.Invoke(ctx, nil)
	assert.Error(t, err)
}

func TestInvokeUnsupportedJob(t *testing.T) {
	c, fake, _ := newTestController(t, 4)
	fake.Caps.Jobs = []engine.JobType{engine.JobStats}
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, InitOptions{}))

	_, err := c.Invoke(ctx, engine.ScriptJob{Source: "1+1"})
	assert.ErrorIs(t, err, ErrUnsupportedJob)

	var classified *classify.Error
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, classify.KindConfig, classified.Kind)
	assert.Equal(t, 0, fake.Invokes())
}

func TestExecuteTyped(t *testing.T) {
	c, _, _ := newTestController(t, 4)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, InitOptions{}))

	n, err := Execute(ctx, c, "stats", func(ctx context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	n, err = Execute(ctx, c, "stats", func(ctx context.Context) (int, error) {
		return 0, errors.New("invalid parameter")
	})
	assert.Error(t, err)
	assert.Zero(t, n)
}

func TestInitializeThreadsUnsupported(t *testing.T) {
	c, fake, _ := newTestController(t, 4)
	fake.Caps.ThreadingSupported = false
	ctx := context.Background()

	require.NoError(t, c.Initialize(ctx, InitOptions{Threads: 4}))
	ok, err := c.InitializeThreads(ctx, 4)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, c.IsInitialized())
}

func TestInitializeLoadFailure(t *testing.T) {
	c, fake, _ := newTestController(t, 4)
	fake.SetLoad(func(ctx context.Context) error {
		return engine.Errorf(engine.CodeOutOfMemory, "load", "could not allocate module memory")
	})

	err := c.Initialize(context.Background(), InitOptions{})
	var classified *classify.Error
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, classify.KindMemory, classified.Kind)
	assert.True(t, c.HasError())
	assert.False(t, c.IsInitialized())
}

func TestForceSingleThreaded(t *testing.T) {
	c, fake, _ := newTestController(t, 8)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, InitOptions{Threads: 8}))

	ok, err := c.ForceSingleThreaded(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []int{1}, fake.Resizes())
}

func TestSubscribeReceivesBreakerEvents(t *testing.T) {
	c, _, _ := newTestController(t, 4)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, InitOptions{}))

	_, events, cancel := c.Subscribe(32)
	defer cancel()
	assert.Equal(t, 1, c.Subscribers())

	for i := 0; i < 3; i++ {
		_, _ = c.ExecuteGuarded(ctx, "stats", fail("thread pool exhausted"))
	}

	var sawBreaker bool
	timeout := time.After(waitFor)
	for !sawBreaker {
		select {
		case ev := <-events:
			if ev.Type == EventBreaker {
				sawBreaker = true
				assert.Equal(t, "closed -> open", ev.Message)
				assert.Equal(t, "open", ev.Status.Circuit.State)
			}
		case <-timeout:
			t.Fatal("no breaker event")
		}
	}

	cancel()
	assert.Equal(t, 0, c.Subscribers())
	for range events {
		// drain until closed
	}
}

func TestResetBreaker(t *testing.T) {
	c, _, _ := newTestController(t, 4)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, InitOptions{}))

	for i := 0; i < 3; i++ {
		_, _ = c.ExecuteGuarded(ctx, "stats", fail("allocation refused"))
	}
	require.Equal(t, resilience.StateOpen, c.CircuitState())

	c.ResetBreaker()
	assert.Equal(t, resilience.StateClosed, c.CircuitState())
}

func TestClose(t *testing.T) {
	c, fake, _ := newTestController(t, 4)
	ctx := context.Background()
	require.NoError(t, c.Initialize(ctx, InitOptions{}))

	_, events, _ := c.Subscribe(1)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, fake.Disposes())

	_, err := c.ExecuteGuarded(ctx, "stats", ok)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Initialize(ctx, InitOptions{}), ErrClosed)

	_, open := <-events
	assert.False(t, open)
}

func TestCloseRacesAutomaticRecovery(t *testing.T) {
	for i := 0; i < 20; i++ {
		c, fake, _ := newTestController(t, 4)
		ctx := context.Background()
		require.NoError(t, c.Initialize(ctx, InitOptions{Threads: 2}))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = c.ExecuteGuarded(ctx, "stats", fail("unreachable executed"))
		}()
		go func() {
			defer wg.Done()
			_ = c.Close()
		}()
		wg.Wait()
		require.NoError(t, c.Close())

		// Once closed, no late cycle touches the engine
		disposes := fake.Disposes()
		time.Sleep(5 * time.Millisecond)
		assert.Equal(t, disposes, fake.Disposes())
		assert.False(t, c.IsRecovering())
	}
}

func TestSnapshotReady(t *testing.T) {
	c, _, _ := newTestController(t, 4)
	require.NoError(t, c.Initialize(context.Background(), InitOptions{Threads: 2}))

	status := c.Snapshot()
	assert.Equal(t, PhaseReady, status.Phase)
	assert.True(t, status.Initialized)
	assert.Equal(t, 2, status.Lifecycle.EffectiveThreads)
	assert.Equal(t, "mock", status.Capabilities.Backend)
	assert.Equal(t, "closed", status.Circuit.State)
}

func testMetricRecoveries(c *Controller, outcome recovery.Outcome) float64 {
	return testutil.ToFloat64(c.metrics.Recoveries.WithLabelValues(string(outcome)))
}
