package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/computeguard/internal/shared/clock"
)

var (
	errSystem = errors.New("unreachable executed")
	errInput  = errors.New("invalid configuration value")
)

func newTestBreaker(clk clock.Clock) *Breaker {
	return New("engine", Settings{
		FailureThreshold:  3,
		ResetTimeout:      30 * time.Second,
		HalfOpenMaxProbes: 1,
		Clock:             clk,
		IsCountable: func(err error) bool {
			return !errors.Is(err, errInput)
		},
	})
}

func fail(err error) func() (interface{}, error) {
	return func() (interface{}, error) { return nil, err }
}

func succeed() (interface{}, error) { return "ok", nil }

func TestBreakerDefaults(t *testing.T) {
	b := New("test", Settings{})
	assert.Equal(t, uint32(3), b.settings.FailureThreshold)
	assert.Equal(t, 30*time.Second, b.settings.ResetTimeout)
	assert.Equal(t, uint32(1), b.settings.HalfOpenMaxProbes)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "test", b.Name())
}

func TestBreakerStateTransitions(t *testing.T) {
	tests := []struct {
		name          string
		requests      []error // nil = success
		expectedState State
		failures      uint32
	}{
		{
			name:          "stays closed on successes",
			requests:      []error{nil, nil, nil},
			expectedState: StateClosed,
		},
		{
			name:          "opens after consecutive system failures",
			requests:      []error{errSystem, errSystem, errSystem},
			expectedState: StateOpen,
			failures:      3,
		},
		{
			name:          "success resets the consecutive count",
			requests:      []error{errSystem, errSystem, nil, errSystem, errSystem},
			expectedState: StateClosed,
			failures:      2,
		},
		{
			name:          "input errors never count",
			requests:      []error{errInput, errInput, errInput, errInput, errInput},
			expectedState: StateClosed,
			failures:      0,
		},
		{
			name:          "input errors do not break a failure streak",
			requests:      []error{errSystem, errInput, errSystem, errInput, errSystem},
			expectedState: StateOpen,
			failures:      3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBreaker(clock.NewManual(time.Unix(0, 0)))

			for _, reqErr := range tt.requests {
				if reqErr == nil {
					_, err := b.Execute(succeed)
					require.NoError(t, err)
					continue
				}
				_, err := b.Execute(fail(reqErr))
				require.ErrorIs(t, err, reqErr)
			}

			assert.Equal(t, tt.expectedState, b.State())
			assert.Equal(t, tt.failures, b.Counts().ConsecutiveFailures)
		})
	}
}

func TestBreakerOpenRejectsWithoutCalling(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	b := newTestBreaker(clk)

	for i := 0; i < 3; i++ {
		_, _ = b.Execute(fail(errSystem))
	}
	require.Equal(t, StateOpen, b.State())

	called := false
	_, err := b.Execute(func() (interface{}, error) {
		called = true
		return "ok", nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	// Still open right up to the deadline
	clk.Advance(30*time.Second - time.Nanosecond)
	assert.False(t, b.ShouldAllow())
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerHalfOpenProbeSucceeds(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	b := newTestBreaker(clk)

	for i := 0; i < 3; i++ {
		_, _ = b.Execute(fail(errSystem))
	}
	clk.Advance(30 * time.Second)

	assert.Equal(t, StateHalfOpen, b.EvaluateTransition())

	_, err := b.Execute(succeed)
	require.NoError(t, err)

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(0), b.Counts().ConsecutiveFailures)
}

func TestBreakerHalfOpenProbeFails(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	b := newTestBreaker(clk)

	for i := 0; i < 3; i++ {
		_, _ = b.Execute(fail(errSystem))
	}
	clk.Advance(31 * time.Second)

	_, err := b.Execute(fail(errSystem))
	require.ErrorIs(t, err, errSystem)

	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, clk.Now().Add(30*time.Second), b.Snapshot().OpenUntil)
	assert.False(t, b.ShouldAllow())
}

func TestBreakerHalfOpenAllowsExactlyOneProbe(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	b := newTestBreaker(clk)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.Advance(30 * time.Second)

	assert.True(t, b.ShouldAllow())
	assert.False(t, b.ShouldAllow())
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.ShouldAllow())
}

func TestBreakerConcurrentHalfOpenProbes(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	b := newTestBreaker(clk)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.Advance(time.Minute)

	release := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted, rejected := 0, 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Execute(func() (interface{}, error) {
				<-release
				return "ok", nil
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				admitted++
			} else {
				rejected++
			}
		}()
	}

	// Every rejected caller returns without blocking on release
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return rejected == 9
	}, time.Second, time.Millisecond)

	close(release)
	wg.Wait()

	assert.Equal(t, 1, admitted)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerIgnoredProbeReleasesSlot(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	b := newTestBreaker(clk)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.Advance(time.Minute)

	_, err := b.Execute(fail(errInput))
	require.ErrorIs(t, err, errInput)
	assert.Equal(t, StateHalfOpen, b.State())

	_, err = b.Execute(succeed)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerReleaseReturnsProbeSlot(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	b := newTestBreaker(clk)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.Advance(time.Minute)

	require.True(t, b.ShouldAllow())
	require.False(t, b.ShouldAllow(), "slot held until an outcome or release")

	b.Release()
	assert.Equal(t, StateHalfOpen, b.State())
	assert.Zero(t, b.Counts().HalfOpenInFlight)
	assert.Zero(t, b.Counts().HalfOpenProbesUsed)

	require.True(t, b.ShouldAllow())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())

	// No-op outside half-open
	b.Release()
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.ShouldAllow())
}

func TestBreakerMultipleProbes(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	b := New("test", Settings{HalfOpenMaxProbes: 2, Clock: clk})

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.Advance(30 * time.Second)

	_, err := b.Execute(succeed)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, b.State())
	assert.Equal(t, uint32(1), b.Counts().HalfOpenProbesUsed)

	_, err = b.Execute(succeed)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerStaleGenerationIgnored(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	b := newTestBreaker(clk)

	started := make(chan struct{})
	finish := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _ = b.Execute(func() (interface{}, error) {
			close(started)
			<-finish
			return nil, errSystem
		})
	}()

	<-started
	b.Reset()
	close(finish)
	<-done

	assert.Equal(t, uint32(0), b.Counts().ConsecutiveFailures)
}

func TestBreakerPanicCountsAsFailure(t *testing.T) {
	b := newTestBreaker(clock.NewManual(time.Unix(0, 0)))

	assert.Panics(t, func() {
		_, _ = b.Execute(func() (interface{}, error) {
			panic("boom")
		})
	})
	assert.Equal(t, uint32(1), b.Counts().ConsecutiveFailures)
}

func TestBreakerCallbacks(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	var transitions []string

	b := New("test", Settings{
		Clock: clk,
		OnStateChange: func(name string, from State, to State) {
			assert.Equal(t, "test", name)
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	for i := 0; i < 3; i++ {
		_, _ = b.Execute(fail(errSystem))
	}
	clk.Advance(30 * time.Second)
	b.EvaluateTransition()
	_, _ = b.Execute(succeed)

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreakerCallbackMayReadState(t *testing.T) {
	var b *Breaker
	var seen State
	b = New("test", Settings{
		FailureThreshold: 1,
		OnStateChange: func(_ string, _ State, _ State) {
			seen = b.State()
		},
	})

	b.RecordFailure()
	assert.Equal(t, StateOpen, seen)
}

func TestBreakerSnapshot(t *testing.T) {
	clk := clock.NewManual(time.Unix(100, 0))
	b := newTestBreaker(clk)

	b.RecordSuccess()
	clk.Advance(time.Second)
	b.RecordFailure()

	snap := b.Snapshot()
	assert.Equal(t, "engine", snap.Name)
	assert.Equal(t, "closed", snap.State)
	assert.Equal(t, uint32(1), snap.FailureCount)
	assert.Equal(t, time.Unix(100, 0), snap.LastSuccessAt)
	assert.Equal(t, time.Unix(101, 0), snap.LastFailureAt)
	assert.True(t, snap.OpenUntil.IsZero())
}

func TestBreakerReset(t *testing.T) {
	b := newTestBreaker(clock.NewManual(time.Unix(0, 0)))
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, Counts{}, b.Counts())
	assert.True(t, b.ShouldAllow())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
