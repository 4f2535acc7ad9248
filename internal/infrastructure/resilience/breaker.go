package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/GriffinCanCode/computeguard/internal/shared/clock"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many half-open probes in flight")
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures the circuit breaker behavior
type Settings struct {
	// FailureThreshold is the number of consecutive counted failures that opens the circuit
	FailureThreshold uint32
	// ResetTimeout is how long the circuit stays open before allowing a probe
	ResetTimeout time.Duration
	// HalfOpenMaxProbes is the number of successful probes required to close
	HalfOpenMaxProbes uint32
	// IsCountable decides whether a failed request counts against the breaker.
	// Uncounted failures leave the counts untouched. Defaults to counting every error.
	IsCountable func(err error) bool
	// OnStateChange is called whenever the state changes, outside the breaker lock
	OnStateChange func(name string, from State, to State)
	// Clock is the time source; defaults to the wall clock
	Clock clock.Clock
}

// Counts holds the statistics for the circuit breaker
type Counts struct {
	Requests            uint32
	TotalSuccesses      uint32
	TotalFailures       uint32
	ConsecutiveFailures uint32
	HalfOpenProbesUsed  uint32
	HalfOpenInFlight    uint32
}

// Snapshot is a point-in-time view of the breaker
type Snapshot struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	FailureCount  uint32    `json:"failure_count"`
	ProbesUsed    uint32    `json:"half_open_probes_used"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	OpenUntil     time.Time `json:"open_until,omitempty"`
}

type transition struct {
	from, to State
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name     string
	settings Settings
	clock    clock.Clock

	mu            sync.Mutex
	state         State
	generation    uint64
	counts        Counts
	lastFailureAt time.Time
	lastSuccessAt time.Time
	openUntil     time.Time
	pending       []transition
}

// New creates a new circuit breaker with the given settings
func New(name string, settings Settings) *Breaker {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 3
	}
	if settings.ResetTimeout == 0 {
		settings.ResetTimeout = 30 * time.Second
	}
	if settings.HalfOpenMaxProbes == 0 {
		settings.HalfOpenMaxProbes = 1
	}
	if settings.IsCountable == nil {
		settings.IsCountable = func(error) bool { return true }
	}

	return &Breaker{
		name:     name,
		settings: settings,
		clock:    clock.OrReal(settings.Clock),
		state:    StateClosed,
	}
}

// Name returns the name of the circuit breaker
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state without evaluating the open timeout
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.state
}

// Counts returns a copy of the internal counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.counts
}

// Snapshot returns a copy of the breaker state for diagnostics
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		Name:          b.name,
		State:         b.state.String(),
		FailureCount:  b.counts.ConsecutiveFailures,
		ProbesUsed:    b.counts.HalfOpenProbesUsed,
		LastFailureAt: b.lastFailureAt,
		LastSuccessAt: b.lastSuccessAt,
		OpenUntil:     b.openUntil,
	}
}

// EvaluateTransition moves an open circuit to half-open once the reset
// timeout has elapsed.
func (b *Breaker) EvaluateTransition() State {
	b.mu.Lock()
	b.evaluate(b.clock.Now())
	state := b.state
	b.unlockAndNotify()
	return state
}

// ShouldAllow reports whether a request may proceed. An allowed half-open
// request reserves a probe slot, so every true result must be followed by
// exactly one of RecordSuccess, RecordFailure or Release. Execute does this
// itself.
func (b *Breaker) ShouldAllow() bool {
	b.mu.Lock()
	_, err := b.admit(b.clock.Now())
	b.unlockAndNotify()
	return err == nil
}

// RecordSuccess records a successful request against the current state
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.onSuccess(b.clock.Now())
	b.unlockAndNotify()
}

// RecordFailure records a counted failure against the current state
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.onFailure(b.clock.Now())
	b.unlockAndNotify()
}

// Release returns a probe slot reserved by ShouldAllow without recording an
// outcome, for a request that was abandoned or failed in a way that does not
// count. It is a no-op unless the circuit is half-open.
func (b *Breaker) Release() {
	b.mu.Lock()
	b.releaseProbe()
	b.unlockAndNotify()
}

// Reset forces the breaker closed and clears all counts
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.setState(StateClosed)
	b.counts = Counts{}
	b.openUntil = time.Time{}
	b.generation++
	b.unlockAndNotify()
}

// Execute runs the given request if the circuit breaker accepts it.
// Failures for which IsCountable returns false release any probe slot but
// leave the counts unchanged.
func (b *Breaker) Execute(req func() (interface{}, error)) (interface{}, error) {
	generation, err := b.beforeRequest()
	if err != nil {
		return nil, err
	}

	defer func() {
		e := recover()
		if e != nil {
			b.afterRequest(generation, outcomeFailure)
			panic(e)
		}
	}()

	result, err := req()
	switch {
	case err == nil:
		b.afterRequest(generation, outcomeSuccess)
	case b.settings.IsCountable(err):
		b.afterRequest(generation, outcomeFailure)
	default:
		b.afterRequest(generation, outcomeIgnored)
	}
	return result, err
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeIgnored
)

// beforeRequest is called before a request is executed
func (b *Breaker) beforeRequest() (uint64, error) {
	b.mu.Lock()
	generation, err := b.admit(b.clock.Now())
	b.unlockAndNotify()
	return generation, err
}

// afterRequest is called after a request is executed. Results from an
// earlier generation are dropped.
func (b *Breaker) afterRequest(before uint64, result outcome) {
	b.mu.Lock()
	defer b.unlockAndNotify()

	if b.generation != before {
		return
	}

	now := b.clock.Now()
	switch result {
	case outcomeSuccess:
		b.onSuccess(now)
	case outcomeFailure:
		b.onFailure(now)
	case outcomeIgnored:
		b.releaseProbe()
	}
}

// admit must be called with the lock held
func (b *Breaker) admit(now time.Time) (uint64, error) {
	b.evaluate(now)

	switch b.state {
	case StateOpen:
		return b.generation, ErrCircuitOpen
	case StateHalfOpen:
		if b.counts.HalfOpenProbesUsed+b.counts.HalfOpenInFlight >= b.settings.HalfOpenMaxProbes {
			return b.generation, ErrTooManyRequests
		}
		b.counts.HalfOpenInFlight++
	}

	b.counts.Requests++
	return b.generation, nil
}

func (b *Breaker) evaluate(now time.Time) {
	if b.state == StateOpen && !now.Before(b.openUntil) {
		b.setState(StateHalfOpen)
	}
}

func (b *Breaker) onSuccess(now time.Time) {
	b.lastSuccessAt = now
	b.counts.TotalSuccesses++

	switch b.state {
	case StateClosed:
		b.counts.ConsecutiveFailures = 0
	case StateHalfOpen:
		b.releaseProbe()
		b.counts.HalfOpenProbesUsed++
		if b.counts.HalfOpenProbesUsed >= b.settings.HalfOpenMaxProbes {
			b.setState(StateClosed)
		}
	}
}

func (b *Breaker) onFailure(now time.Time) {
	b.lastFailureAt = now
	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++

	switch b.state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.settings.FailureThreshold {
			b.trip(now)
		}
	case StateHalfOpen:
		b.trip(now)
	}
}

func (b *Breaker) trip(now time.Time) {
	b.openUntil = now.Add(b.settings.ResetTimeout)
	b.setState(StateOpen)
}

func (b *Breaker) releaseProbe() {
	if b.state == StateHalfOpen && b.counts.HalfOpenInFlight > 0 {
		b.counts.HalfOpenInFlight--
	}
}

// setState changes the state and queues the change notification
func (b *Breaker) setState(state State) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state
	b.generation++

	switch state {
	case StateClosed:
		b.counts.ConsecutiveFailures = 0
		b.counts.HalfOpenProbesUsed = 0
		b.counts.HalfOpenInFlight = 0
		b.openUntil = time.Time{}
	case StateHalfOpen:
		b.counts.HalfOpenProbesUsed = 0
		b.counts.HalfOpenInFlight = 0
	case StateOpen:
		b.counts.HalfOpenInFlight = 0
	}

	b.pending = append(b.pending, transition{from: prev, to: state})
}

// unlockAndNotify releases the lock and then fires queued callbacks
func (b *Breaker) unlockAndNotify() {
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	if b.settings.OnStateChange == nil {
		return
	}
	for _, t := range pending {
		b.settings.OnStateChange(b.name, t.from, t.to)
	}
}
