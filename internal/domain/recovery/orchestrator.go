// Package recovery tears down and rebuilds a corrupted engine, throttling
// repeated attempts and reporting a terminal state once attempts run out.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/computeguard/internal/domain/threadpool"
	"github.com/GriffinCanCode/computeguard/internal/shared/clock"
)

var (
	// ErrInProgress is returned when a cycle is already running
	ErrInProgress = errors.New("recovery already in progress")
	// ErrThrottled is returned when the last attempt was too recent
	ErrThrottled = errors.New("recovery throttled")
	// ErrExhausted is returned once consecutive attempts are used up
	ErrExhausted = errors.New("automatic recovery exhausted")
)

// Outcome is the result of a recovery request
type Outcome string

const (
	OutcomeRecovered  Outcome = "recovered"
	OutcomeFailed     Outcome = "failed"
	OutcomeTerminal   Outcome = "terminal"
	OutcomeInProgress Outcome = "in_progress"
	OutcomeThrottled  Outcome = "throttled"
	OutcomeExhausted  Outcome = "exhausted"
)

// Target is the engine lifecycle the orchestrator rebuilds
type Target interface {
	Lifecycle() threadpool.Lifecycle
	Teardown()
	EnsureLoaded(ctx context.Context) error
	InitThreads(ctx context.Context, count int) (bool, error)
	RecoveryThreadCount(requested int) int
}

// Reporter is notified of cycle progress. Calls are made without holding
// the orchestrator lock.
type Reporter interface {
	RecoveryStarted(attempt int, cause error)
	RecoverySucceeded(attempt int)
	RecoveryFailed(attempt int, err error, exhausted bool)
	RecoverySkipped(outcome Outcome, cause error)
}

// Settings tunes throttling and the settle delay
type Settings struct {
	MaxConsecutiveAttempts int
	ThrottleWindow         time.Duration
	AttemptResetWindow     time.Duration
	SettleDelay            time.Duration
	Clock                  clock.Clock
	// Sleep waits for d or until ctx is done; defaults to a timer
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultSettings returns the default tunables
func DefaultSettings() Settings {
	return Settings{
		MaxConsecutiveAttempts: 2,
		ThrottleWindow:         5 * time.Second,
		AttemptResetWindow:     60 * time.Second,
		SettleDelay:            1500 * time.Millisecond,
	}
}

// State is a snapshot of the orchestrator
type State struct {
	Recovering    bool      `json:"recovering"`
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitempty"`
	Exhausted     bool      `json:"exhausted"`
	LastOutcome   Outcome   `json:"last_outcome,omitempty"`
}

// Orchestrator runs recovery cycles against a Target
type Orchestrator struct {
	target   Target
	reporter Reporter
	settings Settings
	clock    clock.Clock
	logger   *zap.Logger

	mu    sync.Mutex
	state State
}

// New creates an orchestrator. reporter may be nil.
func New(target Target, reporter Reporter, settings Settings, logger *zap.Logger) *Orchestrator {
	defaults := DefaultSettings()
	if settings.MaxConsecutiveAttempts <= 0 {
		settings.MaxConsecutiveAttempts = defaults.MaxConsecutiveAttempts
	}
	if settings.ThrottleWindow <= 0 {
		settings.ThrottleWindow = defaults.ThrottleWindow
	}
	if settings.AttemptResetWindow <= 0 {
		settings.AttemptResetWindow = defaults.AttemptResetWindow
	}
	if settings.SettleDelay < 0 {
		settings.SettleDelay = 0
	}
	if settings.Sleep == nil {
		settings.Sleep = sleep
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		target:   target,
		reporter: reporter,
		settings: settings,
		clock:    clock.OrReal(settings.Clock),
		logger:   logger.Named("recovery"),
	}
}

// State returns a copy of the orchestrator state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// IsRecovering reports whether a cycle is running
func (o *Orchestrator) IsRecovering() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Recovering
}

// IsExhausted reports whether automatic recovery has given up
func (o *Orchestrator) IsExhausted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Exhausted
}

// ResetWindowElapsed reports whether the attempt counter will reset on the
// next trigger
func (o *Orchestrator) ResetWindowElapsed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Recovering || o.state.LastAttemptAt.IsZero() {
		return false
	}
	return o.clock.Now().Sub(o.state.LastAttemptAt) > o.settings.AttemptResetWindow
}

// OnCatastrophicFailure runs a recovery cycle unless one is running, the
// last attempt was within the throttle window, or attempts are exhausted.
// It blocks until the cycle completes.
func (o *Orchestrator) OnCatastrophicFailure(ctx context.Context, cause error) (Outcome, error) {
	o.mu.Lock()
	if o.state.Recovering {
		o.mu.Unlock()
		o.skipped(OutcomeInProgress, cause)
		return OutcomeInProgress, ErrInProgress
	}

	now := o.clock.Now()
	if !o.state.LastAttemptAt.IsZero() {
		elapsed := now.Sub(o.state.LastAttemptAt)
		switch {
		case elapsed > o.settings.AttemptResetWindow:
			o.state.Attempts = 0
			o.state.Exhausted = false
		case elapsed < o.settings.ThrottleWindow:
			o.mu.Unlock()
			o.skipped(OutcomeThrottled, cause)
			return OutcomeThrottled, ErrThrottled
		}
	}

	if o.state.Attempts >= o.settings.MaxConsecutiveAttempts {
		o.state.Exhausted = true
		o.mu.Unlock()
		o.skipped(OutcomeExhausted, cause)
		return OutcomeExhausted, ErrExhausted
	}

	attempt := o.begin(now)
	o.mu.Unlock()

	return o.run(ctx, attempt, cause)
}

// Manual runs a cycle on request, bypassing throttling and exhaustion. It
// is still never re-entrant.
func (o *Orchestrator) Manual(ctx context.Context) (Outcome, error) {
	o.mu.Lock()
	if o.state.Recovering {
		o.mu.Unlock()
		return OutcomeInProgress, ErrInProgress
	}
	o.state.Attempts = 0
	o.state.Exhausted = false
	attempt := o.begin(o.clock.Now())
	o.mu.Unlock()

	return o.run(ctx, attempt, nil)
}

// begin must be called with the lock held
func (o *Orchestrator) begin(now time.Time) int {
	o.state.Recovering = true
	o.state.Attempts++
	o.state.LastAttemptAt = now
	return o.state.Attempts
}

func (o *Orchestrator) run(ctx context.Context, attempt int, cause error) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.finish(OutcomeFailed, false)
			panic(r)
		}
	}()

	o.logger.Warn("Starting recovery cycle",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", o.settings.MaxConsecutiveAttempts),
		zap.NamedError("cause", cause))
	if o.reporter != nil {
		o.reporter.RecoveryStarted(attempt, cause)
	}

	err = o.cycle(ctx)
	if err == nil {
		o.finish(OutcomeRecovered, true)

		o.logger.Info("Recovery cycle succeeded", zap.Int("attempt", attempt))
		if o.reporter != nil {
			o.reporter.RecoverySucceeded(attempt)
		}
		return OutcomeRecovered, nil
	}

	o.mu.Lock()
	exhausted := o.state.Attempts >= o.settings.MaxConsecutiveAttempts
	o.mu.Unlock()

	outcome = OutcomeFailed
	if exhausted {
		outcome = OutcomeTerminal
	}
	o.finish(outcome, false)

	o.logger.Error("Recovery cycle failed",
		zap.Int("attempt", attempt),
		zap.Bool("exhausted", exhausted),
		zap.Error(err))
	if o.reporter != nil {
		o.reporter.RecoveryFailed(attempt, err, exhausted)
	}

	if exhausted {
		return outcome, fmt.Errorf("%w: %w", ErrExhausted, err)
	}
	return outcome, err
}

// finish ends the cycle before the reporter is told, so observers see the
// final state
func (o *Orchestrator) finish(outcome Outcome, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.state.Recovering = false
	o.state.LastOutcome = outcome
	switch {
	case success:
		o.state.Attempts = 0
		o.state.Exhausted = false
	case outcome == OutcomeTerminal:
		o.state.Exhausted = true
	}
}

// cycle tears the engine down, waits for the host to settle, then reloads
// and restores a reduced worker pool if one was running.
func (o *Orchestrator) cycle(ctx context.Context) error {
	previous := o.target.Lifecycle()

	o.target.Teardown()
	o.logger.Debug("Engine torn down, settling", zap.Duration("delay", o.settings.SettleDelay))

	if err := o.settings.Sleep(ctx, o.settings.SettleDelay); err != nil {
		return fmt.Errorf("settle: %w", err)
	}

	if err := o.target.EnsureLoaded(ctx); err != nil {
		return fmt.Errorf("reload: %w", err)
	}

	if !previous.ThreadsInitialized {
		return nil
	}

	count := o.target.RecoveryThreadCount(previous.RequestedThreads)
	if _, err := o.target.InitThreads(ctx, count); err != nil {
		return fmt.Errorf("reinit threads: %w", err)
	}
	o.logger.Info("Worker pool restored", zap.Int("threads", count))
	return nil
}

func (o *Orchestrator) skipped(outcome Outcome, cause error) {
	o.logger.Debug("Recovery skipped", zap.String("outcome", string(outcome)), zap.NamedError("cause", cause))
	if o.reporter != nil {
		o.reporter.RecoverySkipped(outcome, cause)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
