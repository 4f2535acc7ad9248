package controller

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/computeguard/internal/domain/recovery"
)

var _ recovery.Reporter = (*Controller)(nil)

// RecoveryStarted implements recovery.Reporter
func (c *Controller) RecoveryStarted(attempt int, cause error) {
	c.tracker.Reset()
	c.metrics.SetJobsInFlight(0)
	c.publish(EventRecovery, fmt.Sprintf("recovery attempt %d started", attempt))
}

// RecoverySucceeded implements recovery.Reporter
func (c *Controller) RecoverySucceeded(attempt int) {
	c.mu.Lock()
	c.lastErr = nil
	c.terminal = false
	c.mu.Unlock()

	c.metrics.RecordRecovery(string(recovery.OutcomeRecovered))
	c.metrics.SetThreads(c.pool.Lifecycle().EffectiveThreads)
	c.publish(EventRecovery, fmt.Sprintf("recovery attempt %d succeeded", attempt))
}

// RecoveryFailed implements recovery.Reporter
func (c *Controller) RecoveryFailed(attempt int, err error, exhausted bool) {
	c.mu.Lock()
	if exhausted {
		c.terminal = true
	}
	if c.lastErr == nil {
		c.lastErr = c.classifier.ClassifyError(err)
	}
	c.mu.Unlock()

	outcome := recovery.OutcomeFailed
	if exhausted {
		outcome = recovery.OutcomeTerminal
		c.logger.Error("Automatic recovery exhausted, host restart required", zap.Int("attempts", attempt), zap.Error(err))
	}
	c.metrics.RecordRecovery(string(outcome))
	c.publish(EventRecovery, fmt.Sprintf("recovery attempt %d failed", attempt))
}

// RecoverySkipped implements recovery.Reporter
func (c *Controller) RecoverySkipped(outcome recovery.Outcome, cause error) {
	if outcome == recovery.OutcomeExhausted {
		c.mu.Lock()
		c.terminal = true
		c.mu.Unlock()
		c.publish(EventRecovery, "automatic recovery exhausted")
	}
	c.metrics.RecordRecovery(string(outcome))
}
