package http

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/computeguard/internal/domain/classify"
	"github.com/GriffinCanCode/computeguard/internal/domain/controller"
)

var (
	errNegativeThreads = errors.New("threads must not be negative")
	errBadLimit        = errors.New("limit must be a positive integer")
)

// StatusFor maps a controller error onto an HTTP status code
func StatusFor(err error) int {
	var classified *classify.Error

	switch {
	case errors.Is(err, controller.ErrClosed),
		errors.Is(err, controller.ErrTerminal),
		errors.Is(err, controller.ErrRecoveryInProgress),
		errors.Is(err, controller.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, controller.ErrNotLoaded):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	case errors.As(err, &classified):
		switch classified.Kind {
		case classify.KindConfig:
			return http.StatusBadRequest
		case classify.KindProcessing:
			return http.StatusUnprocessableEntity
		default:
			return http.StatusInternalServerError
		}
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with the controller's user-facing message
func (h *Handlers) writeError(c *gin.Context, err error) {
	code := StatusFor(err)
	body := gin.H{
		"success": false,
		"error":   err.Error(),
	}

	var classified *classify.Error
	if errors.As(err, &classified) {
		body["kind"] = classified.Kind
		body["catastrophic"] = classified.Catastrophic
		if suggestions := classify.Suggestions(classified.Kind); len(suggestions) > 0 {
			body["suggestions"] = suggestions
		}
	}

	if code == http.StatusServiceUnavailable {
		status := h.controller.Snapshot()
		body["phase"] = status.Phase
		if status.Message != "" {
			body["message"] = status.Message
		}
		if status.Terminal {
			body["suggestions"] = status.Suggestions
		}
		if retry := retryAfter(status.Circuit.OpenUntil, status.Timestamp, status.Recovering); retry != "" {
			c.Header("Retry-After", retry)
		}
	}

	if code >= http.StatusInternalServerError {
		h.logger.Warn("Request failed", zap.String("path", c.FullPath()), zap.Int("status", code), zap.Error(err))
	}
	c.JSON(code, body)
}

// retryAfter returns whole seconds until the breaker may admit a probe
func retryAfter(openUntil, now time.Time, recovering bool) string {
	if !openUntil.IsZero() && openUntil.After(now) {
		return strconv.Itoa(int(math.Ceil(openUntil.Sub(now).Seconds())))
	}
	if recovering {
		return "2"
	}
	return ""
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   err.Error(),
	})
}
