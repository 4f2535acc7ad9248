package controller

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GriffinCanCode/computeguard/internal/domain/classify"
	"github.com/GriffinCanCode/computeguard/internal/domain/jobs"
	"github.com/GriffinCanCode/computeguard/internal/domain/recovery"
	"github.com/GriffinCanCode/computeguard/internal/domain/threadpool"
	"github.com/GriffinCanCode/computeguard/internal/engine"
	"github.com/GriffinCanCode/computeguard/internal/infrastructure/resilience"
)

// Phase is the coarse controller state shown to observers
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseReady         Phase = "ready"
	PhaseError         Phase = "error"
	PhaseRecovering    Phase = "recovering"
	PhaseTerminal      Phase = "terminal"
)

// Status is a point-in-time view of the controller
type Status struct {
	Phase        Phase                `json:"phase"`
	Initialized  bool                 `json:"initialized"`
	HasError     bool                 `json:"has_error"`
	Panicked     bool                 `json:"panicked"`
	Recovering   bool                 `json:"recovering"`
	Terminal     bool                 `json:"terminal"`
	Message      string               `json:"message,omitempty"`
	Error        *classify.Error      `json:"error,omitempty"`
	Suggestions  []string             `json:"suggestions,omitempty"`
	Circuit      resilience.Snapshot  `json:"circuit"`
	Lifecycle    threadpool.Lifecycle `json:"lifecycle"`
	Recovery     recovery.State       `json:"recovery"`
	Jobs         jobs.Stats           `json:"jobs"`
	Capabilities engine.Capabilities  `json:"capabilities"`
	Timestamp    time.Time            `json:"timestamp"`
}

// EventType names what changed
type EventType string

const (
	EventStatus   EventType = "status"
	EventError    EventType = "error"
	EventBreaker  EventType = "breaker"
	EventRecovery EventType = "recovery"
)

// Event is published to subscribers on every state change
type Event struct {
	Type    EventType `json:"type"`
	Message string    `json:"message,omitempty"`
	Status  Status    `json:"status"`
}

// hub fans events out to subscribers. Slow subscribers miss events rather
// than block the controller.
type hub struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[string]chan Event)}
}

func (h *hub) subscribe(buffer int) (string, <-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	id := uuid.New().String()
	ch := make(chan Event, buffer)

	h.mu.Lock()
	if h.closed {
		close(ch)
		h.mu.Unlock()
		return id, ch, func() {}
	}
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
	return id, ch, cancel
}

func (h *hub) publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
