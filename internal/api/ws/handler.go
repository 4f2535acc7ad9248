package ws

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/computeguard/internal/domain/controller"
	"github.com/GriffinCanCode/computeguard/internal/infrastructure/monitoring"
)

// Message is one frame on the status stream
type Message struct {
	Type         string             `json:"type"`
	Message      string             `json:"message,omitempty"`
	SubscriberID string             `json:"subscriber_id,omitempty"`
	Status       *controller.Status `json:"status,omitempty"`
	Timestamp    int64              `json:"timestamp"`
}

// Config tunes the status stream
type Config struct {
	Buffer         int
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
}

// DefaultConfig returns the default stream settings
func DefaultConfig() Config {
	return Config{
		Buffer:       32,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Handler streams controller status events over WebSocket
type Handler struct {
	controller *controller.Controller
	metrics    *monitoring.Metrics
	logger     *zap.Logger
	config     Config
	upgrader   websocket.Upgrader
}

// NewHandler creates a new WebSocket handler. metrics may be nil.
func NewHandler(ctrl *controller.Controller, metrics *monitoring.Metrics, logger *zap.Logger, cfg Config) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultConfig()
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaults.Buffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}

	h := &Handler{
		controller: ctrl,
		metrics:    metrics,
		logger:     logger.Named("ws"),
		config:     cfg,
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleConnection upgrades the request and streams events until either
// side closes
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	subID, events, cancel := h.controller.Subscribe(h.config.Buffer)
	defer cancel()

	h.metrics.IncWSConnections()
	defer h.metrics.DecWSConnections()
	h.logger.Debug("Status subscriber connected", zap.String("subscriber_id", subID))

	status := h.controller.Snapshot()
	if err := h.write(conn, Message{Type: "connected", SubscriberID: subID, Status: &status}); err != nil {
		return
	}

	// gorilla connections allow one concurrent writer, so the read loop
	// hands its replies back to this goroutine
	replies := make(chan Message, 8)
	done := make(chan struct{})
	quit := make(chan struct{})
	defer close(quit)
	go h.readLoop(conn, replies, done, quit)

	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = h.write(conn, Message{Type: "closed", Message: "controller shut down"})
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "controller shut down"),
					time.Now().Add(h.config.WriteTimeout))
				return
			}
			status := ev.Status
			if err := h.write(conn, Message{Type: string(ev.Type), Message: ev.Message, Status: &status}); err != nil {
				return
			}
		case msg := <-replies:
			if err := h.write(conn, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.config.WriteTimeout)); err != nil {
				return
			}
		case <-done:
			h.logger.Debug("Status subscriber disconnected", zap.String("subscriber_id", subID))
			return
		}
	}
}

// readLoop answers client requests until the connection fails
func (h *Handler) readLoop(conn *websocket.Conn, replies chan<- Message, done chan<- struct{}, quit <-chan struct{}) {
	defer close(done)

	reply := func(msg Message) bool {
		select {
		case replies <- msg:
			return true
		case <-quit:
			return false
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg Message
		if err := sonic.Unmarshal(data, &msg); err != nil {
			if !reply(Message{Type: "error", Message: "invalid message"}) {
				return
			}
			continue
		}
		h.metrics.RecordWSMessage("in", msg.Type)

		var out Message
		switch msg.Type {
		case "ping":
			out = Message{Type: "pong"}
		case "status":
			status := h.controller.Snapshot()
			out = Message{Type: "status", Status: &status}
		default:
			out = Message{Type: "error", Message: "unknown message type: " + msg.Type}
		}
		if !reply(out) {
			return
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, msg Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	data, err := sonic.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to encode stream message", zap.Error(err))
		return err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	h.metrics.RecordWSMessage("out", msg.Type)
	return nil
}
