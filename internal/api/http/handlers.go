package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/computeguard/internal/domain/controller"
	"github.com/GriffinCanCode/computeguard/internal/engine"
	"github.com/GriffinCanCode/computeguard/internal/infrastructure/tracing"
)

// Version is reported by the root endpoint
const Version = "0.1.0"

// Handlers contains all HTTP handlers
type Handlers struct {
	controller *controller.Controller
	tracer     *tracing.Tracer
	logger     *zap.Logger
}

// NewHandlers creates a new handler set. tracer may be nil.
func NewHandlers(ctrl *controller.Controller, tracer *tracing.Tracer, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		controller: ctrl,
		tracer:     tracer,
		logger:     logger.Named("http"),
	}
}

// Register mounts every route on r. operator middleware guards the routes
// that change engine or breaker state.
func (h *Handlers) Register(r gin.IRouter, operator ...gin.HandlerFunc) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.GET("/status", h.Status)
	r.GET("/capabilities", h.Capabilities)

	ops := r.Group("", operator...)
	ops.POST("/initialize", h.Initialize)
	ops.POST("/threads", h.Threads)
	ops.POST("/recover", h.Recover)
	ops.POST("/breaker/reset", h.ResetBreaker)

	r.GET("/jobs", h.ListJobs)
	r.POST("/jobs/stats", h.RunStats)
	r.POST("/jobs/matrix", h.RunMatrix)
	r.POST("/jobs/script", h.RunScript)
}

// Root handles the service banner
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "computeguard",
		"version": Version,
	})
}

// Health reports 200 unless the controller can no longer serve jobs
func (h *Handlers) Health(c *gin.Context) {
	status := h.controller.Snapshot()

	code := http.StatusOK
	health := "healthy"
	switch {
	case status.Terminal:
		code = http.StatusServiceUnavailable
		health = "unhealthy"
	case status.Phase != controller.PhaseReady || status.Circuit.State != "closed":
		health = "degraded"
	}

	c.JSON(code, gin.H{
		"status":  health,
		"phase":   status.Phase,
		"circuit": status.Circuit.State,
		"message": status.Message,
	})
}

// Status returns the full controller snapshot
func (h *Handlers) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.controller.Snapshot())
}

// Capabilities returns the engine's host report
func (h *Handlers) Capabilities(c *gin.Context) {
	c.JSON(http.StatusOK, h.controller.Capabilities())
}

// InitializeRequest is the body of POST /initialize
type InitializeRequest struct {
	Threads     int  `json:"threads"`
	SkipThreads bool `json:"skip_threads"`
}

// Initialize loads the engine and starts the worker pool
func (h *Handlers) Initialize(c *gin.Context) {
	var req InitializeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if req.Threads < 0 {
		badRequest(c, errNegativeThreads)
		return
	}

	err := h.controller.Initialize(c.Request.Context(), controller.InitOptions{
		Threads:     req.Threads,
		SkipThreads: req.SkipThreads,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"status":  h.controller.Snapshot(),
	})
}

// ThreadsRequest is the body of POST /threads
type ThreadsRequest struct {
	Threads      int  `json:"threads"`
	SingleThread bool `json:"single_threaded"`
}

// Threads starts, resizes or shrinks the worker pool
func (h *Handlers) Threads(c *gin.Context) {
	var req ThreadsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Threads < 0 {
		badRequest(c, errNegativeThreads)
		return
	}

	ctx := c.Request.Context()
	var (
		ok  bool
		err error
	)
	if req.SingleThread {
		ok, err = h.controller.ForceSingleThreaded(ctx)
	} else {
		ok, err = h.controller.InitializeThreads(ctx, req.Threads)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"threaded":  ok,
		"lifecycle": h.controller.Snapshot().Lifecycle,
	})
}

// Recover runs a manual recovery cycle and waits for it
func (h *Handlers) Recover(c *gin.Context) {
	if err := h.controller.RequestManualRecovery(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"status":  h.controller.Snapshot(),
	})
}

// ResetBreaker forces the circuit breaker closed
func (h *Handlers) ResetBreaker(c *gin.Context) {
	h.controller.ResetBreaker()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"circuit": h.controller.Snapshot().Circuit,
	})
}

// ListJobs returns recently finished jobs, newest first
func (h *Handlers) ListJobs(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, errBadLimit)
			return
		}
		limit = n
	}

	status := h.controller.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"jobs":  h.controller.RecentJobs(limit),
		"stats": status.Jobs,
	})
}

// RunStats runs a statistics job
func (h *Handlers) RunStats(c *gin.Context) {
	var job engine.StatsJob
	if err := c.ShouldBindJSON(&job); err != nil {
		badRequest(c, err)
		return
	}
	h.runJob(c, job)
}

// RunMatrix runs a dense matrix job
func (h *Handlers) RunMatrix(c *gin.Context) {
	var job engine.MatrixJob
	if err := c.ShouldBindJSON(&job); err != nil {
		badRequest(c, err)
		return
	}
	h.runJob(c, job)
}

// ScriptRequest is the body of POST /jobs/script
type ScriptRequest struct {
	Source    string `json:"source" binding:"required"`
	TimeoutMS int64  `json:"timeout_ms"`
}

// RunScript runs a sandboxed script job
func (h *Handlers) RunScript(c *gin.Context) {
	var req ScriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.runJob(c, engine.ScriptJob{
		Source:  req.Source,
		Timeout: time.Duration(req.TimeoutMS) * time.Millisecond,
	})
}

func (h *Handlers) runJob(c *gin.Context, job engine.Job) {
	ctx := c.Request.Context()
	var span *tracing.Span
	if h.tracer != nil {
		span, ctx = h.tracer.StartSpan(ctx, "job."+string(job.Type()))
		span.SetTag("job.type", string(job.Type()))
		defer func() {
			span.Finish()
			h.tracer.Submit(span)
		}()
	}

	out, err := h.controller.Invoke(ctx, job)
	if err != nil {
		if span != nil {
			span.SetError(err)
		}
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"job_type": job.Type(),
		"output":   out,
	})
}

