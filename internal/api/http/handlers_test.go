package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/computeguard/internal/domain/classify"
	"github.com/GriffinCanCode/computeguard/internal/domain/controller"
	"github.com/GriffinCanCode/computeguard/internal/domain/recovery"
	"github.com/GriffinCanCode/computeguard/internal/engine"
	"github.com/GriffinCanCode/computeguard/internal/engine/enginetest"
	"github.com/GriffinCanCode/computeguard/internal/engine/numeric"
	"github.com/GriffinCanCode/computeguard/internal/engine/router"
	"github.com/GriffinCanCode/computeguard/internal/engine/script"
	"github.com/GriffinCanCode/computeguard/internal/shared/clock"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func setupRouter(t *testing.T, eng engine.Engine) (*gin.Engine, *controller.Controller) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctrl := controller.New(eng, controller.Options{
		Clock:    clock.NewManual(time.Unix(1_700_000_000, 0)),
		Recovery: recovery.Settings{Sleep: noSleep},
	})
	t.Cleanup(func() { _ = ctrl.Close() })

	r := gin.New()
	NewHandlers(ctrl, nil, nil).Register(r)
	return r, ctrl
}

func realEngine() engine.Engine {
	return router.New(nil,
		numeric.New(numeric.Options{HardwareConcurrency: 4}),
		script.New(script.Options{HardwareConcurrency: 4}),
	)
}

func do(t *testing.T, r *gin.Engine, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var decoded map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &decoded), w.Body.String())
	}
	return w, decoded
}

func TestRootAndHealth(t *testing.T) {
	r, _ := setupRouter(t, realEngine())

	w, body := do(t, r, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "computeguard", body["service"])

	w, body = do(t, r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "uninitialized", body["phase"])

	w, _ = do(t, r, http.MethodPost, "/initialize", InitializeRequest{Threads: 2})
	require.Equal(t, http.StatusOK, w.Code)

	w, body = do(t, r, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "closed", body["circuit"])
}

func TestJobsRequireInitialize(t *testing.T) {
	r, _ := setupRouter(t, realEngine())

	w, body := do(t, r, http.MethodPost, "/jobs/stats", engine.StatsJob{Values: []float64{1, 2}})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, string(classify.KindConfig), body["kind"])
}

func TestRunJobs(t *testing.T) {
	r, _ := setupRouter(t, realEngine())
	w, _ := do(t, r, http.MethodPost, "/initialize", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, body := do(t, r, http.MethodPost, "/jobs/stats", engine.StatsJob{Values: []float64{1, 2, 3}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	output := body["output"].(map[string]interface{})
	scalars := output["scalars"].(map[string]interface{})
	assert.Equal(t, 2.0, scalars["mean"])

	w, body = do(t, r, http.MethodPost, "/jobs/matrix", engine.MatrixJob{
		Op: engine.MatrixDeterminant,
		A:  [][]float64{{1, 2}, {3, 4}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	output = body["output"].(map[string]interface{})
	assert.InDelta(t, -2.0, output["scalars"].(map[string]interface{})["determinant"], 1e-9)

	w, body = do(t, r, http.MethodPost, "/jobs/script", ScriptRequest{Source: "40 + 2", TimeoutMS: 1000})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 42.0, body["output"].(map[string]interface{})["value"])

	w, body = do(t, r, http.MethodGet, "/jobs?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["jobs"], 2)
}

func TestJobFailureStatusCodes(t *testing.T) {
	r, ctrl := setupRouter(t, realEngine())
	w, _ := do(t, r, http.MethodPost, "/initialize", InitializeRequest{Threads: 1})
	require.Equal(t, http.StatusOK, w.Code)

	w, body := do(t, r, http.MethodPost, "/jobs/matrix", engine.MatrixJob{
		Op: engine.MatrixInverse,
		A:  [][]float64{{1, 2}, {2, 4}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, string(classify.KindProcessing), body["kind"])
	assert.Equal(t, false, body["catastrophic"])

	w, body = do(t, r, http.MethodPost, "/jobs/stats", engine.StatsJob{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(classify.KindConfig), body["kind"])

	w, _ = do(t, r, http.MethodPost, "/jobs/stats", "{not json")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, r, http.MethodPost, "/jobs/script", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, r, http.MethodGet, "/jobs?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, "closed", ctrl.Snapshot().Circuit.State)
}

func TestCircuitOpenReturns503(t *testing.T) {
	fake := enginetest.NewFake(4)
	r, ctrl := setupRouter(t, fake)
	w, _ := do(t, r, http.MethodPost, "/initialize", nil)
	require.Equal(t, http.StatusOK, w.Code)

	fake.SetInvoke(func(ctx context.Context, job engine.Job) (*engine.Output, error) {
		return nil, errors.New("worker pool exhausted")
	})

	for i := 0; i < 3; i++ {
		w, _ = do(t, r, http.MethodPost, "/jobs/stats", engine.StatsJob{Values: []float64{1}})
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	}
	require.Equal(t, "open", ctrl.Snapshot().Circuit.State)

	w, body := do(t, r, http.MethodPost, "/jobs/stats", engine.StatsJob{Values: []float64{1}})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, "error", body["phase"])

	w, body = do(t, r, http.MethodPost, "/breaker/reset", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "closed", body["circuit"].(map[string]interface{})["state"])
}

func TestRecoverAndThreads(t *testing.T) {
	fake := enginetest.NewFake(8)
	r, _ := setupRouter(t, fake)

	w, _ := do(t, r, http.MethodPost, "/initialize", InitializeRequest{Threads: 4})
	require.Equal(t, http.StatusOK, w.Code)

	w, body := do(t, r, http.MethodPost, "/threads", ThreadsRequest{SingleThread: true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["threaded"])
	assert.Equal(t, []int{1}, fake.Resizes())

	w, _ = do(t, r, http.MethodPost, "/threads", ThreadsRequest{Threads: -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = do(t, r, http.MethodPost, "/recover", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 2, fake.Loads())
	assert.Equal(t, 1, fake.Disposes())
	status := body["status"].(map[string]interface{})
	assert.Equal(t, "ready", status["phase"])
}

func TestStatusAndCapabilities(t *testing.T) {
	r, _ := setupRouter(t, realEngine())

	w, body := do(t, r, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "uninitialized", body["phase"])

	w, body = do(t, r, http.MethodGet, "/capabilities", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "numeric+script", body["backend"])
	assert.Len(t, body["jobs"], 3)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{controller.ErrClosed, http.StatusServiceUnavailable},
		{controller.ErrTerminal, http.StatusServiceUnavailable},
		{controller.ErrRecoveryInProgress, http.StatusServiceUnavailable},
		{fmt.Errorf("execute stats: %w", controller.ErrCircuitOpen), http.StatusServiceUnavailable},
		{fmt.Errorf("execute stats: %w", controller.ErrNotLoaded), http.StatusConflict},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{context.Canceled, 499},
		{classify.Classify(classify.Raw{Message: "invalid parameter"}), http.StatusBadRequest},
		{classify.Classify(classify.Raw{Message: "operation timeout"}), http.StatusUnprocessableEntity},
		{classify.Classify(classify.Raw{Message: "out of memory"}), http.StatusInternalServerError},
		{errors.New("mystery"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusFor(tt.err))
		})
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Unix(100, 0)
	assert.Equal(t, "3", retryAfter(now.Add(2500*time.Millisecond), now, false))
	assert.Equal(t, "2", retryAfter(time.Time{}, now, true))
	assert.Equal(t, "", retryAfter(now.Add(-time.Second), now, false))
}
