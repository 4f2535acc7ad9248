package cli

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/GriffinCanCode/computeguard/internal/domain/controller"
	"github.com/GriffinCanCode/computeguard/internal/domain/jobs"
	"github.com/GriffinCanCode/computeguard/internal/domain/threadpool"
	"github.com/GriffinCanCode/computeguard/internal/engine"
	"github.com/GriffinCanCode/computeguard/internal/infrastructure/resilience"
)

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode  int      `json:"-"`
	RetryAfter  string   `json:"-"`
	Message     string   `json:"error"`
	Kind        string   `json:"kind,omitempty"`
	Phase       string   `json:"phase,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "server returned %d: %s", e.StatusCode, e.Message)
	if e.Phase != "" {
		fmt.Fprintf(&b, " (phase %s)", e.Phase)
	}
	if e.RetryAfter != "" {
		fmt.Fprintf(&b, ", retry after %ss", e.RetryAfter)
	}
	return b.String()
}

// ThreadsResult is the response of POST /threads
type ThreadsResult struct {
	Threaded  bool                 `json:"threaded"`
	Lifecycle threadpool.Lifecycle `json:"lifecycle"`
}

// JobsResult is the response of GET /jobs
type JobsResult struct {
	Jobs  []jobs.Record `json:"jobs"`
	Stats jobs.Stats    `json:"stats"`
}

type statusEnvelope struct {
	Status controller.Status `json:"status"`
}

// ClientConfig configures a Client
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
	// Token is sent as a bearer token when set
	Token string
	// Retries bounds reconnect attempts when the server is unreachable
	Retries int
}

// Client calls the compute guard HTTP API
type Client struct {
	resty *resty.Client
}

// NewClient creates a client for the server at cfg.BaseURL
func NewClient(cfg ClientConfig) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = max(0, cfg.Retries)
	retryClient.RetryWaitMin = 250 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.CheckRetry = retryUnreachable
	retryClient.Logger = nil

	r := resty.NewWithClient(retryClient.StandardClient()).
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "enginectl/1.0")
	if cfg.Token != "" {
		r.SetAuthToken(cfg.Token)
	}
	return &Client{resty: r}
}

// retryUnreachable retries transport failures only. Every HTTP response,
// including 503 from an open circuit, is final.
func retryUnreachable(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return err != nil, nil
}

// Status fetches the controller snapshot
func (c *Client) Status(ctx context.Context) (*controller.Status, error) {
	var status controller.Status
	if err := c.do(ctx, http.MethodGet, "/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Initialize loads the engine and, unless skipThreads, starts the pool
func (c *Client) Initialize(ctx context.Context, threads int, skipThreads bool) (*controller.Status, error) {
	var env statusEnvelope
	body := map[string]interface{}{"threads": threads, "skip_threads": skipThreads}
	if err := c.do(ctx, http.MethodPost, "/initialize", body, &env); err != nil {
		return nil, err
	}
	return &env.Status, nil
}

// SetThreads resizes the worker pool, or shrinks it to one worker
func (c *Client) SetThreads(ctx context.Context, threads int, singleThreaded bool) (*ThreadsResult, error) {
	var result ThreadsResult
	body := map[string]interface{}{"threads": threads, "single_threaded": singleThreaded}
	if err := c.do(ctx, http.MethodPost, "/threads", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Recover requests a manual recovery cycle and waits for it
func (c *Client) Recover(ctx context.Context) (*controller.Status, error) {
	var env statusEnvelope
	if err := c.do(ctx, http.MethodPost, "/recover", nil, &env); err != nil {
		return nil, err
	}
	return &env.Status, nil
}

// ResetBreaker forces the circuit breaker closed
func (c *Client) ResetBreaker(ctx context.Context) (*resilience.Snapshot, error) {
	var env struct {
		Circuit resilience.Snapshot `json:"circuit"`
	}
	if err := c.do(ctx, http.MethodPost, "/breaker/reset", nil, &env); err != nil {
		return nil, err
	}
	return &env.Circuit, nil
}

// Jobs lists up to limit recently finished jobs
func (c *Client) Jobs(ctx context.Context, limit int) (*JobsResult, error) {
	var result JobsResult
	path := "/jobs?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RunScript runs a sandboxed script job
func (c *Client) RunScript(ctx context.Context, source string, timeout time.Duration) (*engine.Output, error) {
	var env struct {
		Output engine.Output `json:"output"`
	}
	body := map[string]interface{}{"source": source, "timeout_ms": timeout.Milliseconds()}
	if err := c.do(ctx, http.MethodPost, "/jobs/script", body, &env); err != nil {
		return nil, err
	}
	return &env.Output, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	apiErr := &APIError{}
	req := c.resty.R().SetContext(ctx).SetError(apiErr)
	if result != nil {
		req.SetResult(result)
	}
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		apiErr.StatusCode = resp.StatusCode()
		apiErr.RetryAfter = resp.Header().Get("Retry-After")
		if apiErr.Message == "" {
			apiErr.Message = resp.Status()
		}
		return apiErr
	}
	return nil
}
