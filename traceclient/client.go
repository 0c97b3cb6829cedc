// Package traceclient implements C1: an authenticated, rate-limited,
// resilient pull client for the external observability backend. It
// supports two ingestion modes (pull-by-project and pull-by-session),
// honors the API's cursor pagination, and deduplicates by trace id with a
// bounded LRU since cursor semantics at the poll-boundary overlap are not
// guaranteed by the upstream contract.
package traceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/TheCreditPros/virtuous-cycle/internal/trace"
	"github.com/TheCreditPros/virtuous-cycle/resilience"
	"github.com/TheCreditPros/virtuous-cycle/telemetry"
	"github.com/TheCreditPros/virtuous-cycle/vcerrors"
)

// Mode selects how traces are enumerated.
type Mode int

const (
	// ModeProject enumerates projects, then recent sessions per project,
	// then runs per session.
	ModeProject Mode = iota
	// ModeSession pulls runs directly for a fixed set of session ids.
	ModeSession
)

// Cursor is a monotonic per-project (or per-session) position returned by
// FetchRecent and passed back on the next call.
type Cursor map[string]string

// Config holds the fields Client needs out of vcconfig.TraceClientConfig,
// kept separate so this package has no import-time dependency on vcconfig.
type Config struct {
	BaseURL          string
	APIKey           string
	OrgID            string
	RequestsPerMin   int
	RequestTimeout   time.Duration
	DedupCapacity    int
	MaxRetryAttempts int
	Mode             Mode
	SessionIDs       []string // only used in ModeSession
}

// Client pulls traces from the observability backend.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *resilience.CircuitBreaker
	dedup      *dedupLRU
	logger     telemetry.Logger
	metrics    *telemetry.Metrics

	halted bool
}

// New builds a Client. logger and metrics may be nil; NoOp defaults are used.
func New(cfg Config, logger telemetry.ComponentAwareLogger, metrics *telemetry.Metrics) *Client {
	if logger == nil {
		logger = telemetry.NoOpLogger{}
	}
	if metrics == nil {
		metrics = telemetry.NoOpMetrics()
	}
	rpm := cfg.RequestsPerMin
	if rpm <= 0 {
		rpm = 60
	}
	capacity := cfg.DedupCapacity
	if capacity <= 0 {
		capacity = 10000
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		limiter:    rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm),
		breaker:    resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig()),
		dedup:      newDedupLRU(capacity),
		logger:     logger.WithComponent("virtuouscycle/traceclient"),
		metrics:    metrics,
	}
}

// Halted reports whether an AuthFailure has stopped ingestion. Only a
// credential change (a fresh New/reset) clears it.
func (c *Client) Halted() bool { return c.halted }

type project struct {
	ID string `json:"id"`
}

type session struct {
	ID string `json:"id"`
}

type runDetail struct {
	trace.Trace
}

type listResponse[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// FetchRecent pulls traces newer than the cursor state recorded in since,
// returning the traces found, the advanced cursor, and an error. A 401/403
// from any project is fatal and halts the client (no retry); a partial
// per-project transient failure is logged and skipped, not fatal to the
// whole poll.
func (c *Client) FetchRecent(ctx context.Context, since Cursor) ([]trace.Trace, Cursor, error) {
	if c.halted {
		return nil, since, vcerrors.New("traceclient.FetchRecent", "auth_failure", vcerrors.ErrAuthFailure)
	}

	newCursor := make(Cursor, len(since))
	for k, v := range since {
		newCursor[k] = v
	}

	var allTraces []trace.Trace

	scopes, err := c.resolveScopes(ctx)
	if err != nil {
		if vcerrors.IsAuthFailure(err) {
			c.halted = true
		}
		return nil, since, err
	}

	for _, scope := range scopes {
		traces, cursor, err := c.fetchScope(ctx, scope, since[scope])
		if err != nil {
			if vcerrors.IsAuthFailure(err) {
				c.halted = true
				return allTraces, newCursor, err
			}
			// Partial per-scope failure does not abort the whole poll.
			c.logger.WarnWithContext(ctx, "scope poll failed, continuing", map[string]interface{}{
				"scope": scope, "error": err.Error(),
			})
			continue
		}
		if cursor != "" {
			newCursor[scope] = cursor
		}
		for _, t := range traces {
			if c.dedup.SeenBefore(t.ID) {
				continue
			}
			allTraces = append(allTraces, t)
		}
	}

	return allTraces, newCursor, nil
}

// resolveScopes returns the project or session ids to poll this cycle.
func (c *Client) resolveScopes(ctx context.Context) ([]string, error) {
	if c.cfg.Mode == ModeSession {
		return c.cfg.SessionIDs, nil
	}

	var resp listResponse[project]
	if err := c.getJSON(ctx, "/v1/projects", &resp); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp.Items))
	for _, p := range resp.Items {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// fetchScope pulls runs for one project (or session) scope.
func (c *Client) fetchScope(ctx context.Context, scope, cursor string) ([]trace.Trace, string, error) {
	if c.cfg.Mode == ModeProject {
		var sessResp listResponse[session]
		path := fmt.Sprintf("/v1/projects/%s/sessions?cursor=%s", scope, cursor)
		if err := c.getJSON(ctx, path, &sessResp); err != nil {
			return nil, cursor, err
		}
		var traces []trace.Trace
		lastCursor := cursor
		for _, s := range sessResp.Items {
			runs, newCursor, err := c.fetchRuns(ctx, s.ID)
			if err != nil {
				return traces, lastCursor, err
			}
			traces = append(traces, runs...)
			if newCursor != "" {
				lastCursor = newCursor
			}
		}
		if sessResp.NextCursor != "" {
			lastCursor = sessResp.NextCursor
		}
		return traces, lastCursor, nil
	}

	return c.fetchRuns(ctx, scope)
}

func (c *Client) fetchRuns(ctx context.Context, sessionID string) ([]trace.Trace, string, error) {
	path := fmt.Sprintf("/v1/sessions/%s/runs", sessionID)
	var resp listResponse[runDetail]
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, "", err
	}
	traces := make([]trace.Trace, 0, len(resp.Items))
	for _, r := range resp.Items {
		traces = append(traces, r.Trace)
	}
	return traces, resp.NextCursor, nil
}

// getJSON performs an authenticated GET with the §4.1 error-handling
// policy: 401/403 fatal, 429 honors Retry-After up to 60s and 5 attempts,
// 5xx retries up to 3 times with jittered backoff, other network errors
// retry once.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return vcerrors.New("traceclient.getJSON", "shutdown", err)
	}

	body, err := c.doWithPolicy(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return vcerrors.New("traceclient.getJSON", "contract_violation", err)
	}
	return nil
}

func (c *Client) doWithPolicy(ctx context.Context, path string) ([]byte, error) {
	const maxRateLimitAttempts = 5
	const maxServerErrorRetries = 3
	const maxRateLimitDelay = 60 * time.Second

	attempt := 0
	serverErrAttempt := 0
	for {
		attempt++
		body, status, retryAfter, err := c.do(ctx, path)
		if err == nil && status < 400 {
			return body, nil
		}

		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return nil, vcerrors.New("traceclient.do", "auth_failure", vcerrors.ErrAuthFailure)
		}

		if status == http.StatusTooManyRequests {
			if attempt >= maxRateLimitAttempts {
				return nil, vcerrors.New("traceclient.do", "transient_remote", fmt.Errorf("rate limited after %d attempts: %w", attempt, vcerrors.ErrTransientRemote))
			}
			wait := retryAfter
			if wait <= 0 {
				wait = resilience.BackoffForAttempt(resilience.DefaultRetryConfig(), attempt)
			}
			if wait > maxRateLimitDelay {
				wait = maxRateLimitDelay
			}
			if !c.sleep(ctx, wait) {
				return nil, ctx.Err()
			}
			continue
		}

		if status >= 500 {
			serverErrAttempt++
			if serverErrAttempt > maxServerErrorRetries {
				return nil, vcerrors.New("traceclient.do", "transient_remote", fmt.Errorf("server error status %d: %w", status, vcerrors.ErrTransientRemote))
			}
			wait := resilience.BackoffForAttempt(resilience.DefaultRetryConfig(), serverErrAttempt)
			if !c.sleep(ctx, wait) {
				return nil, ctx.Err()
			}
			continue
		}

		if err != nil {
			// Other network errors: single retry.
			if attempt >= 2 {
				return nil, vcerrors.New("traceclient.do", "transient_remote", err)
			}
			continue
		}

		return nil, vcerrors.New("traceclient.do", "contract_violation", fmt.Errorf("unexpected status %d", status))
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// do issues a single HTTP request, routed through the circuit breaker.
func (c *Client) do(ctx context.Context, path string) ([]byte, int, time.Duration, error) {
	var body []byte
	var status int
	var retryAfter time.Duration

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, bytes.NewReader(nil))
		if err != nil {
			return err
		}
		req.Header.Set("X-API-Key", c.cfg.APIKey)
		req.Header.Set("X-Org-ID", c.cfg.OrgID)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		c.metrics.RecordPollLatency(ctx, float64(time.Since(start).Milliseconds()), path)

		status = resp.StatusCode
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, convErr := strconv.Atoi(ra); convErr == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if status >= 500 {
			return fmt.Errorf("server error %d", status)
		}
		return nil
	})

	if _, ok := err.(resilience.ErrCircuitOpen); ok {
		return nil, 0, 0, vcerrors.New("traceclient.do", "transient_remote", fmt.Errorf("%w: %v", vcerrors.ErrTransientRemote, err))
	}
	if err != nil && status == 0 {
		return nil, 0, 0, err
	}
	return body, status, retryAfter, nil
}
