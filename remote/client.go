package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/birdie-ai/modelkit/service"
	"github.com/birdie-ai/modelkit/slog"
	"github.com/birdie-ai/modelkit/tracing"
)

type (
	// Doer abstracts a [http.Client].
	Doer interface {
		Do(req *http.Request) (*http.Response, error)
	}

	// Client sends statements to a [Handler], retrying requests the server did not run.
	Client struct {
		url       string
		doer      Doer
		minPeriod time.Duration
		maxPeriod time.Duration
		retries   map[int]bool
		sleep     func(context.Context, time.Duration)
	}

	// ClientOption configures a [Client].
	ClientOption func(*Client)

	// ExecError is returned when the server fails to run the statements.
	ExecError struct {
		StatusCode int
		Message    string
		// Results of the statements executed before the failure.
		Results []Output
	}
)

const (
	// DefaultMinSleepPeriod is the default sleep period before the first retry, doubled on each retry.
	DefaultMinSleepPeriod = 250 * time.Millisecond
	// DefaultMaxSleepPeriod is the default max sleep period between retries.
	DefaultMaxSleepPeriod = 30 * time.Second
)

var userAgent = func() string {
	info := service.ReadBuildInfo()
	revision := info.Revision
	if len(revision) > 7 {
		revision = revision[:7]
	}
	return "modelq/" + revision + " Go/" + info.GoVersion
}()

// WithDoer sets the HTTP client, [http.DefaultClient] by default.
func WithDoer(d Doer) ClientOption {
	return func(c *Client) { c.doer = d }
}

// WithSleepPeriods sets the min and max sleep periods between retries.
func WithSleepPeriods(minPeriod, maxPeriod time.Duration) ClientOption {
	return func(c *Client) {
		c.minPeriod = minPeriod
		c.maxPeriod = maxPeriod
	}
}

// WithSleep sets the function sleeping between retries, usually used for testing.
func WithSleep(sleep func(context.Context, time.Duration)) ClientOption {
	return func(c *Client) { c.sleep = sleep }
}

// WithRetryStatuses adds status codes that are retried. Only [http.StatusTooManyRequests]
// and [http.StatusServiceUnavailable] are retried by default, since statements may write.
func WithRetryStatuses(statuses ...int) ClientOption {
	return func(c *Client) {
		for _, status := range statuses {
			c.retries[status] = true
		}
	}
}

// NewClient creates a client of the server at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		url:       strings.TrimSuffix(baseURL, "/") + ExecPath,
		doer:      http.DefaultClient,
		minPeriod: DefaultMinSleepPeriod,
		maxPeriod: DefaultMaxSleepPeriod,
		retries: map[int]bool{
			http.StatusTooManyRequests:    true,
			http.StatusServiceUnavailable: true,
		},
		sleep: defaultSleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Exec sends the statements and returns their outputs. The trace and organization of
// ctx are propagated. Failures of the server are returned as [*ExecError].
func (c *Client) Exec(ctx context.Context, stmts []byte) ([]Output, error) {
	sleepPeriod := c.minPeriod
	for ctx.Err() == nil {
		resp, code, err := c.send(ctx, stmts)
		log := slog.FromCtx(ctx).With("url", c.url, "sleep_period", sleepPeriod.String())
		switch {
		case err != nil && retryable(err):
			log.Debug("remote: retrying request with error", "error", err)
		case err != nil:
			return nil, err
		case c.retries[code.status]:
			log.Debug("remote: retrying request with error status code", "status_code", code.status)
			if code.retryAfter > 0 {
				sleepPeriod = min(code.retryAfter, c.maxPeriod)
			}
		case code.status != http.StatusOK:
			return resp.Results, &ExecError{StatusCode: code.status, Message: resp.Error, Results: resp.Results}
		default:
			return resp.Results, nil
		}
		c.sleep(ctx, sleepPeriod)
		sleepPeriod = min(sleepPeriod*2, c.maxPeriod)
	}
	return nil, ctx.Err()
}

type reply struct {
	status     int
	retryAfter time.Duration
}

func (c *Client) send(ctx context.Context, stmts []byte) (Response, reply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(stmts))
	if err != nil {
		return Response{}, reply{}, fmt.Errorf("remote: creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain")
	if id, ok := tracing.CtxGetTraceID(ctx); ok {
		req.Header.Set(TraceHeader, id)
	}
	if id, ok := tracing.CtxGetOrgID(ctx); ok {
		req.Header.Set(OrgHeader, id)
	}

	res, err := c.doer.Do(req)
	if err != nil {
		return Response{}, reply{}, err
	}
	body, err := io.ReadAll(res.Body)
	if cerr := res.Body.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return Response{}, reply{}, fmt.Errorf("remote: reading response: %w", err)
	}

	st := reply{status: res.StatusCode}
	if st.retryAfter, err = ParseRetryAfter(res.Header.Get("Retry-After"), time.Now()); err != nil {
		slog.FromCtx(ctx).Warn("remote: parsing Retry-After header", "error", err)
	}
	if c.retries[res.StatusCode] {
		return Response{}, st, nil
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return Response{}, st, fmt.Errorf("remote: invalid response with status %d: %w: %q", res.StatusCode, err, body)
	}
	return resp, st, nil
}

// ParseRetryAfter parses the value of a Retry-After header, in seconds or as an HTTP date
// relative to now. Empty values and dates in the past give zero.
func ParseRetryAfter(value string, now time.Time) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return max(time.Duration(seconds)*time.Second, 0), nil
	}
	if t, err := http.ParseTime(value); err == nil {
		return max(t.Sub(now), 0), nil
	}
	return 0, fmt.Errorf("invalid Retry-After header: %q", value)
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("remote: status %d: %s", e.StatusCode, e.Message)
}

// retryable reports whether the request failed before reaching the server.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	emsg := err.Error()
	return strings.HasSuffix(emsg, "connect: connection refused") ||
		strings.HasSuffix(emsg, "Temporary failure in name resolution") ||
		strings.HasSuffix(emsg, "cannot assign requested address") ||
		strings.Contains(emsg, "http2: server sent GOAWAY and closed the connection")
}

func defaultSleep(ctx context.Context, period time.Duration) {
	sleepCtx, cancel := context.WithTimeout(ctx, period)
	defer cancel()
	<-sleepCtx.Done()
}
