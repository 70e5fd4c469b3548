// Package ingest fetches historical hourly weather from upstream archives
// and stores it as normalized observations.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/lox/tempcast/internal/httputil"
	"github.com/lox/tempcast/internal/metrics"
	"github.com/lox/tempcast/internal/models"
)

// ErrUpstreamUnavailable means no archive could serve the request. Callers
// should carry on with whatever history is already stored.
var ErrUpstreamUnavailable = errors.New("upstream archive unavailable")

// Archive is a read-only source of hourly historical records.
type Archive interface {
	Name() string
	// FetchHourly returns records for the UTC calendar days start..end
	// inclusive, oldest first. LocKey is left for the caller to set.
	FetchHourly(ctx context.Context, lat, lon float64, start, end time.Time) ([]models.Observation, error)
}

// Option configures an archive client.
type Option func(*client)

// WithBaseURL points the client at a different endpoint.
func WithBaseURL(u string) Option {
	return func(c *client) { c.baseURL = u }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *client) { c.http = hc }
}

// WithMaxElapsed bounds the total time spent retrying one request.
func WithMaxElapsed(d time.Duration) Option {
	return func(c *client) { c.maxElapsed = d }
}

// client is the HTTP plumbing shared by the archive providers: retries with
// exponential backoff inside a per-provider circuit breaker.
type client struct {
	name       string
	baseURL    string
	http       *http.Client
	breaker    *gobreaker.CircuitBreaker
	maxElapsed time.Duration
}

func newClient(name, baseURL string, opts []Option) *client {
	c := &client{
		name:       name,
		baseURL:    baseURL,
		http:       httputil.NewClient(""),
		maxElapsed: time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
	})
	return c
}

var errRetryable = errors.New("retryable status")

// get performs a GET and returns the body of a 200 response.
func (c *client) get(ctx context.Context, build func(context.Context) (*http.Request, error)) ([]byte, error) {
	var body []byte
	operation := func() error {
		req, err := build(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}

		start := time.Now()
		result, err := c.breaker.Execute(func() (interface{}, error) {
			resp, err := c.http.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()

			metrics.ArchiveCallsTotal.WithLabelValues(c.name, strconv.Itoa(resp.StatusCode)).Inc()
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return nil, fmt.Errorf("%w: status %d", errRetryable, resp.StatusCode)
			}
			b, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, err
			}
			if resp.StatusCode != http.StatusOK {
				return b, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(b), 200))
			}
			return b, nil
		})
		metrics.ArchiveLatency.WithLabelValues(c.name).Observe(time.Since(start).Seconds())

		switch {
		case err == nil:
			body = result.([]byte)
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			metrics.ArchiveCallsTotal.WithLabelValues(c.name, "circuit_open").Inc()
			return backoff.Permanent(err)
		case errors.Is(err, errRetryable), ctx.Err() == nil && isTransport(err):
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = c.maxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", c.name, ErrUpstreamUnavailable, err)
	}
	return body, nil
}

func isTransport(err error) bool {
	var ue interface{ Timeout() bool }
	return errors.As(err, &ue)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func ptrFloat(p *float64) (v float64, ok bool) {
	if p == nil {
		return 0, false
	}
	return *p, true
}
