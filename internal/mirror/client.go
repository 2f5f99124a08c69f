// Package mirror implements the polling client for the SkyMirror server.
// It periodically fetches the image status, detects content changes by
// digest comparison, downloads the image bytes when they change, and writes
// them atomically to a local output path.
//
// # Usage
//
//	client := mirror.New(cfg, logger)
//	if err := client.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Prometheus metrics
//
// Attach a [Metrics] value to collect operational counters and gauges while
// the client is running:
//
//	m := mirror.NewMetrics()
//	client := mirror.New(cfg, logger, mirror.WithMetrics(m))
//
//	// Serve the collected metrics on an HTTP endpoint.
//	http.Handle("/metrics", m.Handler())
//	go http.ListenAndServe(":9100", nil)
//
// # Session admission
//
// Every request carries the API key and this client's stable identity. The
// server admits one client per key at a time: a 409 response means another
// client currently holds the key, and carries a hint for when its claim
// expires. The client honours the hint and keeps retrying, so a standby
// mirror takes over automatically once the incumbent goes quiet.
//
// # Reconnection
//
// On any transient error (dial failure, 5xx response, malformed body) Run
// backs off and retries.  The backoff doubles on each attempt starting at
// [config.MirrorConfig.ReconnectDelay] and is capped at
// [config.MirrorConfig.ReconnectMaxDelay].  It resets to the initial delay
// after the next successful poll.
//
// # Lifecycle
//
// Run blocks until ctx is cancelled or a permanent error occurs (an API key
// the server does not recognise).
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/skywatch/skymirror/internal/config"
)

// ErrForbidden is returned by Run when the server rejects the API key.
// This is permanent: retrying with the same key cannot succeed.
var ErrForbidden = errors.New("mirror: server rejected API key")

// errNotFound means the file vanished between the status and data requests.
// The next poll cycle picks up the new state, so this is not a failure.
var errNotFound = errors.New("mirror: image not found")

// ConflictError reports that another client currently holds the API key.
type ConflictError struct {
	// Holder is the truncated identity of the incumbent client.
	Holder string
	// RetryAfter is the server's hint for when the incumbent's claim
	// expires if it sends nothing more.
	RetryAfter time.Duration
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("mirror: API key held by %q (retry after %s)", e.Holder, e.RetryAfter)
}

// Status is the decoded body of GET /allsky/api/image/status.
type Status struct {
	Exists       bool    `json:"exists"`
	LastModified *string `json:"last_modified"`
	Size         int64   `json:"size"`
	MD5          *string `json:"md5"`
}

// Option is a functional option for [New] that customises [Client] behaviour.
type Option func(*Client)

// WithMetrics wires a [Metrics] value into the client so that poll outcomes
// are recorded as Prometheus-compatible counters and gauges.
//
// If this option is not provided the client runs without any metric
// instrumentation (a nil [Metrics] pointer is treated as a no-op).
func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithHTTPClient replaces the HTTP client used for all requests. Intended
// for tests; the default client enforces the configured request timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// Client polls a SkyMirror server and mirrors the observed file locally.
// Create one with [New]; call [Run] to start the poll loop.
type Client struct {
	baseURL           string
	apiKey            string
	clientID          string
	pollInterval      time.Duration
	outputPath        string
	reconnectDelay    time.Duration
	reconnectMaxDelay time.Duration

	http    *http.Client
	logger  *slog.Logger
	metrics *Metrics // nil when no instrumentation is requested

	// lastMD5 is the digest of the last successfully mirrored content.
	// Only touched by the Run goroutine.
	lastMD5 string
}

// New creates a Client from the supplied mirror configuration.
//
// Optional [Option] values (e.g. [WithMetrics]) can be passed to customise
// behaviour. The Client is idle until [Run] is called.
func New(cfg *config.MirrorConfig, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:           strings.TrimRight(cfg.ServerURL, "/"),
		apiKey:            cfg.APIKey,
		clientID:          cfg.ClientID,
		pollInterval:      cfg.PollInterval.Std(),
		outputPath:        cfg.OutputPath,
		reconnectDelay:    cfg.ReconnectDelay.Std(),
		reconnectMaxDelay: cfg.ReconnectMaxDelay.Std(),
		http:              &http.Client{Timeout: cfg.RequestTimeout.Std()},
		logger:            logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run polls the server until ctx is cancelled.
//
// Each cycle fetches the status, and downloads the image bytes when the
// digest differs from the last mirrored content. Transient errors back off
// exponentially; a 409 conflict waits for the server's retry hint. Run
// returns nil when ctx is cancelled and [ErrForbidden] when the server
// rejects the API key.
func (c *Client) Run(ctx context.Context) error {
	delay := c.reconnectDelay

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := c.pollOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		var wait time.Duration
		switch {
		case err == nil:
			c.metricsSetConnected(true)
			delay = c.reconnectDelay
			wait = c.pollInterval

		case errors.Is(err, ErrForbidden):
			c.metricsSetConnected(false)
			return err

		default:
			c.metricsSetConnected(false)
			var conflict *ConflictError
			if errors.As(err, &conflict) {
				// Another client holds the key; wait out its claim
				// rather than hammering the server.
				c.metricsConflict()
				wait = conflict.RetryAfter
				if wait <= 0 {
					wait = c.pollInterval
				}
				c.logger.Info("mirror: key held by another client",
					slog.String("holder", conflict.Holder),
					slog.Duration("retry_after", wait),
				)
			} else {
				c.metricsReconnectAttempt()
				c.logger.Warn("mirror: poll failed, will retry",
					slog.String("server", c.baseURL),
					slog.String("error", err.Error()),
					slog.Duration("backoff", delay),
				)
				wait = delay
				delay = NextDelay(delay, c.reconnectMaxDelay)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// pollOnce performs a single status → compare → download cycle.
func (c *Client) pollOnce(ctx context.Context) error {
	c.metricsPoll()

	status, err := c.fetchStatus(ctx)
	if err != nil {
		c.metricsPollError(err)
		return err
	}

	if !status.Exists || status.MD5 == nil {
		c.logger.Debug("mirror: no image on server")
		return nil
	}
	if *status.MD5 == c.lastMD5 {
		return nil
	}

	data, err := c.fetchData(ctx)
	if errors.Is(err, errNotFound) {
		// The file vanished between status and data; the next cycle
		// observes the new state.
		return nil
	}
	if err != nil {
		c.metricsPollError(err)
		return err
	}

	if err := writeAtomic(c.outputPath, data); err != nil {
		c.metricsPollError(err)
		return fmt.Errorf("mirror: write %s: %w", c.outputPath, err)
	}

	c.lastMD5 = *status.MD5
	c.metricsDownload(len(data))
	c.logger.Info("mirror: image updated",
		slog.String("md5", *status.MD5),
		slog.Int("bytes", len(data)),
		slog.String("path", c.outputPath),
	)
	return nil
}

// fetchStatus issues GET /allsky/api/image/status and decodes the body.
func (c *Client) fetchStatus(ctx context.Context) (*Status, error) {
	resp, err := c.get(ctx, "/allsky/api/image/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.checkResponse(resp); err != nil {
		return nil, err
	}

	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("mirror: decode status: %w", err)
	}
	return &status, nil
}

// fetchData issues GET /allsky/api/image/data and returns the raw bytes.
func (c *Client) fetchData(ctx context.Context) ([]byte, error) {
	resp, err := c.get(ctx, "/allsky/api/image/data")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.checkResponse(resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mirror: read image body: %w", err)
	}
	return data, nil
}

// get issues an authenticated GET request against path.
func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("mirror: build request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("X-Client-Id", c.clientID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mirror: %s: %w", path, err)
	}
	return resp, nil
}

// conflictBody is the relevant subset of the server's 409 response.
type conflictBody struct {
	Holder            string `json:"holder"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// checkResponse maps non-2xx responses onto client errors. The response
// body is consumed only for 409, where it carries the retry hint.
func (c *Client) checkResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil

	case resp.StatusCode == http.StatusForbidden:
		return ErrForbidden

	case resp.StatusCode == http.StatusConflict:
		var body conflictBody
		// A decode failure leaves the zero hint; Run falls back to the
		// poll interval.
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return &ConflictError{
			Holder:     body.Holder,
			RetryAfter: time.Duration(body.RetryAfterSeconds) * time.Second,
		}

	case resp.StatusCode == http.StatusNotFound:
		return errNotFound

	default:
		return fmt.Errorf("mirror: server returned %s", resp.Status)
	}
}

// writeAtomic writes data to path via a temp file in the same directory and
// an atomic rename, so readers of path never observe a partial image.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// NextDelay returns the next exponential-backoff delay value.
// It doubles current, capped at max.  Overflow is handled by capping.
//
// Exported so that unit tests can verify the backoff arithmetic directly.
func NextDelay(current, max time.Duration) time.Duration {
	if current <= 0 {
		return max
	}
	next := current * 2
	// Guard against overflow: if doubling wrapped to ≤0, return max.
	if next <= 0 || next > max {
		return max
	}
	return next
}

// ── metrics helpers ──────────────────────────────────────────────────────────
//
// Each helper is a no-op when c.metrics is nil so the hot path (no-op) is a
// single nil pointer check and avoids any indirection.

func (c *Client) metricsPoll() {
	if c.metrics != nil {
		c.metrics.Polls.Add(1)
	}
}

func (c *Client) metricsPollError(err error) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return // counted separately in Run
	}
	if c.metrics != nil {
		c.metrics.PollErrors.Add(1)
	}
}

func (c *Client) metricsConflict() {
	if c.metrics != nil {
		c.metrics.Conflicts.Add(1)
	}
}

func (c *Client) metricsReconnectAttempt() {
	if c.metrics != nil {
		c.metrics.ReconnectAttempts.Add(1)
	}
}

func (c *Client) metricsDownload(bytes int) {
	if c.metrics != nil {
		c.metrics.Downloads.Add(1)
		c.metrics.DownloadedBytes.Add(int64(bytes))
	}
}

func (c *Client) metricsSetConnected(connected bool) {
	if c.metrics != nil {
		if connected {
			c.metrics.Connected.Store(1)
		} else {
			c.metrics.Connected.Store(0)
		}
	}
}
