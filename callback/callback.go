// Package callback delivers terminal envelopes to client callback URLs.
//
// Delivery is a single POST per invocation with a strict timeout; only an
// HTTP 2xx response counts as delivered. There are no implicit retries:
// pairing retry with receiver-side idempotency is a separate design, and a
// duplicate terminal callback is worse than a lost one for receivers that
// act on the first POST.
package callback

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/odontiq/odontiq/task"
)

// ErrUndelivered reports a callback attempt that did not produce a 2xx.
type ErrUndelivered struct {
	URL   string
	Cause error
}

func (e *ErrUndelivered) Error() string {
	return fmt.Sprintf("callback to %s undelivered: %v", e.URL, e.Cause)
}

func (e *ErrUndelivered) Unwrap() error { return e.Cause }

// Options configures a Dispatcher.
type Options struct {
	// Timeout bounds each delivery attempt. Default: 10s.
	Timeout time.Duration
	// Secret, when set, signs the body with HMAC-SHA256 into an
	// X-Signature-256 header (hex, "sha256=" prefix).
	Secret string
	// Client overrides the HTTP client.
	Client *http.Client
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Dispatcher posts envelopes.
type Dispatcher struct {
	opts Options
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	opts.defaults()
	return &Dispatcher{opts: opts}
}

// Send POSTs env to url. Returns nil when the receiver answered 2xx within
// the timeout, *ErrUndelivered otherwise. Exactly one POST per call.
func (d *Dispatcher) Send(ctx context.Context, url string, env *task.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return &ErrUndelivered{URL: url, Cause: fmt.Errorf("marshal envelope: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &ErrUndelivered{URL: url, Cause: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	if d.opts.Secret != "" {
		mac := hmac.New(sha256.New, []byte(d.opts.Secret))
		mac.Write(body)
		req.Header.Set("X-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	start := time.Now()
	resp, err := d.opts.Client.Do(req)
	if err != nil {
		return &ErrUndelivered{URL: url, Cause: err}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ErrUndelivered{URL: url, Cause: fmt.Errorf("receiver returned %d", resp.StatusCode)}
	}

	d.opts.Logger.Debug("callback: delivered",
		"task_id", env.TaskID, "status", env.Status,
		"http_status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())
	return nil
}
