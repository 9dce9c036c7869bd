// Package imagefetch materializes a remote image on local disk for the
// inference step, under strict size, content-type and time budgets.
//
// All failures here are permanent from the worker's point of view: a missing
// or oversized image will not become fetchable on redelivery, so the worker
// converts every fetch error into a FAILURE callback rather than a retry.
package imagefetch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/odontiq/odontiq/task"
)

// Options configures a Fetcher.
type Options struct {
	// MaxBytes caps the downloaded size. Default: 50 MiB.
	MaxBytes int64
	// Timeout bounds the whole fetch (preflight + download). Default: 30s.
	Timeout time.Duration
	// Client overrides the HTTP client. Its Timeout is left untouched;
	// deadlines come from the per-fetch context.
	Client *http.Client
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.MaxBytes <= 0 {
		o.MaxBytes = 50 << 20
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Client == nil {
		o.Client = http.DefaultClient
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Fetcher downloads images with guards.
type Fetcher struct {
	opts Options
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	opts.defaults()
	return &Fetcher{opts: opts}
}

// acceptableContentType reports whether ct can plausibly be an X-ray image.
// DICOM servers commonly serve application/dicom or application/octet-stream.
func acceptableContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return strings.HasPrefix(ct, "image/") ||
		ct == "application/dicom" ||
		ct == "application/octet-stream" ||
		ct == "" // servers that omit the header are given the benefit of the doubt
}

// Fetch downloads rawURL to destPath. It runs a HEAD preflight when the
// server allows it, then streams the GET body with a running size check,
// deleting the partial file on any failure. Returns nil on success.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, destPath string) *task.Error {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return task.Errorf(task.KindImageUnreachable, "invalid image URL %q", rawURL)
	}

	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	// HEAD preflight: cheap rejection of oversized or non-image content.
	// Servers that reject HEAD (405, 501) fall through to the streamed GET,
	// which enforces the same limits on the actual bytes.
	if e := f.preflight(ctx, rawURL); e != nil {
		return e
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return task.Errorf(task.KindImageUnreachable, "build request: %v", err)
	}
	resp, err := f.opts.Client.Do(req)
	if err != nil {
		return task.Errorf(task.KindImageUnreachable, "GET %s: %v", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return task.Errorf(task.KindImageUnreachable, "GET %s: status %d", rawURL, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !acceptableContentType(ct) {
		return task.Errorf(task.KindImageFormatBad, "content type %q is not an image", ct)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return task.Errorf(task.KindImageUnreachable, "prepare dest dir: %v", err)
	}
	dst, err := os.Create(destPath)
	if err != nil {
		return task.Errorf(task.KindImageUnreachable, "create %s: %v", destPath, err)
	}

	// +1 so an exactly-at-limit body passes and an over-limit one is detected
	// without reading the whole thing.
	n, err := io.Copy(dst, io.LimitReader(resp.Body, f.opts.MaxBytes+1))
	closeErr := dst.Close()
	if err != nil {
		os.Remove(destPath)
		return task.Errorf(task.KindImageUnreachable, "download %s: %v", rawURL, err)
	}
	if closeErr != nil {
		os.Remove(destPath)
		return task.Errorf(task.KindImageUnreachable, "flush %s: %v", destPath, closeErr)
	}
	if n > f.opts.MaxBytes {
		os.Remove(destPath)
		return task.Errorf(task.KindImageTooLarge,
			"image exceeds %d bytes", f.opts.MaxBytes)
	}
	if n == 0 {
		os.Remove(destPath)
		return task.Errorf(task.KindImageFormatBad, "image body is empty")
	}

	f.opts.Logger.Debug("imagefetch: downloaded", "url", rawURL, "bytes", n, "dest", destPath)
	return nil
}

func (f *Fetcher) preflight(ctx context.Context, rawURL string) *task.Error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return task.Errorf(task.KindImageUnreachable, "build preflight: %v", err)
	}
	resp, err := f.opts.Client.Do(req)
	if err != nil {
		// Connection-level failure: the GET would fail the same way.
		return task.Errorf(task.KindImageUnreachable, "HEAD %s: %v", rawURL, err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed,
		resp.StatusCode == http.StatusNotImplemented:
		return nil // server refuses HEAD; GET enforces the limits
	case resp.StatusCode != http.StatusOK:
		return task.Errorf(task.KindImageUnreachable, "HEAD %s: status %d", rawURL, resp.StatusCode)
	}

	if ct := resp.Header.Get("Content-Type"); !acceptableContentType(ct) {
		return task.Errorf(task.KindImageFormatBad, "content type %q is not an image", ct)
	}
	if cl := resp.ContentLength; cl > f.opts.MaxBytes {
		return task.Errorf(task.KindImageTooLarge,
			"declared size %d exceeds limit %d", cl, f.opts.MaxBytes)
	}
	return nil
}

// Stat verifies that a pre-uploaded local image exists and is non-empty.
func Stat(path string) *task.Error {
	fi, err := os.Stat(path)
	if err != nil {
		return task.Errorf(task.KindImageUnreachable, "uploaded image missing: %v", err)
	}
	if fi.Size() == 0 {
		return task.Errorf(task.KindImageFormatBad, "uploaded image is empty")
	}
	return nil
}
