package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	gos3 "peerhost/pkg/s3"
)

// ErrExhaustedRetries is returned once every fetch attempt has failed.
var ErrExhaustedRetries = errors.New("exhausted retries")

// ObjectGetter reads objects from an S3-compatible store.
type ObjectGetter interface {
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)
}

// Options configures a Fetcher.
type Options struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	RetryDelay     time.Duration
	HTTPClient     *http.Client
	// S3 serves s3:// URLs. Without it such URLs fail every attempt.
	S3 ObjectGetter
	// Sleep waits between attempts; it defaults to a timer that honours ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Attempt records one try of a fetch.
type Attempt struct {
	Number  int
	Err     error
	Elapsed time.Duration
}

// Result describes a finished fetch, successful or not.
type Result struct {
	URL         string
	Destination string
	Bytes       int64
	Attempts    []Attempt
}

// Fetcher downloads an artifact with a bounded number of sequential
// attempts separated by a constant delay. Each attempt has its own timeout.
type Fetcher struct {
	logger *log.Logger
	opts   Options
}

// NewFetcher validates opts and returns a Fetcher logging through logger.
func NewFetcher(logger *log.Logger, opts Options) (*Fetcher, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.MaxAttempts <= 0 {
		return nil, errors.New("max attempts must be positive")
	}
	if opts.AttemptTimeout <= 0 {
		return nil, errors.New("attempt timeout must be positive")
	}
	if opts.RetryDelay < 0 {
		return nil, errors.New("retry delay must not be negative")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Fetcher{logger: logger, opts: opts}, nil
}

// Fetch downloads rawURL to dest. Data is streamed to dest+".part" and only
// renamed into place once an attempt completes, so dest never holds a
// partial download.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, dest string) (Result, error) {
	res := Result{URL: rawURL, Destination: dest}
	if dest == "" {
		return res, errors.New("destination is required")
	}
	src, err := url.Parse(rawURL)
	if err != nil {
		return res, fmt.Errorf("parse url: %w", err)
	}
	switch src.Scheme {
	case "http", "https", "s3":
	default:
		return res, fmt.Errorf("unsupported url scheme %q", src.Scheme)
	}
	if dir := filepath.Dir(dest); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return res, fmt.Errorf("create destination dir: %w", err)
		}
	}

	partial := dest + ".part"
	var lastErr, placeErr error
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		n := len(res.Attempts) + 1
		started := time.Now()
		written, err := f.attempt(ctx, src, partial)
		res.Attempts = append(res.Attempts, Attempt{Number: n, Err: err, Elapsed: time.Since(started)})
		if err != nil {
			lastErr = err
			f.logger.Printf("WARN fetch attempt %d/%d for %s failed: %v", n, f.opts.MaxAttempts, redact(src), err)
			return err
		}
		if err := os.Rename(partial, dest); err != nil {
			placeErr = fmt.Errorf("move download into place: %w", err)
			return backoff.Permanent(placeErr)
		}
		res.Bytes = written
		f.logger.Printf("INFO fetched %s to %s (%d bytes, attempt %d/%d)", redact(src), dest, written, n, f.opts.MaxAttempts)
		return nil
	}

	retryCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	timer := &sleepTimer{ctx: retryCtx, cancel: cancel, sleep: f.opts.Sleep, c: make(chan time.Time, 1)}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(f.opts.RetryDelay), uint64(f.opts.MaxAttempts-1)),
		retryCtx,
	)
	notify := func(_ error, wait time.Duration) {
		f.logger.Printf("DEBUG retrying %s in %s", redact(src), wait)
	}

	err = backoff.RetryNotifyWithTimer(op, policy, notify, timer)
	if err == nil {
		return res, nil
	}
	_ = os.Remove(partial)
	switch {
	case placeErr != nil:
		return res, placeErr
	case timer.err != nil:
		return res, fmt.Errorf("fetch %s: %w", redact(src), timer.err)
	case ctx.Err() != nil:
		return res, fmt.Errorf("fetch %s: %w", redact(src), ctx.Err())
	}
	return res, fmt.Errorf("%w: %s after %d attempts: %v", ErrExhaustedRetries, redact(src), len(res.Attempts), lastErr)
}

// sleepTimer drives the backoff delays through Options.Sleep. A failed sleep
// cancels the retry context, which ends the retries with that error.
type sleepTimer struct {
	ctx    context.Context
	cancel context.CancelFunc
	sleep  func(ctx context.Context, d time.Duration) error
	c      chan time.Time
	err    error
}

func (t *sleepTimer) Start(d time.Duration) {
	if err := t.sleep(t.ctx, d); err != nil {
		t.err = err
		t.cancel()
		return
	}
	t.c <- time.Now()
}

func (t *sleepTimer) Stop() {}

func (t *sleepTimer) C() <-chan time.Time { return t.c }

func (f *Fetcher) attempt(ctx context.Context, src *url.URL, partial string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.AttemptTimeout)
	defer cancel()

	body, size, err := f.open(ctx, src)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	out, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", partial, err)
	}
	written, err := io.Copy(out, body)
	if err != nil {
		out.Close()
		return written, fmt.Errorf("download: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return written, fmt.Errorf("sync %s: %w", partial, err)
	}
	if err := out.Close(); err != nil {
		return written, fmt.Errorf("close %s: %w", partial, err)
	}
	if size >= 0 && written != size {
		return written, fmt.Errorf("short download: expected %d bytes got %d", size, written)
	}
	return written, nil
}

func (f *Fetcher) open(ctx context.Context, src *url.URL) (io.ReadCloser, int64, error) {
	if src.Scheme == "s3" {
		if f.opts.S3 == nil {
			return nil, 0, errors.New("s3 client is not configured")
		}
		bucket, key, err := gos3.ParseURL(src.String())
		if err != nil {
			return nil, 0, err
		}
		return f.opts.S3.GetObject(ctx, bucket, key)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := f.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, 0, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return resp.Body, resp.ContentLength, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// redact drops credentials and query strings (presigned URLs) from logs.
func redact(u *url.URL) string {
	clone := *u
	clone.User = nil
	clone.RawQuery = ""
	return clone.String()
}
