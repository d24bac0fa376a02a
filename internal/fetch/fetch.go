// Package fetch implements the strict single-URL downloader: a streaming
// GET with content-type policy enforcement, running SHA-256 hashing, size
// verification against Content-Length, and atomic placement via a sibling
// .part file. The rename over the destination is the commit point; a
// failed attempt never leaves a partial file behind.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"time"
)

// copyChunkSize is the streaming buffer size.
const copyChunkSize = 8 * 1024

// defaultBackoff is the initial retry delay, doubled on each attempt.
const defaultBackoff = 500 * time.Millisecond

// userAgent mimics a browser because some image CDNs reject generic
// clients.
const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Sentinel errors classifying download failures.
var (
	// ErrTypeNotAllowed marks a response whose media type is outside the
	// policy. Terminal: never retried.
	ErrTypeNotAllowed = errors.New("fetch: content type not allowed")

	// ErrSizeMismatch marks a stream whose byte count disagrees with the
	// Content-Length header. Transient: the content may have changed
	// mid-download, so the attempt is retried.
	ErrSizeMismatch = errors.New("fetch: body size does not match Content-Length")

	// ErrRetriesExhausted marks a download that failed on every attempt.
	ErrRetriesExhausted = errors.New("fetch: retries exhausted")
)

// Policy bounds one download: admitted media types, per-attempt timeout,
// and the retry budget.
type Policy struct {
	AllowedTypes []string
	MaxAttempts  int
	Timeout      time.Duration
	Backoff      time.Duration // initial; doubles each attempt
}

// allows reports whether mediaType is admitted.
func (p Policy) allows(mediaType string) bool {
	for _, t := range p.AllowedTypes {
		if t == mediaType {
			return true
		}
	}

	return false
}

// Result describes a committed download.
type Result struct {
	Hash        string // SHA-256 hex of the body
	ByteLength  int64
	ContentType string // media type, parameters stripped
}

// Downloader performs strict downloads. Safe for concurrent use.
type Downloader struct {
	client *http.Client
	logger *slog.Logger

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// New creates a Downloader. A nil client falls back to
// http.DefaultClient; per-attempt timeouts come from the policy, not the
// client.
func New(client *http.Client, logger *slog.Logger) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Downloader{
		client:    client,
		logger:    logger,
		sleepFunc: timeSleep,
	}
}

// Download fetches url into dest under policy, retrying transient
// failures with exponential backoff. ErrTypeNotAllowed is terminal and
// returned on the first occurrence; all other failures are retried up to
// policy.MaxAttempts and then reported wrapped in ErrRetriesExhausted.
func (d *Downloader) Download(ctx context.Context, url, dest string, policy Policy) (*Result, error) {
	backoff := policy.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}

	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := d.fetchOnce(ctx, url, dest, policy)
		if err == nil {
			d.logger.Info("download complete",
				slog.String("url", url),
				slog.String("dest", dest),
				slog.Int64("bytes", res.ByteLength),
				slog.String("content_type", res.ContentType),
			)

			return res, nil
		}

		if errors.Is(err, ErrTypeNotAllowed) {
			return nil, err
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch: canceled: %w", ctx.Err())
		}

		lastErr = err

		if attempt < attempts {
			d.logger.Warn("download attempt failed, retrying",
				slog.String("url", url),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", attempts),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)

			if sleepErr := d.sleepFunc(ctx, backoff); sleepErr != nil {
				return nil, fmt.Errorf("fetch: canceled: %w", sleepErr)
			}

			backoff *= 2
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempts, lastErr)
}

// fetchOnce performs a single download attempt. Side effects are confined
// to dest+".part" and, on success, dest itself.
func (d *Downloader) fetchOnce(ctx context.Context, url, dest string, policy Policy) (*Result, error) {
	reqCtx := ctx

	if policy.Timeout > 0 {
		var cancel context.CancelFunc

		reqCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("fetch: creating request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("fetch: unexpected status %d", resp.StatusCode)
	}

	mediaType := stripParams(resp.Header.Get("Content-Type"))
	if !policy.allows(mediaType) {
		return nil, fmt.Errorf("%w: %q", ErrTypeNotAllowed, mediaType)
	}

	total, sum, err := d.streamToPart(resp.Body, dest)
	if err != nil {
		return nil, err
	}

	if cl := resp.ContentLength; cl > 0 && total != cl {
		os.Remove(dest + ".part")

		return nil, fmt.Errorf("%w: got %d, header says %d", ErrSizeMismatch, total, cl)
	}

	// Rename is the commit point.
	if err := os.Rename(dest+".part", dest); err != nil {
		os.Remove(dest + ".part")

		return nil, fmt.Errorf("fetch: committing %s: %w", dest, err)
	}

	return &Result{
		Hash:        hex.EncodeToString(sum.Sum(nil)),
		ByteLength:  total,
		ContentType: mediaType,
	}, nil
}

// streamToPart copies body into dest+".part" while hashing. The .part
// file is removed on any error so a later attempt starts clean.
func (d *Downloader) streamToPart(body io.Reader, dest string) (int64, hash.Hash, error) {
	partPath := dest + ".part"

	f, err := os.Create(partPath)
	if err != nil {
		return 0, nil, fmt.Errorf("fetch: creating part file: %w", err)
	}

	hasher := sha256.New()
	buf := make([]byte, copyChunkSize)

	total, copyErr := io.CopyBuffer(io.MultiWriter(f, hasher), body, buf)

	closeErr := f.Close()

	if copyErr != nil {
		os.Remove(partPath)

		return 0, nil, fmt.Errorf("fetch: streaming body: %w", copyErr)
	}

	if closeErr != nil {
		os.Remove(partPath)

		return 0, nil, fmt.Errorf("fetch: closing part file: %w", closeErr)
	}

	return total, hasher, nil
}

// stripParams returns the media type with any parameters removed.
func stripParams(contentType string) string {
	if contentType == "" {
		return ""
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return contentType
	}

	return mediaType
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
