package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var jpegPolicy = Policy{
	AllowedTypes: []string{"image/jpeg"},
	MaxAttempts:  3,
	Timeout:      5 * time.Second,
	Backoff:      time.Millisecond,
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// noSleep replaces the retry delay in tests and records each requested
// backoff.
func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestDownload_Success(t *testing.T) {
	t.Parallel()

	body := []byte("fake jpeg bytes")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(body)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.jpg")

	d := New(srv.Client(), testLogger())

	res, err := d.Download(context.Background(), srv.URL, dest, jpegPolicy)
	require.NoError(t, err)

	sum := sha256.Sum256(body)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.Hash)
	assert.Equal(t, int64(len(body)), res.ByteLength)
	assert.Equal(t, "image/jpeg", res.ContentType)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	// The staging file must not survive a successful commit.
	_, err = os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(err))
}

func TestDownload_StripsContentTypeParameters(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg; charset=binary")
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	d := New(srv.Client(), testLogger())

	res, err := d.Download(context.Background(), srv.URL, filepath.Join(t.TempDir(), "o.jpg"), jpegPolicy)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", res.ContentType)
}

func TestDownload_DisallowedTypeIsTerminal(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>not an image</html>"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.jpg")

	d := New(srv.Client(), testLogger())

	_, err := d.Download(context.Background(), srv.URL, dest, jpegPolicy)
	require.ErrorIs(t, err, ErrTypeNotAllowed)

	// Terminal failures are not retried.
	assert.Equal(t, int32(1), requests.Load())

	// Nothing written.
	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(err))
}

func TestDownload_RetriesTransientFailureWithDoublingBackoff(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32

	body := []byte("eventually fine")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(body)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.jpg")

	var delays []time.Duration

	d := New(srv.Client(), testLogger())
	d.sleepFunc = noSleep(&delays)

	res, err := d.Download(context.Background(), srv.URL, dest, Policy{
		AllowedTypes: []string{"image/jpeg"},
		MaxAttempts:  4,
		Backoff:      500 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), res.ByteLength)

	// Two failures before success: 0.5s then 1s.
	require.Len(t, delays, 2)
	assert.Equal(t, 500*time.Millisecond, delays[0])
	assert.Equal(t, time.Second, delays[1])
}

func TestDownload_RetriesExhausted(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var delays []time.Duration

	d := New(srv.Client(), testLogger())
	d.sleepFunc = noSleep(&delays)

	_, err := d.Download(context.Background(), srv.URL, filepath.Join(t.TempDir(), "o.jpg"), jpegPolicy)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, int32(jpegPolicy.MaxAttempts), requests.Load())
}

// roundTripperFunc adapts a function to http.RoundTripper so tests can
// craft responses the stdlib server would normalize away.
type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func TestDownload_SizeMismatchRemovesPartAndRetries(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32

	client := &http.Client{
		Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			requests.Add(1)

			// Claims 100 bytes, delivers 10.
			return &http.Response{
				StatusCode:    http.StatusOK,
				Header:        http.Header{"Content-Type": []string{"image/jpeg"}},
				Body:          io.NopCloser(bytes.NewReader(make([]byte, 10))),
				ContentLength: 100,
				Request:       r,
			}, nil
		}),
	}

	dest := filepath.Join(t.TempDir(), "out.jpg")

	var delays []time.Duration

	d := New(client, testLogger())
	d.sleepFunc = noSleep(&delays)

	_, err := d.Download(context.Background(), "http://origin.test/img", dest, Policy{
		AllowedTypes: []string{"image/jpeg"},
		MaxAttempts:  2,
		Backoff:      time.Millisecond,
	})
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorContains(t, err, "does not match")

	// Mismatch is transient, so both attempts ran.
	assert.Equal(t, int32(2), requests.Load())

	_, statErr := os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownload_SendsBrowserUserAgent(t *testing.T) {
	t.Parallel()

	var gotUA string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("x"))
	}))
	defer srv.Close()

	d := New(srv.Client(), testLogger())

	_, err := d.Download(context.Background(), srv.URL, filepath.Join(t.TempDir(), "o.jpg"), jpegPolicy)
	require.NoError(t, err)
	assert.Contains(t, gotUA, "Mozilla/5.0")
}

func TestDownload_CanceledContextStopsRetrying(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())

	d := New(srv.Client(), testLogger())
	d.sleepFunc = func(_ context.Context, _ time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := d.Download(ctx, srv.URL, filepath.Join(t.TempDir(), "o.jpg"), jpegPolicy)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
