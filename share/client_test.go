package share

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	mediagateway "github.com/wolfeidau/media-gateway"
)

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func newTestClient(upstream *httptest.Server) *Client {
	return NewClient(
		WithBaseURL(upstream.URL),
		WithHTTPClient(upstream.Client()),
		WithSleeper(noSleep),
	)
}

func TestFetchSuccess(t *testing.T) {
	payload := []byte("fake mp4 bytes")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "download", r.URL.Query().Get("export"))
		require.Equal(t, "file123abcdef", r.URL.Query().Get("id"))
		require.Contains(t, r.Header.Get("User-Agent"), "Mozilla")

		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write(payload)
	}))
	defer upstream.Close()

	result, err := newTestClient(upstream).Fetch(context.Background(), "file123abcdef")
	require.NoError(t, err)
	defer func() { _ = result.Body.Close() }()

	require.Equal(t, "video/mp4", result.ContentType)
	require.Equal(t, int64(len(payload)), result.Size)

	got, err := io.ReadAll(result.Body)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFetchConfirmInterstitial(t *testing.T) {
	payload := []byte("large file bytes")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("confirm") == "" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(`<html><a href="/uc?export=download&confirm=abc123&id=f">Download anyway</a></html>`))
			return
		}
		require.Equal(t, "abc123", r.URL.Query().Get("confirm"))
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(payload)
	}))
	defer upstream.Close()

	result, err := newTestClient(upstream).Fetch(context.Background(), "file123abcdef")
	require.NoError(t, err)
	defer func() { _ = result.Body.Close() }()

	got, err := io.ReadAll(result.Body)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFetchHTMLAfterConfirmIsPermanent(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>quota exceeded</html>"))
	}))
	defer upstream.Close()

	_, err := newTestClient(upstream).Fetch(context.Background(), "file123abcdef")
	require.Error(t, err)
	require.Equal(t, mediagateway.KindUpstreamPermanent, mediagateway.KindOf(err))
}

func TestFetchNonMediaBodyIsPermanent(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":"download quota exceeded"}`))
	}))
	defer upstream.Close()

	_, err := newTestClient(upstream).Fetch(context.Background(), "file123abcdef")
	require.Error(t, err)
	require.Equal(t, mediagateway.KindUpstreamPermanent, mediagateway.KindOf(err))
	require.Equal(t, int32(1), calls.Load(), "a non-media body must not be retried")
}

func TestFetchNonMediaAfterConfirmIsPermanent(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("confirm") == "" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte(`<html><a href="/uc?export=download&confirm=abc123&id=f">Download anyway</a></html>`))
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("download quota exceeded"))
	}))
	defer upstream.Close()

	_, err := newTestClient(upstream).Fetch(context.Background(), "file123abcdef")
	require.Error(t, err)
	require.Equal(t, mediagateway.KindUpstreamPermanent, mediagateway.KindOf(err))
}

func TestIsMedia(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{contentType: "video/mp4", want: true},
		{contentType: "audio/mpeg", want: true},
		{contentType: "image/jpeg", want: true},
		{contentType: "application/octet-stream", want: true},
		{contentType: "binary/octet-stream", want: true},
		{contentType: "Video/MP4; charset=binary", want: true},
		{contentType: "", want: true},
		{contentType: "application/json", want: false},
		{contentType: "text/plain; charset=utf-8", want: false},
		{contentType: "application/xml", want: false},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, isMedia(tt.contentType), "content type %q", tt.contentType)
	}
}

func TestFetchRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("bytes"))
	}))
	defer upstream.Close()

	result, err := newTestClient(upstream).Fetch(context.Background(), "file123abcdef")
	require.NoError(t, err)
	_ = result.Body.Close()
	require.Equal(t, int32(3), calls.Load())
}

func TestFetchExhaustsRetryBudget(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	_, err := newTestClient(upstream).Fetch(context.Background(), "file123abcdef")
	require.Error(t, err)
	require.True(t, mediagateway.IsTransient(err))
	require.Equal(t, int32(DefaultMaxAttempts), calls.Load())
}

func TestFetchPermanentNotRetried(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	_, err := newTestClient(upstream).Fetch(context.Background(), "file123abcdef")
	require.Error(t, err)
	require.Equal(t, mediagateway.KindUpstreamPermanent, mediagateway.KindOf(err))
	require.Equal(t, int32(1), calls.Load())
}

func TestFetchEmptyID(t *testing.T) {
	c := NewClient(WithSleeper(noSleep))
	_, err := c.Fetch(context.Background(), "")
	require.Error(t, err)
	require.Equal(t, mediagateway.KindUpstreamPermanent, mediagateway.KindOf(err))
}
