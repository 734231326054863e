// Package share fetches media bytes from the third-party consumer
// file-sharing origin. The service has no range-serving or quota-friendly
// API, so the gateway downloads files once and caches them on disk; this
// package only performs the outbound download.
package share

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	mediagateway "github.com/wolfeidau/media-gateway"
)

const (
	// DefaultBaseURL is the download endpoint of the sharing origin.
	DefaultBaseURL = "https://share.example.com"

	// DefaultTimeout bounds one download attempt so a wedged upstream
	// cannot pin a single-flight key indefinitely.
	DefaultTimeout = 5 * time.Minute

	// defaultUserAgent is a realistic browser identity; the sharing origin
	// rejects obvious bot clients.
	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:122.0) Gecko/20100101 Firefox/122.0"

	// interstitialSniffLimit caps how much of an HTML response is read
	// when looking for the confirm-download form.
	interstitialSniffLimit = 64 * 1024
)

// confirmTokenPattern extracts the confirm token from the interstitial
// page the origin serves for large files instead of bytes.
var confirmTokenPattern = regexp.MustCompile(`confirm=([0-9A-Za-z_-]+)`)

// FetchResult is an open upstream byte stream. Size is -1 when the origin
// did not declare a length.
type FetchResult struct {
	Body        io.ReadCloser
	Size        int64
	ContentType string
}

// Client downloads files from the sharing origin by file id.
type Client struct {
	baseURL     string
	userAgent   string
	client      *http.Client
	maxAttempts int
	baseDelay   time.Duration
	sleep       Sleeper
	logger      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the sharing origin base URL.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithUserAgent overrides the outbound User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithRetry sets the attempt budget and base backoff delay.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.maxAttempts = maxAttempts
		c.baseDelay = baseDelay
	}
}

// WithSleeper sets the sleep function used between retries.
func WithSleeper(s Sleeper) Option {
	return func(c *Client) {
		c.sleep = s
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a sharing-origin client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:     DefaultBaseURL,
		userAgent:   defaultUserAgent,
		client:      &http.Client{Timeout: DefaultTimeout},
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		sleep:       defaultSleeper,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch downloads the file with the given id. Transient failures are
// retried with exponential backoff inside the attempt budget; the caller
// receives a normalised gateway error when the budget is exhausted or the
// failure is permanent. The returned body streams directly from the
// origin; callers copy it to disk in chunks.
func (c *Client) Fetch(ctx context.Context, fileID string) (*FetchResult, error) {
	if fileID == "" {
		return nil, mediagateway.NewError(mediagateway.KindUpstreamPermanent, "empty share file id", nil)
	}

	for attempt := 1; ; attempt++ {
		result, err := c.fetchOnce(ctx, fileID)
		if err == nil {
			return result, nil
		}

		if !ShouldRetry(attempt, c.maxAttempts, err) {
			return nil, err
		}

		delay := BackoffDelay(attempt, c.baseDelay)
		c.logger.Warn("share fetch failed, retrying",
			"file_id", fileID,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, mediagateway.NewError(mediagateway.KindUpstreamTransient, "share fetch cancelled during backoff", err)
		}
	}
}

// fetchOnce performs one download attempt, following a confirm
// interstitial at most once.
func (c *Client) fetchOnce(ctx context.Context, fileID string) (*FetchResult, error) {
	result, err := c.request(ctx, c.downloadURL(fileID, ""))
	if err != nil {
		return nil, err
	}

	if !isHTML(result.ContentType) {
		if !isMedia(result.ContentType) {
			// Quota notices and error payloads arrive as 200 with JSON or
			// plain text; caching those as media would poison the key.
			_ = result.Body.Close()
			return nil, mediagateway.NewError(mediagateway.KindUpstreamPermanent,
				fmt.Sprintf("share %s served %s, not media", fileID, result.ContentType), nil)
		}
		return result, nil
	}

	// The origin returned its "confirm download" page instead of bytes.
	// Sniff the confirm token and retry the confirmed variant.
	token, sniffErr := sniffConfirmToken(result.Body)
	_ = result.Body.Close()
	if sniffErr != nil {
		return nil, mediagateway.NewError(mediagateway.KindUpstreamTransient, "reading confirm interstitial", sniffErr)
	}

	confirmed, err := c.request(ctx, c.downloadURL(fileID, token))
	if err != nil {
		return nil, err
	}
	if isHTML(confirmed.ContentType) {
		_ = confirmed.Body.Close()
		return nil, mediagateway.NewError(mediagateway.KindUpstreamPermanent,
			fmt.Sprintf("share %s served HTML after confirm, not media", fileID), nil)
	}
	if !isMedia(confirmed.ContentType) {
		_ = confirmed.Body.Close()
		return nil, mediagateway.NewError(mediagateway.KindUpstreamPermanent,
			fmt.Sprintf("share %s served %s after confirm, not media", fileID, confirmed.ContentType), nil)
	}
	return confirmed, nil
}

// request issues one GET and classifies the response.
func (c *Client) request(ctx context.Context, u string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, mediagateway.NewError(mediagateway.KindUpstreamPermanent, "building share request", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, mediagateway.NewError(mediagateway.KindUpstreamTransient, "share request failed", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &FetchResult{
			Body:        resp.Body,
			Size:        resp.ContentLength,
			ContentType: resp.Header.Get("Content-Type"),
		}, nil

	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		_ = resp.Body.Close()
		return nil, mediagateway.NewError(mediagateway.KindUpstreamPermanent,
			fmt.Sprintf("share file not found (status %d)", resp.StatusCode), nil)

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		_ = resp.Body.Close()
		return nil, mediagateway.NewError(mediagateway.KindUpstreamTransient,
			fmt.Sprintf("share upstream returned status %d", resp.StatusCode), nil)

	default:
		// Remaining 4xx: revoked share, permission change. Durable.
		_ = resp.Body.Close()
		return nil, mediagateway.NewError(mediagateway.KindUpstreamPermanent,
			fmt.Sprintf("share upstream returned status %d", resp.StatusCode), nil)
	}
}

func (c *Client) downloadURL(fileID, confirm string) string {
	q := url.Values{}
	q.Set("export", "download")
	q.Set("id", fileID)
	if confirm != "" {
		q.Set("confirm", confirm)
	}
	return c.baseURL + "/uc?" + q.Encode()
}

func isHTML(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/html")
}

// isMedia reports whether a response content type is a media payload the
// gateway will cache. The origin serves quota notices and error bodies as
// JSON or plain text with a 200 status, which must not be admitted. An
// empty content type is accepted because the origin omits the header on
// some raw downloads.
func isMedia(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == "" {
		return true
	}
	switch {
	case strings.HasPrefix(ct, "video/"),
		strings.HasPrefix(ct, "audio/"),
		strings.HasPrefix(ct, "image/"):
		return true
	}
	return ct == "application/octet-stream" || ct == "binary/octet-stream"
}

// sniffConfirmToken reads a bounded prefix of the interstitial page and
// extracts the confirm token. Falls back to "t", which the origin accepts
// for most files.
func sniffConfirmToken(body io.Reader) (string, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(body, interstitialSniffLimit)); err != nil {
		return "", err
	}
	if m := confirmTokenPattern.FindSubmatch(buf.Bytes()); m != nil {
		return string(m[1]), nil
	}
	return "t", nil
}
