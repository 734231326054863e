package objectstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	mediagateway "github.com/wolfeidau/media-gateway"
)

// DefaultRequestTimeout bounds one object storage request. Large objects
// stream well inside this on an internal network.
const DefaultRequestTimeout = 5 * time.Minute

// Client fetches objects server-side through presigned URLs.
type Client struct {
	signer  *Signer
	client  *http.Client
	signTTL time.Duration
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithSignTTL sets the validity window used for internally issued URLs.
func WithSignTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		c.signTTL = ttl
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates an object storage client over the given signer.
func NewClient(signer *Signer, opts ...ClientOption) *Client {
	c := &Client{
		signer:  signer,
		client:  &http.Client{Timeout: DefaultRequestTimeout},
		signTTL: DefaultSignTTL,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open streams an object. byteRange, when non-empty, is a raw Range
// header value (e.g. "bytes=100-199") passed through to the store so a
// seek does not pull the whole object. The returned length is the
// response Content-Length (-1 when unknown).
func (c *Client) Open(ctx context.Context, key, byteRange string) (io.ReadCloser, int64, error) {
	signedURL, err := c.signer.SignGet(ctx, key, c.signTTL)
	if err != nil {
		return nil, 0, mediagateway.NewError(mediagateway.KindUpstreamPermanent, "signing object URL", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signedURL, nil)
	if err != nil {
		return nil, 0, mediagateway.NewError(mediagateway.KindUpstreamPermanent, "building object request", err)
	}
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, mediagateway.NewError(mediagateway.KindUpstreamTransient, "object storage request failed", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if byteRange != "" {
			// A 200 here means the store ignored the Range header; passing
			// the full body through as if it were the requested span would
			// corrupt the client's view of the object.
			_ = resp.Body.Close()
			return nil, 0, mediagateway.NewError(mediagateway.KindUpstreamPermanent,
				fmt.Sprintf("object storage ignored range request for %q", key), nil)
		}
		return resp.Body, resp.ContentLength, nil
	case http.StatusPartialContent:
		return resp.Body, resp.ContentLength, nil
	case http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, 0, mediagateway.NewError(mediagateway.KindUpstreamPermanent,
			fmt.Sprintf("object %q not found", key), nil)
	default:
		_ = resp.Body.Close()
		kind := mediagateway.KindUpstreamPermanent
		if resp.StatusCode >= 500 {
			kind = mediagateway.KindUpstreamTransient
		}
		return nil, 0, mediagateway.NewError(kind,
			fmt.Sprintf("object storage returned status %d for %q", resp.StatusCode, key), nil)
	}
}

// Stat returns the size and content type of an object via a signed HEAD.
func (c *Client) Stat(ctx context.Context, key string) (int64, string, error) {
	signedURL, err := c.signer.SignHead(ctx, key, c.signTTL)
	if err != nil {
		return 0, "", mediagateway.NewError(mediagateway.KindUpstreamPermanent, "signing object URL", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, signedURL, nil)
	if err != nil {
		return 0, "", mediagateway.NewError(mediagateway.KindUpstreamPermanent, "building object request", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, "", mediagateway.NewError(mediagateway.KindUpstreamTransient, "object storage request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.ContentLength, resp.Header.Get("Content-Type"), nil
	case resp.StatusCode == http.StatusNotFound:
		return 0, "", mediagateway.NewError(mediagateway.KindUpstreamPermanent,
			fmt.Sprintf("object %q not found", key), nil)
	case resp.StatusCode >= 500:
		return 0, "", mediagateway.NewError(mediagateway.KindUpstreamTransient,
			fmt.Sprintf("object storage returned status %d for %q", resp.StatusCode, key), nil)
	default:
		return 0, "", mediagateway.NewError(mediagateway.KindUpstreamPermanent,
			fmt.Sprintf("object storage returned status %d for %q", resp.StatusCode, key), nil)
	}
}
