// Package objectstore issues time-limited signed URLs for private
// S3-compatible object storage and streams objects through them. Signed
// URLs are used only server-side; they never reach a client-facing header
// or body. The gateway proxies the bytes itself.
package objectstore

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

const (
	// DefaultSignTTL is the default validity window for signed URLs.
	DefaultSignTTL = 1 * time.Hour

	// unsignedPayload is the SigV4 payload hash used for presigned
	// requests whose body is not known at signing time.
	unsignedPayload = "UNSIGNED-PAYLOAD"

	signingService = "s3"
)

// Config holds the object storage connection settings.
type Config struct {
	// Endpoint is the S3-compatible endpoint, e.g. "https://minio.internal:9000".
	Endpoint string

	// Bucket holds the media objects. Requests use path-style addressing,
	// which every S3-compatible store accepts.
	Bucket string

	// Region for SigV4 signing. S3-compatible stores typically accept
	// any value but it must be stable.
	Region string

	AccessKeyID     string
	SecretAccessKey string
}

// Signer produces SigV4-presigned URLs for objects in the configured
// bucket. Deterministic given the same inputs, secret material, and clock.
type Signer struct {
	config Config
	creds  aws.CredentialsProvider
	signer *v4.Signer
	now    func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithSignerNow sets the time function for testing.
func WithSignerNow(now func() time.Time) SignerOption {
	return func(s *Signer) {
		s.now = now
	}
}

// NewSigner creates a signer for the given object storage configuration.
func NewSigner(cfg Config, opts ...SignerOption) (*Signer, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("object storage endpoint and bucket are required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	cfg.Endpoint = strings.TrimSuffix(cfg.Endpoint, "/")

	s := &Signer{
		config: cfg,
		creds:  credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		signer: v4.NewSigner(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SignGet returns a presigned GET URL for the object key, valid for ttl.
func (s *Signer) SignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return s.sign(ctx, http.MethodGet, key, ttl)
}

// SignHead returns a presigned HEAD URL for the object key, valid for ttl.
func (s *Signer) SignHead(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return s.sign(ctx, http.MethodHead, key, ttl)
}

func (s *Signer) sign(ctx context.Context, method, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultSignTTL
	}

	creds, err := s.creds.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("retrieving object storage credentials: %w", err)
	}

	req, err := http.NewRequest(method, s.objectURL(key), nil)
	if err != nil {
		return "", fmt.Errorf("building request for object %q: %w", key, err)
	}

	q := req.URL.Query()
	q.Set("X-Amz-Expires", strconv.FormatInt(int64(ttl.Seconds()), 10))
	req.URL.RawQuery = q.Encode()

	signedURL, _, err := s.signer.PresignHTTP(ctx, creds, req, unsignedPayload, signingService, s.config.Region, s.now())
	if err != nil {
		return "", fmt.Errorf("presigning object %q: %w", key, err)
	}
	return signedURL, nil
}

// objectURL returns the path-style URL for an object key.
func (s *Signer) objectURL(key string) string {
	return s.config.Endpoint + "/" + s.config.Bucket + "/" + strings.TrimPrefix(key, "/")
}
