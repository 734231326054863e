// Package server provides the HTTP server for the media gateway.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	mediagateway "github.com/wolfeidau/media-gateway"
	"github.com/wolfeidau/media-gateway/cache"
	"github.com/wolfeidau/media-gateway/metadata"
	"github.com/wolfeidau/media-gateway/objectstore"
	"github.com/wolfeidau/media-gateway/share"
	"github.com/wolfeidau/media-gateway/stream"
	"github.com/wolfeidau/media-gateway/telemetry"
	"github.com/wolfeidau/media-gateway/translate"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// CacheDir is the root directory for the proxy cache, its index and
	// the translation cache.
	CacheDir string

	// SiteHost is the host whose pages may embed streams. Requests whose
	// Referer points elsewhere are rejected. Empty disables the check.
	SiteHost string

	// LocalMediaRoot confines Local-backend files to a directory tree.
	// Empty allows absolute locators.
	LocalMediaRoot string

	// SessionCookie names the cookie checked for session-gated media.
	// Default: "session".
	SessionCookie string

	// DBDriver selects the metadata database: "sqlite" or "postgres".
	DBDriver string

	// DBDSN is the metadata database DSN.
	DBDSN string

	// ShareBaseURL is the download endpoint of the file-sharing origin.
	ShareBaseURL string

	// ObjectStoreEndpoint is the S3-compatible endpoint. Empty disables
	// the ObjectStorage backend.
	ObjectStoreEndpoint string

	ObjectStoreBucket    string
	ObjectStoreRegion    string
	ObjectStoreAccessKey string
	ObjectStoreSecretKey string

	// TranslateBackendURL is the chat-completions API base URL.
	TranslateBackendURL string

	// TranslateAPIKey authenticates against the translation backend.
	// Empty disables the translation endpoint.
	TranslateAPIKey string

	// TranslateModel is the model used for subtitle translation.
	TranslateModel string

	// CacheTTL is the time-to-live since last access for cached media.
	// Zero uses the default of 7 days.
	CacheTTL time.Duration

	// CacheMaxSize is the cache size ceiling in bytes. When exceeded,
	// least-recently-accessed entries are evicted. Zero uses the
	// default of 10 GiB.
	CacheMaxSize int64

	// SweepInterval is how often eviction runs. Default is 1 hour.
	SweepInterval time.Duration

	// NegativeTTL is how long durable upstream failures are remembered.
	// Zero uses the default of 15 minutes.
	NegativeTTL time.Duration

	// AuthToken guards the management endpoints (/translate, /stats).
	// Empty allows unauthenticated access.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the media gateway.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	meta           *metadata.Store
	cacheMgr       *cache.Manager
	cacheIndex     *cache.Index
	sweeper        *cache.Sweeper
	sweepCfg       cache.SweepConfig
	stream         *stream.Handler
	translator     *translate.Service
	translateCache *translate.Cache

	pruneStop chan struct{}
	pruneDone chan struct{}
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = "./cache"
	}
	if cfg.DBDriver == "" {
		cfg.DBDriver = "sqlite"
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = filepath.Join(cfg.CacheDir, "metadata.db")
	}

	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	// Metadata database
	meta, err := metadata.Open(cfg.DBDriver, cfg.DBDSN,
		metadata.WithLogger(cfg.Logger.With("component", "metadata")))
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}
	if err := meta.Migrate(); err != nil {
		return nil, fmt.Errorf("migrating metadata store: %w", err)
	}

	// Proxy cache: index, manager, sweeper
	idx, err := cache.OpenIndex(filepath.Join(cfg.CacheDir, cache.IndexFileName),
		cache.WithIndexLogger(cfg.Logger.With("component", "cache-index")))
	if err != nil {
		return nil, fmt.Errorf("opening cache index: %w", err)
	}

	mgrOpts := []cache.ManagerOption{
		cache.WithLogger(cfg.Logger.With("component", "cache")),
	}
	if cfg.NegativeTTL > 0 {
		mgrOpts = append(mgrOpts, cache.WithNegativeTTL(cfg.NegativeTTL))
	}
	cacheMgr, err := cache.NewManager(filepath.Join(cfg.CacheDir, "media"), idx, mgrOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating cache manager: %w", err)
	}

	// Reconcile the index with whatever survived on disk.
	if err := idx.Rebuild(cacheMgr.Root()); err != nil {
		return nil, fmt.Errorf("rebuilding cache index: %w", err)
	}

	sweepCfg := cache.DefaultSweepConfig()
	sweepCfg.Logger = cfg.Logger.With("component", "sweeper")
	if cfg.CacheTTL > 0 {
		sweepCfg.TTL = cfg.CacheTTL
	}
	if cfg.CacheMaxSize > 0 {
		sweepCfg.MaxSize = cfg.CacheMaxSize
	}
	if cfg.SweepInterval > 0 {
		sweepCfg.CheckInterval = cfg.SweepInterval
	}
	sweeper := cache.NewSweeper(cacheMgr, sweepCfg)

	// RemoteShare client with instrumented transport
	shareOpts := []share.Option{
		share.WithLogger(cfg.Logger.With("component", "share")),
		share.WithHTTPClient(&http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, "remote-share"),
			Timeout:   share.DefaultTimeout,
		}),
	}
	if cfg.ShareBaseURL != "" {
		shareOpts = append(shareOpts, share.WithBaseURL(cfg.ShareBaseURL))
	}
	shareClient := share.NewClient(shareOpts...)

	// ObjectStorage backend (optional)
	var objects *objectstore.Client
	if cfg.ObjectStoreEndpoint != "" {
		signer, err := objectstore.NewSigner(objectstore.Config{
			Endpoint:        cfg.ObjectStoreEndpoint,
			Bucket:          cfg.ObjectStoreBucket,
			Region:          cfg.ObjectStoreRegion,
			AccessKeyID:     cfg.ObjectStoreAccessKey,
			SecretAccessKey: cfg.ObjectStoreSecretKey,
		})
		if err != nil {
			return nil, fmt.Errorf("creating object store signer: %w", err)
		}
		objects = objectstore.NewClient(signer,
			objectstore.WithHTTPClient(&http.Client{
				Transport: telemetry.NewInstrumentedTransport(nil, "object-storage"),
			}),
			objectstore.WithLogger(cfg.Logger.With("component", "objectstore")),
		)
	}

	// Streaming handler
	streamOpts := []stream.HandlerOption{
		stream.WithLogger(cfg.Logger.With("component", "stream")),
		stream.WithSiteHost(cfg.SiteHost),
	}
	if cfg.LocalMediaRoot != "" {
		streamOpts = append(streamOpts, stream.WithLocalRoot(cfg.LocalMediaRoot))
	}
	if cfg.SessionCookie != "" {
		streamOpts = append(streamOpts, stream.WithSessionCookie(cfg.SessionCookie))
	}
	streamHandler := stream.NewHandler(meta, cacheMgr, shareClient, objects, streamOpts...)

	// Subtitle translation (optional)
	var translator *translate.Service
	var translateCache *translate.Cache
	if cfg.TranslateAPIKey != "" {
		translateCache, err = translate.OpenCache(filepath.Join(cfg.CacheDir, "translations.db"),
			translate.WithCacheLogger(cfg.Logger.With("component", "translate-cache")))
		if err != nil {
			return nil, fmt.Errorf("opening translation cache: %w", err)
		}
		upstreamOpts := []translate.UpstreamOption{
			translate.WithAPIKey(cfg.TranslateAPIKey),
		}
		if cfg.TranslateBackendURL != "" {
			upstreamOpts = append(upstreamOpts, translate.WithBackendURL(cfg.TranslateBackendURL))
		}
		if cfg.TranslateModel != "" {
			upstreamOpts = append(upstreamOpts, translate.WithModel(cfg.TranslateModel))
		}
		translator = translate.NewService(translateCache, translate.NewUpstream(upstreamOpts...),
			translate.WithServiceLogger(cfg.Logger.With("component", "translate")))
	}

	s := &Server{
		config:         cfg,
		logger:         cfg.Logger,
		meta:           meta,
		cacheMgr:       cacheMgr,
		cacheIndex:     idx,
		sweeper:        sweeper,
		sweepCfg:       sweepCfg,
		stream:         streamHandler,
		translator:     translator,
		translateCache: translateCache,
		pruneStop:      make(chan struct{}),
	}

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // Long timeout for full-length media transfers
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Cache stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Media streaming. HEAD is served by the same handler so players can
	// probe size and range support before playback.
	mux.HandleFunc("GET /stream/{id}", s.stream.Stream)
	mux.HandleFunc("HEAD /stream/{id}", s.stream.Stream)

	// Subtitle delivery
	mux.HandleFunc("GET /subtitle/{id}", s.stream.Subtitle)

	// Subtitle translation
	mux.HandleFunc("POST /translate", s.handleTranslate)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cacheMgr.GetStats()
	if err != nil {
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stats)
}

// translateRequest is the body of POST /translate. Either SubtitleID or
// RawContent must be set; SubtitleID wins when both are present.
type translateRequest struct {
	SubtitleID string `json:"subtitleId,omitempty"`
	RawContent string `json:"rawContent,omitempty"`
	SourceLang string `json:"sourceLang,omitempty"`
	TargetLang string `json:"targetLang"`
}

type translateResponse struct {
	TranslatedContent string `json:"translatedContent"`
	SourceLang        string `json:"sourceLang"`
	TargetLang        string `json:"targetLang"`
	Cached            bool   `json:"cached"`
}

// handleTranslate translates subtitle content into a target language,
// serving repeats from the translation cache.
func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "translate")

	if s.translator == nil {
		http.Error(w, "translation not configured", http.StatusNotImplemented)
		return
	}

	var req translateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TargetLang == "" {
		http.Error(w, "targetLang required", http.StatusBadRequest)
		return
	}

	content := req.RawContent
	sourceLang := req.SourceLang

	if req.SubtitleID != "" {
		id, err := uuid.Parse(req.SubtitleID)
		if err != nil {
			http.Error(w, "invalid subtitle id", http.StatusBadRequest)
			return
		}
		sub, err := s.meta.GetSubtitle(r.Context(), id)
		if err != nil {
			status, msg := errStatus(err)
			http.Error(w, msg, status)
			return
		}
		content = sub.Content
		if sourceLang == "" {
			sourceLang = sub.Language
		}
	}

	if content == "" {
		http.Error(w, "no subtitle content", http.StatusBadRequest)
		return
	}

	result, err := s.translator.Translate(r.Context(), translate.Request{
		Content:    content,
		SourceLang: sourceLang,
		TargetLang: req.TargetLang,
	})
	if err != nil {
		status, msg := errStatus(err)
		s.logger.Error("translation failed", "target_lang", req.TargetLang, "error", err)
		http.Error(w, msg, status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(translateResponse{
		TranslatedContent: result.Content,
		SourceLang:        result.SourceLang,
		TargetLang:        result.TargetLang,
		Cached:            result.Cached,
	})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set backend, cache_result,
		// endpoint.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		// Build log attributes
		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Backend != "" {
			attrs = append(attrs, "backend", tags.Backend)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		// Add content type if present
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		// Record OTel metrics
		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting cache sweeper",
		"ttl", s.sweepCfg.TTL,
		"max_size", s.sweepCfg.MaxSize,
		"check_interval", s.sweepCfg.CheckInterval,
	)
	s.sweeper.Start(context.Background())

	if s.translateCache != nil {
		s.pruneDone = make(chan struct{})
		go s.pruneTranslations()
	}

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// pruneTranslations periodically drops expired translation records. Runs
// until Shutdown.
func (s *Server) pruneTranslations() {
	defer close(s.pruneDone)

	interval := s.config.SweepInterval
	if interval == 0 {
		interval = 1 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pruned, err := s.translateCache.Prune()
			if err != nil {
				s.logger.Warn("translation cache prune failed", "error", err)
			} else if pruned > 0 {
				s.logger.Info("pruned expired translations", "count", pruned)
			}
		case <-s.pruneStop:
			return
		}
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.sweeper.Stop()
	close(s.pruneStop)
	if s.pruneDone != nil {
		<-s.pruneDone
	}

	if s.translateCache != nil {
		if err := s.translateCache.Close(); err != nil {
			s.logger.Warn("closing translation cache", "error", err)
		}
	}

	err := s.httpServer.Shutdown(ctx)

	if cerr := s.cacheIndex.Close(); cerr != nil {
		s.logger.Warn("closing cache index", "error", cerr)
	}

	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the server's root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// errStatus maps component errors onto HTTP status codes with terse
// client-safe messages.
func errStatus(err error) (int, string) {
	switch {
	case errors.Is(err, metadata.ErrNotFound), mediagateway.IsKind(err, mediagateway.KindNotFound):
		return http.StatusNotFound, "not found"
	case mediagateway.IsKind(err, mediagateway.KindUpstreamTransient):
		return http.StatusServiceUnavailable, "upstream unavailable"
	case mediagateway.IsKind(err, mediagateway.KindUpstreamPermanent):
		return http.StatusBadGateway, "upstream error"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
