package translate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wolfeidau/media-gateway/telemetry"
)

// DefaultBatchSize is the maximum number of cues sent to the backend in
// one request.
const DefaultBatchSize = 50

// Backend translates batches of subtitle lines.
type Backend interface {
	TranslateBatch(ctx context.Context, lines []string, sourceLang, targetLang string) ([]string, error)
}

// Request is one translation request.
type Request struct {
	Content    string
	SourceLang string
	TargetLang string
}

// Result is the outcome of a translation. Cached is true when no backend
// call was made, including the same-language short circuit.
type Result struct {
	Content    string
	SourceLang string
	TargetLang string
	Cached     bool
}

// Service translates subtitle content, caching results by content hash
// and target language.
type Service struct {
	cache     *Cache
	backend   Backend
	batchSize int
	logger    *slog.Logger
}

// ServiceOption configures the service.
type ServiceOption func(*Service)

// WithBatchSize sets the per-request cue batch size.
func WithBatchSize(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithServiceLogger sets the logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService creates a translation service.
func NewService(cache *Cache, backend Backend, opts ...ServiceOption) *Service {
	s := &Service{
		cache:     cache,
		backend:   backend,
		batchSize: DefaultBatchSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Translate returns req.Content in the target language. Same-language
// requests return the input unchanged without touching the backend.
func (s *Service) Translate(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	sourceLang := normalizeLang(req.SourceLang)
	targetLang := normalizeLang(req.TargetLang)

	if targetLang == "" || sourceLang == targetLang {
		telemetry.RecordTranslation(ctx, "short_circuit", time.Since(start))
		return &Result{
			Content:    req.Content,
			SourceLang: sourceLang,
			TargetLang: targetLang,
			Cached:     true,
		}, nil
	}

	key := Key([]byte(req.Content), targetLang)
	if cached, ok, err := s.cache.Get(key); err != nil {
		s.logger.Warn("translation cache read failed", "error", err)
	} else if ok {
		telemetry.RecordTranslation(ctx, "hit", time.Since(start))
		return &Result{
			Content:    cached,
			SourceLang: sourceLang,
			TargetLang: targetLang,
			Cached:     true,
		}, nil
	}

	translated, err := s.translateContent(ctx, req.Content, sourceLang, targetLang)
	if err != nil {
		return nil, err
	}

	if err := s.cache.Put(key, translated); err != nil {
		s.logger.Warn("translation cache write failed", "error", err)
	}

	telemetry.RecordTranslation(ctx, "miss", time.Since(start))
	return &Result{
		Content:    translated,
		SourceLang: sourceLang,
		TargetLang: targetLang,
		Cached:     false,
	}, nil
}

// translateContent segments content into cues, translates the texts in
// bounded batches, and reassembles the document with the original
// timings.
func (s *Service) translateContent(ctx context.Context, content, sourceLang, targetLang string) (string, error) {
	doc := ParseDocument(content)

	// No cue structure: treat the whole payload as plain lines.
	if len(doc.Cues) == 0 {
		lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
		out, err := s.translateBatches(ctx, lines, sourceLang, targetLang)
		if err != nil {
			return "", err
		}
		return strings.Join(out, "\n"), nil
	}

	texts, err := s.translateBatches(ctx, doc.Texts(), sourceLang, targetLang)
	if err != nil {
		return "", err
	}

	doc.ApplyTexts(texts)
	return doc.Render(), nil
}

// translateBatches runs the backend over bounded batches. Within each
// batch a count mismatch degrades by padding with the source lines (or
// truncating extra output) so one confused reply never fails the whole
// document.
func (s *Service) translateBatches(ctx context.Context, lines []string, sourceLang, targetLang string) ([]string, error) {
	out := make([]string, 0, len(lines))

	for start := 0; start < len(lines); start += s.batchSize {
		end := min(start+s.batchSize, len(lines))
		batch := lines[start:end]

		translated, err := s.backend.TranslateBatch(ctx, batch, sourceLang, targetLang)
		if err != nil {
			return nil, fmt.Errorf("translating cues %d-%d: %w", start, end-1, err)
		}

		if len(translated) != len(batch) {
			s.logger.Warn("translation count mismatch, padding from source",
				"want", len(batch),
				"got", len(translated),
				"batch_start", start,
			)
			translated = reconcile(batch, translated)
		}

		out = append(out, translated...)
	}

	return out, nil
}

// reconcile pads a short translation from the source lines and truncates
// a long one.
func reconcile(source, translated []string) []string {
	if len(translated) > len(source) {
		return translated[:len(source)]
	}
	out := make([]string, len(source))
	copy(out, translated)
	for i := len(translated); i < len(source); i++ {
		out[i] = source[i]
	}
	return out
}

func normalizeLang(lang string) string {
	return strings.ToLower(strings.TrimSpace(lang))
}
