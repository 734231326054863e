package translate

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	mediagateway "github.com/wolfeidau/media-gateway"
)

// upperBackend "translates" by uppercasing, tagging each line so tests
// can tell translated text from source text.
type upperBackend struct {
	calls      atomic.Int32
	batchSizes []int
	shortBy    int
	err        error
}

func (b *upperBackend) TranslateBatch(_ context.Context, lines []string, _, _ string) ([]string, error) {
	b.calls.Add(1)
	b.batchSizes = append(b.batchSizes, len(lines))
	if b.err != nil {
		return nil, b.err
	}

	out := make([]string, 0, len(lines))
	for _, line := range lines {
		out = append(out, strings.ToUpper(line))
	}
	if b.shortBy > 0 && len(out) >= b.shortBy {
		out = out[:len(out)-b.shortBy]
	}
	return out, nil
}

func newTestService(t *testing.T, backend Backend, opts ...ServiceOption) *Service {
	t.Helper()
	return NewService(newTestCache(t), backend, opts...)
}

func TestTranslate_SameLanguageShortCircuit(t *testing.T) {
	backend := &upperBackend{}
	svc := newTestService(t, backend)

	res, err := svc.Translate(context.Background(), Request{
		Content:    sampleSRT,
		SourceLang: "EN",
		TargetLang: "en",
	})
	require.NoError(t, err)
	require.True(t, res.Cached)
	require.Equal(t, sampleSRT, res.Content)
	require.EqualValues(t, 0, backend.calls.Load())
}

func TestTranslate_EmptyTargetShortCircuit(t *testing.T) {
	backend := &upperBackend{}
	svc := newTestService(t, backend)

	res, err := svc.Translate(context.Background(), Request{Content: sampleSRT, SourceLang: "en"})
	require.NoError(t, err)
	require.True(t, res.Cached)
	require.EqualValues(t, 0, backend.calls.Load())
}

func TestTranslate_MissThenHit(t *testing.T) {
	backend := &upperBackend{}
	svc := newTestService(t, backend)

	req := Request{Content: sampleSRT, SourceLang: "en", TargetLang: "fr"}

	res, err := svc.Translate(context.Background(), req)
	require.NoError(t, err)
	require.False(t, res.Cached)
	require.Contains(t, res.Content, "HELLO THERE.")
	// Timings preserved.
	require.Contains(t, res.Content, "00:00:01,000 --> 00:00:03,000")
	require.EqualValues(t, 1, backend.calls.Load())

	// Second identical request comes from the cache.
	res, err = svc.Translate(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.Cached)
	require.Contains(t, res.Content, "HELLO THERE.")
	require.EqualValues(t, 1, backend.calls.Load())
}

func TestTranslate_DifferentTargetMissesCache(t *testing.T) {
	backend := &upperBackend{}
	svc := newTestService(t, backend)

	_, err := svc.Translate(context.Background(), Request{Content: sampleSRT, SourceLang: "en", TargetLang: "fr"})
	require.NoError(t, err)

	res, err := svc.Translate(context.Background(), Request{Content: sampleSRT, SourceLang: "en", TargetLang: "de"})
	require.NoError(t, err)
	require.False(t, res.Cached)
	require.EqualValues(t, 2, backend.calls.Load())
}

func TestTranslate_BatchesLargeDocuments(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 120; i++ {
		b.WriteString("1\n00:00:01,000 --> 00:00:02,000\nline\n\n")
	}

	backend := &upperBackend{}
	svc := newTestService(t, backend)

	_, err := svc.Translate(context.Background(), Request{
		Content: b.String(), SourceLang: "en", TargetLang: "fr",
	})
	require.NoError(t, err)

	// 120 cues split at the default batch size of 50.
	require.Equal(t, []int{50, 50, 20}, backend.batchSizes)
}

func TestTranslate_CustomBatchSize(t *testing.T) {
	backend := &upperBackend{}
	svc := newTestService(t, backend, WithBatchSize(2))

	_, err := svc.Translate(context.Background(), Request{
		Content: sampleSRT, SourceLang: "en", TargetLang: "fr",
	})
	require.NoError(t, err)
	require.Equal(t, []int{2, 1}, backend.batchSizes)
}

func TestTranslate_CountMismatchPadsFromSource(t *testing.T) {
	backend := &upperBackend{shortBy: 1}
	svc := newTestService(t, backend)

	res, err := svc.Translate(context.Background(), Request{
		Content: sampleSRT, SourceLang: "en", TargetLang: "fr",
	})
	require.NoError(t, err)

	// First cues translated, the dropped tail keeps its source text.
	require.Contains(t, res.Content, "HELLO THERE.")
	require.Contains(t, res.Content, "Fine, thanks.")
}

func TestTranslate_BackendErrorPropagates(t *testing.T) {
	backend := &upperBackend{
		err: mediagateway.NewError(mediagateway.KindUpstreamTransient, "backend down", nil),
	}
	svc := newTestService(t, backend)

	_, err := svc.Translate(context.Background(), Request{
		Content: sampleSRT, SourceLang: "en", TargetLang: "fr",
	})
	require.Error(t, err)
	require.True(t, mediagateway.IsKind(err, mediagateway.KindUpstreamTransient))

	// Failures are not cached.
	backend.err = nil
	res, err := svc.Translate(context.Background(), Request{
		Content: sampleSRT, SourceLang: "en", TargetLang: "fr",
	})
	require.NoError(t, err)
	require.False(t, res.Cached)
}

func TestTranslate_PlainTextContent(t *testing.T) {
	backend := &upperBackend{}
	svc := newTestService(t, backend)

	res, err := svc.Translate(context.Background(), Request{
		Content: "hello\nworld", SourceLang: "en", TargetLang: "fr",
	})
	require.NoError(t, err)
	require.Equal(t, "HELLO\nWORLD", res.Content)
}
