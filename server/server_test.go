package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/media-gateway/cache"
	"github.com/wolfeidau/media-gateway/metadata"
)

const testSRT = `1
00:00:01,000 --> 00:00:03,000
hello there

2
00:00:04,000 --> 00:00:06,000
how are you
`

// chatUpper is a fake chat-completions endpoint that uppercases each
// numbered line from the user prompt.
func chatUpper(t *testing.T) http.HandlerFunc {
	t.Helper()

	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotEmpty(t, req.Messages)

		var lines []string
		for _, line := range strings.Split(req.Messages[len(req.Messages)-1].Content, "\n") {
			if dot := strings.Index(line, ". "); dot > 0 {
				lines = append(lines, fmt.Sprintf("%s. %s", line[:dot], strings.ToUpper(line[dot+2:])))
			}
		}

		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": strings.Join(lines, "\n")}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}
}

func newTestGateway(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()

	dir := t.TempDir()
	cfg := Config{
		Address:  "127.0.0.1:0",
		CacheDir: dir,
		DBDriver: "sqlite",
		DBDSN:    filepath.Join(dir, "metadata.db"),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	buf, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	s := newTestGateway(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_Stats(t *testing.T) {
	s := newTestGateway(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var stats cache.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	require.Zero(t, stats.TotalEntries)
}

func TestServer_Translate_NotConfigured(t *testing.T) {
	s := newTestGateway(t, nil)

	rec := postJSON(t, s.Handler(), "/translate", translateRequest{
		RawContent: testSRT,
		SourceLang: "en",
		TargetLang: "fr",
	})
	require.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestServer_Translate_RawContent(t *testing.T) {
	backend := httptest.NewServer(chatUpper(t))
	defer backend.Close()

	s := newTestGateway(t, func(cfg *Config) {
		cfg.TranslateAPIKey = "test-key"
		cfg.TranslateBackendURL = backend.URL
	})

	rec := postJSON(t, s.Handler(), "/translate", translateRequest{
		RawContent: testSRT,
		SourceLang: "en",
		TargetLang: "fr",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp translateResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.False(t, resp.Cached)
	require.Equal(t, "en", resp.SourceLang)
	require.Equal(t, "fr", resp.TargetLang)
	require.Contains(t, resp.TranslatedContent, "HELLO THERE")
	require.Contains(t, resp.TranslatedContent, "00:00:01,000 --> 00:00:03,000")

	// Second request is served from the translation cache.
	rec = postJSON(t, s.Handler(), "/translate", translateRequest{
		RawContent: testSRT,
		SourceLang: "en",
		TargetLang: "fr",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.True(t, resp.Cached)
	require.Contains(t, resp.TranslatedContent, "HELLO THERE")
}

func TestServer_Translate_SubtitleID(t *testing.T) {
	backend := httptest.NewServer(chatUpper(t))
	defer backend.Close()

	s := newTestGateway(t, func(cfg *Config) {
		cfg.TranslateAPIKey = "test-key"
		cfg.TranslateBackendURL = backend.URL
	})

	subID := uuid.New()
	require.NoError(t, s.meta.DB().Create(&metadata.Subtitle{
		ID:       subID,
		MediaID:  uuid.New(),
		Language: "en",
		Format:   "srt",
		Content:  testSRT,
	}).Error)

	rec := postJSON(t, s.Handler(), "/translate", translateRequest{
		SubtitleID: subID.String(),
		TargetLang: "de",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp translateResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "en", resp.SourceLang)
	require.Equal(t, "de", resp.TargetLang)
	require.Contains(t, resp.TranslatedContent, "HOW ARE YOU")
}

func TestServer_Translate_SameLanguageShortCircuit(t *testing.T) {
	s := newTestGateway(t, func(cfg *Config) {
		cfg.TranslateAPIKey = "test-key"
		cfg.TranslateBackendURL = "http://127.0.0.1:1" // never reached
	})

	rec := postJSON(t, s.Handler(), "/translate", translateRequest{
		RawContent: testSRT,
		SourceLang: "en",
		TargetLang: "EN",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp translateResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.True(t, resp.Cached)
	require.Equal(t, testSRT, resp.TranslatedContent)
}

func TestServer_Translate_BadRequests(t *testing.T) {
	s := newTestGateway(t, func(cfg *Config) {
		cfg.TranslateAPIKey = "test-key"
	})

	t.Run("missing target", func(t *testing.T) {
		rec := postJSON(t, s.Handler(), "/translate", translateRequest{RawContent: testSRT})
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("no content", func(t *testing.T) {
		rec := postJSON(t, s.Handler(), "/translate", translateRequest{TargetLang: "fr"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad subtitle id", func(t *testing.T) {
		rec := postJSON(t, s.Handler(), "/translate", translateRequest{
			SubtitleID: "not-a-uuid",
			TargetLang: "fr",
		})
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown subtitle", func(t *testing.T) {
		rec := postJSON(t, s.Handler(), "/translate", translateRequest{
			SubtitleID: uuid.NewString(),
			TargetLang: "fr",
		})
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestServer_Translate_AuthGuard(t *testing.T) {
	s := newTestGateway(t, func(cfg *Config) {
		cfg.TranslateAPIKey = "test-key"
		cfg.AuthToken = "secret"
	})

	rec := postJSON(t, s.Handler(), "/translate", translateRequest{
		RawContent: testSRT,
		TargetLang: "fr",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_StreamRoute_UnknownMedia(t *testing.T) {
	s := newTestGateway(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/stream/"+uuid.NewString(), nil)
	req.Header.Set("Referer", "https://media.example.com/watch")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Shutdown(t *testing.T) {
	s := newTestGateway(t, nil)

	// Start never ran, so the sweeper and prune loop are idle; Shutdown
	// must still close cleanly.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}
