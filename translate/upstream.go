package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	mediagateway "github.com/wolfeidau/media-gateway"
)

const (
	// DefaultBackendURL is the default chat-completions endpoint base.
	DefaultBackendURL = "https://api.openai.com/v1"

	// DefaultModel is the default translation model.
	DefaultModel = "gpt-4o-mini"

	// DefaultUpstreamTimeout bounds one translation request.
	DefaultUpstreamTimeout = 60 * time.Second

	systemPrompt = "You are a subtitle translator. Translate each numbered line " +
		"into the target language. Reply with exactly one translated line per " +
		"input line, same numbering, nothing else. Preserve tone and keep lines short."
)

// Upstream calls a chat-completions style API to translate batches of
// subtitle lines.
type Upstream struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// UpstreamOption configures an Upstream.
type UpstreamOption func(*Upstream)

// WithBackendURL sets the chat-completions base URL.
func WithBackendURL(u string) UpstreamOption {
	return func(up *Upstream) {
		up.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) UpstreamOption {
	return func(up *Upstream) {
		up.apiKey = key
	}
}

// WithModel sets the model name.
func WithModel(model string) UpstreamOption {
	return func(up *Upstream) {
		up.model = model
	}
}

// WithUpstreamHTTPClient sets a custom HTTP client.
func WithUpstreamHTTPClient(client *http.Client) UpstreamOption {
	return func(up *Upstream) {
		up.client = client
	}
}

// NewUpstream creates a translation backend client.
func NewUpstream(opts ...UpstreamOption) *Upstream {
	u := &Upstream{
		baseURL: DefaultBackendURL,
		model:   DefaultModel,
		client: &http.Client{
			Timeout: DefaultUpstreamTimeout,
		},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// TranslateBatch translates a batch of lines. The returned slice may
// differ in length from the input when the backend miscounts; callers
// pad or truncate.
func (u *Upstream) TranslateBatch(ctx context.Context, lines []string, sourceLang, targetLang string) ([]string, error) {
	if len(lines) == 0 {
		return nil, nil
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Translate from %s to %s:\n", orAuto(sourceLang), targetLang)
	for i, line := range lines {
		// Cues may span multiple display lines; flatten so one numbered
		// line maps to one cue.
		flat := strings.ReplaceAll(line, "\n", " ")
		fmt.Fprintf(&prompt, "%d. %s\n", i+1, flat)
	}

	body, err := json.Marshal(chatRequest{
		Model: u.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt.String()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding translation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating translation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if u.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+u.apiKey)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, mediagateway.NewError(mediagateway.KindUpstreamTransient, "translation backend unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		kind := mediagateway.KindUpstreamPermanent
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			kind = mediagateway.KindUpstreamTransient
		}
		return nil, mediagateway.NewError(kind,
			fmt.Sprintf("translation backend returned %d", resp.StatusCode), nil)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxDecompressedSize))
	if err != nil {
		return nil, mediagateway.NewError(mediagateway.KindUpstreamTransient, "reading translation response", err)
	}

	var cr chatResponse
	if err := json.Unmarshal(payload, &cr); err != nil {
		return nil, mediagateway.NewError(mediagateway.KindUpstreamPermanent, "decoding translation response", err)
	}
	if cr.Error != nil {
		return nil, mediagateway.NewError(mediagateway.KindUpstreamPermanent, cr.Error.Message, nil)
	}
	if len(cr.Choices) == 0 {
		return nil, mediagateway.NewError(mediagateway.KindUpstreamPermanent, "translation response has no choices", nil)
	}

	return parseNumberedLines(cr.Choices[0].Message.Content), nil
}

// parseNumberedLines extracts translated lines from the backend reply,
// stripping any "N." numbering prefixes it echoed back.
func parseNumberedLines(content string) []string {
	raw := strings.Split(strings.TrimSpace(content), "\n")
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if dot := strings.Index(line, ". "); dot > 0 && dot <= 4 && isDigits(line[:dot]) {
			line = strings.TrimSpace(line[dot+2:])
		}
		out = append(out, line)
	}
	return out
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

func orAuto(lang string) string {
	if lang == "" {
		return "the detected language"
	}
	return lang
}
