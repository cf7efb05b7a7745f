package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bdobrica/ryuk/common/version"
)

const (
	defaultGeminiBase = "https://generativelanguage.googleapis.com/v1beta"
	defaultTimeout    = 60 * time.Second
)

// GeminiConfig configures a Gemini generateContent client.
type GeminiConfig struct {
	// APIKey is sent in the x-goog-api-key header.
	APIKey string

	// BaseURL overrides the API root. Defaults to the public v1beta endpoint.
	BaseURL string

	// Model is the bare model name, e.g. "gemini-1.5-flash".
	Model string

	// Timeout is the HTTP request timeout. Defaults to 60 s.
	Timeout time.Duration

	// HTTPClient replaces the default client (tests).
	HTTPClient *http.Client
}

// Gemini calls the Google Generative Language REST API.
type Gemini struct {
	cfg    GeminiConfig
	client *http.Client
}

// NewGemini returns a Model backed by the Gemini generateContent endpoint.
func NewGemini(cfg GeminiConfig) *Gemini {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGeminiBase
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Gemini{cfg: cfg, client: client}
}

// --- minimal Gemini wire types ---

type geminiPart struct {
	Text *string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      *geminiContent `json:"content"`
		FinishReason string         `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback,omitempty"`
	ModelVersion string `json:"modelVersion"`
	Error        *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// GenerateContent sends prompt as a single user turn.
func (g *Gemini) GenerateContent(ctx context.Context, prompt string) (Response, error) {
	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: &prompt}}}},
	}
	data, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("gemini: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", g.cfg.BaseURL, url.PathEscape(g.cfg.Model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return Response{}, fmt.Errorf("gemini: create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("x-goog-api-key", g.cfg.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("gemini: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Response{}, fmt.Errorf("gemini: read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, &StatusError{Code: resp.StatusCode, Body: truncate(string(respBody), 400)}
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Response{}, fmt.Errorf("gemini: decode response: %w", err)
	}
	if parsed.Error != nil {
		return Response{}, fmt.Errorf("gemini: API error (%s): %s", parsed.Error.Status, parsed.Error.Message)
	}
	if parsed.PromptFeedback != nil && parsed.PromptFeedback.BlockReason != "" {
		return Response{}, fmt.Errorf("%w: %s", ErrBlocked, parsed.PromptFeedback.BlockReason)
	}

	model := parsed.ModelVersion
	if model == "" {
		model = g.cfg.Model
	}

	for _, c := range parsed.Candidates {
		if c.Content == nil {
			continue
		}
		var sb strings.Builder
		found := false
		for _, p := range c.Content.Parts {
			if p.Text == nil {
				continue
			}
			found = true
			sb.WriteString(*p.Text)
		}
		if found {
			return textResponse(sb.String(), model), nil
		}
	}
	return Response{Model: model}, ErrNoText
}
