package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/ryuk/common/version"
)

const (
	defaultOpenAIBase  = "https://api.openai.com/v1"
	defaultOpenAIModel = "gpt-4o-mini"
)

// OpenAIConfig configures an OpenAI-compatible chat completions client.
type OpenAIConfig struct {
	// APIKey is the bearer token used to authenticate against the API.
	APIKey string

	// BaseURL overrides the API endpoint. Useful for local models (Ollama)
	// or any other OpenAI-compatible endpoint.
	// Defaults to https://api.openai.com/v1 when empty.
	BaseURL string

	// Model is the chat model to use. Defaults to gpt-4o-mini.
	Model string

	// MaxTokens caps the completion length. Zero leaves it to the server.
	MaxTokens int

	// Timeout is the HTTP request timeout. Defaults to 60 s.
	Timeout time.Duration

	HTTPClient *http.Client
}

// OpenAI implements Model on top of /chat/completions.
type OpenAI struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAI returns a Model backed by an OpenAI-compatible chat API.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBase
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenAI{cfg: cfg, client: client}
}

// --- minimal OpenAI wire types ---

type oaiMessage struct {
	Role    string  `json:"role"`
	Content *string `json:"content"`
}

type oaiRequest struct {
	Model     string       `json:"model"`
	Messages  []oaiMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens,omitempty"`
}

type oaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      oaiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// GenerateContent sends prompt as a single user message.
func (o *OpenAI) GenerateContent(ctx context.Context, prompt string) (Response, error) {
	body := oaiRequest{
		Model:     o.cfg.Model,
		Messages:  []oaiMessage{{Role: "user", Content: &prompt}},
		MaxTokens: o.cfg.MaxTokens,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.cfg.BaseURL+"/chat/completions",
		bytes.NewReader(data),
	)
	if err != nil {
		return Response{}, fmt.Errorf("openai: create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("openai: http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Response{}, fmt.Errorf("openai: read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, &StatusError{Code: resp.StatusCode, Body: truncate(string(respBody), 400)}
	}

	var parsed oaiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Response{}, fmt.Errorf("openai: decode response: %w", err)
	}
	if parsed.Error != nil {
		return Response{}, fmt.Errorf("openai: API error (%s): %s", parsed.Error.Type, parsed.Error.Message)
	}

	model := parsed.Model
	if model == "" {
		model = o.cfg.Model
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == nil {
		return Response{Model: model}, ErrNoText
	}
	if parsed.Choices[0].FinishReason == "content_filter" {
		return Response{}, fmt.Errorf("%w: content_filter", ErrBlocked)
	}
	return textResponse(*parsed.Choices[0].Message.Content, model), nil
}
