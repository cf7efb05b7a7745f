// Package imagegen draws pictures for the /draw command through the
// HuggingFace Inference API.
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/ryuk/common/retry"
	"github.com/bdobrica/ryuk/common/version"
	"github.com/bdobrica/ryuk/internal/ryuk/observability"
)

const (
	defaultBaseURL = "https://router.huggingface.co/hf-inference"
	defaultTimeout = 120 * time.Second
	maxImageBytes  = 20 << 20
)

// DefaultModels are tried in order when no model list is configured.
var DefaultModels = []string{
	"stabilityai/stable-diffusion-3.5-large",
	"runwayml/stable-diffusion-v1-5",
	"stabilityai/stable-diffusion-xl-base-1.0",
}

// ErrNoModels is returned by Draw when the generator has no model to try.
var ErrNoModels = errors.New("imagegen: no models configured")

// ErrNotImage is returned when the upstream answered 2xx with something other
// than an image.
var ErrNotImage = errors.New("imagegen: response is not an image")

// Params are the text-to-image knobs. Zero Width and Height leave the size to
// the model.
type Params struct {
	NegativePrompt string
	GuidanceScale  float64
	Steps          int
	Width          int
	Height         int
}

// DefaultParams returns guidance 7.5 and 25 inference steps.
func DefaultParams() Params {
	return Params{GuidanceScale: 7.5, Steps: 25}
}

// Image is a generated picture.
type Image struct {
	Data        []byte
	ContentType string
	Model       string
}

// Filename suggests an upload name matching the content type.
func (img Image) Filename() string {
	switch img.ContentType {
	case "image/png":
		return "ryuk.png"
	case "image/webp":
		return "ryuk.webp"
	default:
		return "ryuk.jpg"
	}
}

// Observer receives one event per model attempt. observability.Metrics
// satisfies it.
type Observer interface {
	ObserveImage(model string, ok bool)
}

// Config holds configuration for a Generator.
type Config struct {
	APIKey string

	// BaseURL is the inference root; models are posted to {BaseURL}/models/{id}.
	BaseURL string

	// Models are tried in order. Default: DefaultModels.
	Models []string

	// Timeout is the HTTP request timeout per attempt. Default: 120 s.
	Timeout time.Duration

	// Retry governs retries of one model while it is loading (503) or rate
	// limited. Default: two attempts.
	Retry retry.Config

	Observer   Observer
	HTTPClient *http.Client
}

// Generator calls the configured models until one produces an image.
type Generator struct {
	cfg    Config
	client *http.Client
}

// New creates a Generator.
func New(cfg Config) *Generator {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if len(cfg.Models) == 0 {
		cfg.Models = DefaultModels
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.Config{MaxAttempts: 2, InitialDelay: 2 * time.Second, MaxDelay: 20 * time.Second}
	}
	if cfg.Retry.ShouldRetry == nil {
		cfg.Retry.ShouldRetry = retry.Transient
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Generator{cfg: cfg, client: client}
}

// Models returns the model order.
func (g *Generator) Models() []string {
	return append([]string(nil), g.cfg.Models...)
}

// Draw returns the first image any model produces for prompt. When every
// model fails the errors are joined.
func (g *Generator) Draw(ctx context.Context, prompt string, params Params) (Image, error) {
	if len(g.cfg.Models) == 0 {
		return Image{}, ErrNoModels
	}
	log := observability.WithTrace(ctx)

	var errs []error
	for _, model := range g.cfg.Models {
		start := time.Now()
		var img Image
		err := retry.Do(ctx, g.cfg.Retry, func() error {
			var err error
			img, err = g.textToImage(ctx, model, prompt, params)
			return err
		})
		if g.cfg.Observer != nil {
			g.cfg.Observer.ObserveImage(model, err == nil)
		}
		if err == nil {
			log.Info("imagegen: image generated", "model", model,
				"bytes", len(img.Data), "elapsed", time.Since(start).Round(time.Millisecond))
			return img, nil
		}
		log.Warn("imagegen: model failed", "model", model, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", model, err))
		if ctx.Err() != nil {
			break
		}
	}
	return Image{}, errors.Join(errs...)
}

type inferenceRequest struct {
	Inputs     string              `json:"inputs"`
	Parameters inferenceParameters `json:"parameters"`
}

type inferenceParameters struct {
	NegativePrompt    string  `json:"negative_prompt,omitempty"`
	GuidanceScale     float64 `json:"guidance_scale,omitempty"`
	NumInferenceSteps int     `json:"num_inference_steps,omitempty"`
	Width             int     `json:"width,omitempty"`
	Height            int     `json:"height,omitempty"`
}

type inferenceError struct {
	Error         string  `json:"error"`
	EstimatedTime float64 `json:"estimated_time"`
}

func (g *Generator) textToImage(ctx context.Context, model, prompt string, p Params) (Image, error) {
	body, err := json.Marshal(inferenceRequest{
		Inputs: prompt,
		Parameters: inferenceParameters{
			NegativePrompt:    p.NegativePrompt,
			GuidanceScale:     p.GuidanceScale,
			NumInferenceSteps: p.Steps,
			Width:             p.Width,
			Height:            p.Height,
		},
	})
	if err != nil {
		return Image{}, retry.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/models/"+model, bytes.NewReader(body))
	if err != nil {
		return Image{}, retry.Permanent(fmt.Errorf("create http request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/png, image/jpeg, image/*")
	req.Header.Set("User-Agent", version.UserAgent())
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return Image{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return Image{}, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &retry.StatusError{Code: resp.StatusCode, Body: string(data)}
		var ie inferenceError
		if json.Unmarshal(data, &ie) == nil && ie.Error != "" {
			se.Body = ie.Error
			if ie.EstimatedTime > 0 {
				se.RetryAfter = time.Duration(ie.EstimatedTime * float64(time.Second))
			}
		}
		if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
			se.RetryAfter = time.Duration(s) * time.Second
		}
		return Image{}, se
	}

	ct := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	if !strings.HasPrefix(ct, "image/") {
		ct = http.DetectContentType(data)
		if !strings.HasPrefix(ct, "image/") {
			return Image{}, retry.Permanent(ErrNotImage)
		}
	}
	return Image{Data: data, ContentType: ct, Model: model}, nil
}
