// Ryuk is a persona chat bot for Telegram or Matrix.
//
// All configuration is loaded from environment variables.
//
// Transport:
//
//	RYUK_TRANSPORT          - "telegram" (default) or "matrix"
//	TELEGRAM_TOKEN          - Bot API token (required for telegram)
//	MATRIX_HOMESERVER       - homeserver URL (required for matrix)
//	MATRIX_USER_ID          - bot's Matrix ID (required for matrix)
//	MATRIX_ACCESS_TOKEN     - bot's access token (required for matrix)
//	MATRIX_ROOMS            - comma-separated room IDs to join and serve
//	MATRIX_AUTO_JOIN        - accept invites (default: true)
//	MATRIX_SYNC_DB          - SQLite path for the sync position
//
// Language models:
//
//	GOOGLE_API_KEY          - Gemini API key
//	OPENAI_API_KEY          - key for "openai:<model>" providers
//	OPENAI_BASE_URL         - OpenAI-compatible endpoint (e.g. Ollama)
//	DEFAULT_LLM_MODEL       - first provider tried (default: "gemini-pro")
//	FALLBACK_MODELS         - comma-separated providers tried next
//	LLM_CALL_TIMEOUT        - per-call timeout (default: 60s)
//
// Conversation and persona:
//
//	CONVERSATION_TIMEOUT    - memory window (default: 600s)
//	CONVERSATION_MAX_TURNS  - turns included as context (default: 5)
//	PERSONA_FILE            - YAML persona replacing the built-in one
//
// Images:
//
//	HUGGINGFACE_API_KEY     - enables /draw
//	IMAGE_MODELS            - comma-separated model order
//
// Runtime:
//
//	HTTP_ADDR               - /health, /status and /metrics listen address
//	BOT_WORKERS             - concurrently handled messages (default: 8)
//	METRICS_NAMESPACE       - metric prefix (default: "ryuk")
//	LOG_LEVEL               - "debug", "info", "warn", "error" (default: "info")
//	LOG_FORMAT              - "text" or "json" (default: "text")
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bdobrica/ryuk/common/environment"
	"github.com/bdobrica/ryuk/common/redact"
	"github.com/bdobrica/ryuk/common/version"
	"github.com/bdobrica/ryuk/internal/ryuk/app"
	"github.com/bdobrica/ryuk/internal/ryuk/bot"
	"github.com/bdobrica/ryuk/internal/ryuk/llm"
	"github.com/bdobrica/ryuk/internal/ryuk/memory"
	"github.com/bdobrica/ryuk/internal/ryuk/observability"
)

var defaultFallbacks = []string{"gemini-pro", "gemini-1.5-pro", "gemini-1.5-flash"}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	observability.Setup(
		environment.StringOr("LOG_LEVEL", "info"),
		environment.StringOr("LOG_FORMAT", "text"),
		cfg.Telegram.Token, cfg.Matrix.AccessToken,
		cfg.LLM.GeminiAPIKey, cfg.LLM.OpenAIAPIKey, cfg.Image.APIKey,
	)
	slog.Info("starting ryuk", "build", version.Info())
	logCredentials(cfg)

	ryuk, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialize ryuk", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ryuk.Run(ctx); err != nil {
		slog.Error("ryuk exited with error", "err", err)
		os.Exit(1)
	}
}

func loadConfig() (*app.Config, error) {
	var env environment.Reader

	cfg := &app.Config{
		Transport:        env.OneOf("RYUK_TRANSPORT", app.TransportTelegram, app.TransportTelegram, app.TransportMatrix),
		DefaultModel:     llm.ProviderID(environment.StringOr("DEFAULT_LLM_MODEL", "gemini-pro")),
		FallbackModels:   providerIDs(environment.StringSliceOr("FALLBACK_MODELS", defaultFallbacks)),
		CallTimeout:      env.Duration("LLM_CALL_TIMEOUT", 60*time.Second),
		PersonaFile:      environment.StringOr("PERSONA_FILE", ""),
		HTTPAddr:         environment.StringOr("HTTP_ADDR", ""),
		Workers:          env.PositiveInt("BOT_WORKERS", bot.DefaultWorkers),
		MetricsNamespace: environment.StringOr("METRICS_NAMESPACE", "ryuk"),
		MatrixSyncDB:     environment.StringOr("MATRIX_SYNC_DB", ""),
	}

	cfg.LLM = llm.FactoryConfig{
		GeminiAPIKey:  environment.StringOr("GOOGLE_API_KEY", ""),
		OpenAIAPIKey:  environment.StringOr("OPENAI_API_KEY", ""),
		OpenAIBaseURL: environment.StringOr("OPENAI_BASE_URL", ""),
		Timeout:       cfg.CallTimeout,
	}

	cfg.Memory = memory.Config{
		Window:   env.Duration("CONVERSATION_TIMEOUT", memory.DefaultWindow),
		MaxTurns: env.PositiveInt("CONVERSATION_MAX_TURNS", memory.DefaultMaxTurns),
	}

	cfg.Image.APIKey = environment.StringOr("HUGGINGFACE_API_KEY", "")
	cfg.Image.Models = environment.StringSliceOr("IMAGE_MODELS", nil)

	switch cfg.Transport {
	case app.TransportTelegram:
		cfg.Telegram.Token = env.Required("TELEGRAM_TOKEN")
	case app.TransportMatrix:
		cfg.Matrix.Homeserver = env.Required("MATRIX_HOMESERVER")
		cfg.Matrix.UserID = env.Required("MATRIX_USER_ID")
		cfg.Matrix.AccessToken = env.Required("MATRIX_ACCESS_TOKEN")
		cfg.Matrix.Rooms = environment.StringSliceOr("MATRIX_ROOMS", nil)
		cfg.Matrix.AutoJoin = env.Bool("MATRIX_AUTO_JOIN", true)
	}

	if err := env.Err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// logCredentials reports which keys are configured, showing only their tails.
func logCredentials(cfg *app.Config) {
	keys := []struct{ name, value string }{
		{"google_api_key", cfg.LLM.GeminiAPIKey},
		{"openai_api_key", cfg.LLM.OpenAIAPIKey},
		{"huggingface_api_key", cfg.Image.APIKey},
	}
	attrs := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		shown := "unset"
		if k.value != "" {
			shown = redact.Mask(k.value)
		}
		attrs = append(attrs, k.name, shown)
	}
	slog.Info("credentials", attrs...)
}

func providerIDs(names []string) []llm.ProviderID {
	ids := make([]llm.ProviderID, len(names))
	for i, n := range names {
		ids[i] = llm.ProviderID(n)
	}
	return ids
}
