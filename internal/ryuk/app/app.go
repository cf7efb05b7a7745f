// Package app wires the bot together: providers, memory, responder, the chat
// transport and the optional health server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/ryuk/internal/ryuk/bot"
	"github.com/bdobrica/ryuk/internal/ryuk/imagegen"
	"github.com/bdobrica/ryuk/internal/ryuk/llm"
	"github.com/bdobrica/ryuk/internal/ryuk/matrix"
	"github.com/bdobrica/ryuk/internal/ryuk/memory"
	"github.com/bdobrica/ryuk/internal/ryuk/observability"
	"github.com/bdobrica/ryuk/internal/ryuk/persona"
	"github.com/bdobrica/ryuk/internal/ryuk/responder"
	"github.com/bdobrica/ryuk/internal/ryuk/telegram"
)

// Transport names accepted in Config.Transport.
const (
	TransportTelegram = "telegram"
	TransportMatrix   = "matrix"
)

// ErrUnknownTransport is returned by New for an unsupported Config.Transport.
var ErrUnknownTransport = errors.New("app: unknown transport")

// Config holds application configuration.
type Config struct {
	// Transport selects the chat platform: TransportTelegram or TransportMatrix.
	Transport string
	Telegram  telegram.Config
	Matrix    matrix.Config
	// MatrixSyncDB is an optional SQLite path for the Matrix sync position.
	MatrixSyncDB string

	LLM            llm.FactoryConfig
	DefaultModel   llm.ProviderID
	FallbackModels []llm.ProviderID
	// CallTimeout bounds each model call. Zero means no limit.
	CallTimeout time.Duration

	Memory memory.Config

	// Image configures /draw. An empty APIKey disables it.
	Image imagegen.Config

	// PersonaFile is an optional YAML persona; empty uses the built-in one.
	PersonaFile string

	// HTTPAddr is the address for /health, /status and /metrics. Empty
	// disables the server.
	HTTPAddr string

	// Workers bounds concurrently handled messages. Default: bot.DefaultWorkers.
	Workers int
	// HandlerTimeout bounds the handling of one message. Default: 3 minutes.
	HandlerTimeout time.Duration

	// MetricsNamespace prefixes every metric. Default: "ryuk".
	MetricsNamespace string
}

// runner is a bot.Transport that can also receive messages.
type runner interface {
	bot.Transport
	Run(ctx context.Context, sink func(context.Context, bot.Inbound)) error
}

// App is the assembled bot.
type App struct {
	config     *Config
	persona    *persona.Persona
	metrics    *observability.Metrics
	memory     *memory.Store
	controller *responder.Controller
	transport  runner
	telegram   *telegram.Transport
	syncStore  *matrix.DBSyncStore
	dispatcher *bot.Dispatcher
	health     *HealthServer
}

// New builds every component without contacting any remote service.
func New(cfg *Config) (*App, error) {
	if cfg.MetricsNamespace == "" {
		cfg.MetricsNamespace = "ryuk"
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 3 * time.Minute
	}

	p := persona.Default()
	if cfg.PersonaFile != "" {
		loaded, err := persona.Load(cfg.PersonaFile)
		if err != nil {
			return nil, fmt.Errorf("load persona: %w", err)
		}
		p = loaded
	}

	a := &App{config: cfg, persona: p}
	a.metrics = observability.NewMetrics(cfg.MetricsNamespace)
	a.memory = memory.NewStore(cfg.Memory)
	a.metrics.RegisterMemory(cfg.MetricsNamespace, func() (int, int) {
		s := a.memory.Stats()
		return s.Keys, s.Turns
	})

	a.controller = responder.New(responder.Config{
		Default:     cfg.DefaultModel,
		Fallbacks:   cfg.FallbackModels,
		Persona:     p,
		CallTimeout: cfg.CallTimeout,
		Observer:    a.metrics,
	}, llm.NewFactory(cfg.LLM), a.memory)

	if err := a.buildTransport(); err != nil {
		return nil, err
	}

	botCfg := bot.Config{
		Transport: a.transport,
		Responder: a.controller,
		Memory:    a.memory,
		Persona:   p,
		Observer:  a.metrics,
	}
	if cfg.Image.APIKey != "" {
		imgCfg := cfg.Image
		imgCfg.Observer = a.metrics
		botCfg.Drawer = imagegen.New(imgCfg)
	}
	a.dispatcher = bot.NewDispatcher(bot.New(botCfg), cfg.Workers, cfg.HandlerTimeout)

	if cfg.HTTPAddr != "" {
		a.health = NewHealthServer(cfg.HTTPAddr, a.transport.Name(), a.controller, a.memory, a.metrics.Handler())
	}
	return a, nil
}

func (a *App) buildTransport() error {
	switch a.config.Transport {
	case TransportTelegram, "":
		a.telegram = telegram.New(a.config.Telegram)
		a.transport = a.telegram
	case TransportMatrix:
		mcfg := a.config.Matrix
		if a.config.MatrixSyncDB != "" {
			s, err := matrix.OpenSyncStore(a.config.MatrixSyncDB)
			if err != nil {
				return err
			}
			a.syncStore = s
			mcfg.SyncStore = s
		}
		t, err := matrix.New(mcfg)
		if err != nil {
			a.closeStore()
			return err
		}
		a.transport = t
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTransport, a.config.Transport)
	}
	return nil
}

// Run connects the transport, selects a provider and serves messages until
// ctx is cancelled. In-flight messages are finished before it returns.
func (a *App) Run(ctx context.Context) error {
	defer a.closeStore()

	if a.telegram != nil {
		if err := a.telegram.Connect(ctx); err != nil {
			return err
		}
	}

	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			return err
		}
	}

	if a.controller.Warmup(ctx) {
		slog.Info("provider ready", "model", a.controller.Status().Active)
	} else {
		slog.Warn("no provider available at startup; will retry on first message",
			"candidates", a.controller.Candidates())
	}

	self := a.transport.Self()
	slog.Info("bot started", "transport", a.transport.Name(), "username", self.Username, "id", self.ID)

	err := a.transport.Run(ctx, a.dispatcher.Dispatch)
	a.dispatcher.Wait()
	slog.Info("bot stopped")
	return err
}

func (a *App) closeStore() {
	if a.syncStore == nil {
		return
	}
	if err := a.syncStore.Close(); err != nil {
		slog.Warn("failed to close sync store", "err", err)
	}
	a.syncStore = nil
}
