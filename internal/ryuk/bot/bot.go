// Package bot decides what the persona does with an inbound chat message,
// independent of the messaging platform it came from.
//
// Transports convert platform events into Inbound values and implement
// Transport to send the answers back. Private chats are always answered;
// in group chats the bot only speaks when someone replies to it or mentions
// it by username.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bdobrica/ryuk/internal/ryuk/imagegen"
	"github.com/bdobrica/ryuk/internal/ryuk/memory"
	"github.com/bdobrica/ryuk/internal/ryuk/observability"
	"github.com/bdobrica/ryuk/internal/ryuk/persona"
	"github.com/bdobrica/ryuk/internal/ryuk/responder"
)

// Inbound is one text message delivered by a transport.
type Inbound struct {
	ChatID    string
	UserID    string
	MessageID string
	Text      string
	FirstName string

	// Private is true for one-to-one chats.
	Private bool
	// ReplyToBot is true when the message replies to one of the bot's own.
	ReplyToBot bool
	// Mentioned is set by transports that carry structured mentions. The bot
	// also looks for "@username" in Text on its own.
	Mentioned bool
}

// Key returns the memory lane of the sender in this chat.
func (in Inbound) Key() memory.Key {
	return memory.Key{ChatID: in.ChatID, UserID: in.UserID}
}

// Identity describes the bot account on a platform.
type Identity struct {
	ID       string
	Username string
}

// Transport sends replies on a messaging platform.
type Transport interface {
	Name() string
	Self() Identity
	Reply(ctx context.Context, in Inbound, text string) error
	ReplyImage(ctx context.Context, in Inbound, img imagegen.Image, caption string) error
}

// Responder generates persona replies. *responder.Controller satisfies it.
type Responder interface {
	Generate(ctx context.Context, utterance string, key memory.Key) string
	Status() responder.Status
}

// TurnReader exposes a lane's retained turns. *memory.Store satisfies it.
type TurnReader interface {
	Turns(key memory.Key) []memory.Turn
}

// Drawer produces images. *imagegen.Generator satisfies it.
type Drawer interface {
	Draw(ctx context.Context, prompt string, params imagegen.Params) (imagegen.Image, error)
}

// Observer receives one event per handled message. observability.Metrics
// satisfies it.
type Observer interface {
	ObserveInbound(transport, kind string)
}

// Kinds reported to the Observer.
const (
	KindCommand = "command"
	KindReply   = "reply"
	KindIgnored = "ignored"
)

// Config wires a Bot to its collaborators. Drawer and Observer are optional.
type Config struct {
	Transport Transport
	Responder Responder
	Memory    TurnReader
	Drawer    Drawer
	Persona   *persona.Persona
	Observer  Observer

	// ImageParams is the base for /draw; the persona's negative prompt is
	// applied when the params carry none. Default: imagegen.DefaultParams().
	ImageParams *imagegen.Params

	// ReplyTimeout bounds sending a reply. Replies are sent even when the
	// handling context has expired, so a fallback line produced at the
	// deadline still reaches the chat. Default: DefaultReplyTimeout.
	ReplyTimeout time.Duration
}

// DefaultReplyTimeout is used when Config.ReplyTimeout is zero.
const DefaultReplyTimeout = 30 * time.Second

// Bot handles inbound messages.
type Bot struct {
	cfg    Config
	router *Router
}

// New creates a Bot with the standard commands registered.
func New(cfg Config) *Bot {
	if cfg.Persona == nil {
		cfg.Persona = persona.Default()
	}
	if cfg.ImageParams == nil {
		p := imagegen.DefaultParams()
		cfg.ImageParams = &p
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	b := &Bot{cfg: cfg, router: NewRouter()}
	b.router.Register("start", b.handleStart)
	b.router.Register("help", b.handleHelp)
	b.router.Register("debug", b.handleDebug)
	b.router.Register("ryuk", b.handleRyuk)
	b.router.Register("draw", b.handleDraw)
	return b
}

// Handle processes one inbound message and sends whatever reply it calls for.
func (b *Bot) Handle(ctx context.Context, in Inbound) error {
	log := observability.WithTrace(ctx).With(
		"transport", b.cfg.Transport.Name(),
		"chat_id", in.ChatID, "user_id", in.UserID, "private", in.Private)

	if strings.TrimSpace(in.Text) == "" {
		b.observe(KindIgnored)
		return nil
	}
	log.Info("bot: message received", "first_name", in.FirstName, "reply_to_bot", in.ReplyToBot)

	if cmd, err := ParseCommand(in.Text); err == nil && b.router.Has(cmd.Name) {
		if cmd.Target != "" && !strings.EqualFold(cmd.Target, b.cfg.Transport.Self().Username) {
			b.observe(KindIgnored)
			return nil
		}
		b.observe(KindCommand)
		log.Info("bot: command", "command", cmd.Name)
		text, err := b.router.Route(ctx, cmd, in)
		if err != nil {
			return fmt.Errorf("command %s: %w", cmd.Name, err)
		}
		if text == "" {
			return nil
		}
		return b.reply(ctx, in, text)
	}

	utterance, ok := b.addressed(in)
	if !ok {
		b.observe(KindIgnored)
		return nil
	}
	b.observe(KindReply)
	log.Info("bot: generating response", "utterance_len", len([]rune(utterance)))
	return b.reply(ctx, in, b.cfg.Responder.Generate(ctx, utterance, in.Key()))
}

// reply sends text on a context detached from ctx's deadline and
// cancellation but keeping its values (trace ID).
func (b *Bot) reply(ctx context.Context, in Inbound, text string) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.ReplyTimeout)
	defer cancel()
	return b.cfg.Transport.Reply(sctx, in, text)
}

// addressed decides whether a plain message is meant for the bot and returns
// the text to answer.
func (b *Bot) addressed(in Inbound) (string, bool) {
	if in.Private {
		return in.Text, true
	}
	if in.ReplyToBot {
		return in.Text, true
	}
	cleaned, found := StripMention(in.Text, b.cfg.Transport.Self().Username)
	if !found && !in.Mentioned {
		return "", false
	}
	if cleaned == "" {
		cleaned = b.cfg.Persona.Greeting
	}
	return cleaned, true
}

// StripMention removes every "@username" from text, ignoring case, and trims
// the result. found reports whether any mention was present.
func StripMention(text, username string) (cleaned string, found bool) {
	username = strings.TrimPrefix(username, "@")
	if username == "" {
		return strings.TrimSpace(text), false
	}
	needle := "@" + username

	var out strings.Builder
	for i := 0; i < len(text); {
		if i+len(needle) <= len(text) && strings.EqualFold(text[i:i+len(needle)], needle) {
			found = true
			i += len(needle)
			continue
		}
		out.WriteByte(text[i])
		i++
	}
	return strings.TrimSpace(out.String()), found
}

func (b *Bot) observe(kind string) {
	if b.cfg.Observer != nil {
		b.cfg.Observer.ObserveInbound(b.cfg.Transport.Name(), kind)
	}
}

// ---------------------------------------------------------------------------
// Command handlers
// ---------------------------------------------------------------------------

func (b *Bot) handleStart(_ context.Context, _ *Command, in Inbound) (string, error) {
	return b.cfg.Persona.StartMessage(in.FirstName), nil
}

func (b *Bot) handleHelp(_ context.Context, _ *Command, _ Inbound) (string, error) {
	return b.cfg.Persona.Messages.Help, nil
}

func (b *Bot) handleDebug(_ context.Context, _ *Command, in Inbound) (string, error) {
	self := b.cfg.Transport.Self()
	st := b.cfg.Responder.Status()

	model := string(st.Active)
	if model == "" {
		model = string(st.State)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Bot username: @%s\n", self.Username)
	fmt.Fprintf(&sb, "Bot ID: %s\n", self.ID)
	fmt.Fprintf(&sb, "Transport: %s\n", b.cfg.Transport.Name())
	fmt.Fprintf(&sb, "Model: %s\n", model)
	if len(st.Attempted) > 0 {
		attempted := make([]string, len(st.Attempted))
		for i, id := range st.Attempted {
			attempted[i] = string(id)
		}
		fmt.Fprintf(&sb, "Attempted: %s\n", strings.Join(attempted, ", "))
	}
	if b.cfg.Drawer == nil {
		sb.WriteString("Images: disabled\n")
	} else {
		sb.WriteString("Images: enabled\n")
	}

	var turns []memory.Turn
	if b.cfg.Memory != nil {
		turns = b.cfg.Memory.Turns(in.Key())
	}
	fmt.Fprintf(&sb, "Memory: %d turns", len(turns))
	for _, t := range turns {
		fmt.Fprintf(&sb, "\n  [%s] %s", t.Timestamp.Format("15:04:05"), t.Line())
	}
	return sb.String(), nil
}

func (b *Bot) handleRyuk(ctx context.Context, cmd *Command, in Inbound) (string, error) {
	if cmd.Args == "" {
		return b.cfg.Persona.Messages.EmptyCommand, nil
	}
	return b.cfg.Responder.Generate(ctx, cmd.Args, in.Key()), nil
}

func (b *Bot) handleDraw(ctx context.Context, cmd *Command, in Inbound) (string, error) {
	p := b.cfg.Persona
	if b.cfg.Drawer == nil {
		return p.Draw.Disabled, nil
	}
	if cmd.Args == "" {
		return p.Draw.Usage, nil
	}

	log := observability.WithTrace(ctx)
	if err := b.cfg.Transport.Reply(ctx, in, p.Draw.Working); err != nil {
		log.Warn("bot: draw progress message failed", "err", err)
	}

	params := *b.cfg.ImageParams
	if params.NegativePrompt == "" {
		params.NegativePrompt = p.Draw.NegativePrompt
	}
	img, err := b.cfg.Drawer.Draw(ctx, p.DrawPrompt(cmd.Args), params)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", err
		}
		log.Error("bot: image generation failed", "err", err)
		return p.Draw.Failed, nil
	}
	if err := b.cfg.Transport.ReplyImage(ctx, in, img, p.Draw.Caption); err != nil {
		return "", fmt.Errorf("send image: %w", err)
	}
	return "", nil
}
