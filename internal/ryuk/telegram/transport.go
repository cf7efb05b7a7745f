package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/bdobrica/ryuk/common/retry"
	"github.com/bdobrica/ryuk/internal/ryuk/bot"
	"github.com/bdobrica/ryuk/internal/ryuk/imagegen"
)

// Config holds configuration for a Transport.
type Config struct {
	Token string

	// APIBase overrides DefaultAPIBase (tests, local Bot API servers).
	APIBase string

	// PollTimeout is the getUpdates long-poll wait. Default: 30 s.
	PollTimeout time.Duration

	// SendRetry governs retries of outgoing messages. Default:
	// retry.DefaultConfig with the transient-error predicate.
	SendRetry retry.Config

	// PollBackoff is the wait after a failed poll, doubled up to one minute.
	// Default: 1 s.
	PollBackoff time.Duration
}

// Transport implements bot.Transport for Telegram.
type Transport struct {
	cfg    Config
	client *Client
	self   User
}

// New creates a Transport. Call Connect before Run.
func New(cfg Config) *Transport {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.SendRetry.MaxAttempts == 0 {
		cfg.SendRetry = retry.DefaultConfig
	}
	if cfg.SendRetry.ShouldRetry == nil {
		cfg.SendRetry.ShouldRetry = retry.Transient
	}
	if cfg.PollBackoff <= 0 {
		cfg.PollBackoff = time.Second
	}
	return &Transport{cfg: cfg, client: NewClient(cfg.APIBase, cfg.Token, nil)}
}

// Connect fetches the bot's own identity.
func (t *Transport) Connect(ctx context.Context) error {
	var me User
	err := retry.Do(ctx, t.cfg.SendRetry, func() error {
		var err error
		me, err = t.client.GetMe(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("telegram: getMe: %w", err)
	}
	t.self = me
	slog.Info("telegram: connected", "username", me.Username, "id", me.ID)
	return nil
}

// Name implements bot.Transport.
func (t *Transport) Name() string { return "telegram" }

// Self implements bot.Transport.
func (t *Transport) Self() bot.Identity {
	return bot.Identity{ID: strconv.FormatInt(t.self.ID, 10), Username: t.self.Username}
}

// Reply implements bot.Transport.
func (t *Transport) Reply(ctx context.Context, in bot.Inbound, text string) error {
	chatID, replyTo, err := parseTarget(in)
	if err != nil {
		return err
	}
	return retry.Do(ctx, t.cfg.SendRetry, func() error {
		_, err := t.client.SendMessage(ctx, chatID, replyTo, text)
		return err
	})
}

// ReplyImage implements bot.Transport.
func (t *Transport) ReplyImage(ctx context.Context, in bot.Inbound, img imagegen.Image, caption string) error {
	chatID, replyTo, err := parseTarget(in)
	if err != nil {
		return err
	}
	return retry.Do(ctx, t.cfg.SendRetry, func() error {
		_, err := t.client.SendPhoto(ctx, chatID, replyTo, img.Filename(), img.Data, caption)
		return err
	})
}

func parseTarget(in bot.Inbound) (chatID, replyTo int64, err error) {
	chatID, err = strconv.ParseInt(in.ChatID, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram: invalid chat id %q: %w", in.ChatID, err)
	}
	if in.MessageID != "" {
		replyTo, _ = strconv.ParseInt(in.MessageID, 10, 64)
	}
	return chatID, replyTo, nil
}

// Run long-polls for updates and passes every text message to sink until ctx
// is cancelled. Poll failures are logged and retried with backoff.
func (t *Transport) Run(ctx context.Context, sink func(context.Context, bot.Inbound)) error {
	var offset int64
	backoff := t.cfg.PollBackoff

	for {
		pollCtx, cancel := context.WithTimeout(ctx, t.cfg.PollTimeout+10*time.Second)
		updates, err := t.client.GetUpdates(pollCtx, offset, t.cfg.PollTimeout)
		cancel()

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			wait := backoff
			var se *retry.StatusError
			if errors.As(err, &se) && se.RetryAfter > 0 {
				wait = se.RetryAfter
			}
			slog.Warn("telegram: getUpdates failed", "err", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			backoff = min(backoff*2, time.Minute)
			continue
		}
		backoff = t.cfg.PollBackoff

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if in, ok := t.toInbound(u); ok {
				sink(ctx, in)
			}
		}
	}
}

// toInbound converts an update into a bot message. Updates without text are
// skipped.
func (t *Transport) toInbound(u Update) (bot.Inbound, bool) {
	m := u.Message
	if m == nil || m.Text == "" || m.From == nil {
		return bot.Inbound{}, false
	}
	in := bot.Inbound{
		ChatID:    strconv.FormatInt(m.Chat.ID, 10),
		UserID:    strconv.FormatInt(m.From.ID, 10),
		MessageID: strconv.FormatInt(m.MessageID, 10),
		Text:      m.Text,
		FirstName: m.From.FirstName,
		Private:   m.Chat.Type == "private",
	}
	if r := m.ReplyToMessage; r != nil && r.From != nil && t.self.ID != 0 && r.From.ID == t.self.ID {
		in.ReplyToBot = true
	}
	return in, true
}
