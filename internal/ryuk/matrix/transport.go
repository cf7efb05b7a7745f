// Package matrix connects the bot to a Matrix homeserver.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/ryuk/common/retry"
	"github.com/bdobrica/ryuk/internal/ryuk/bot"
	"github.com/bdobrica/ryuk/internal/ryuk/imagegen"
)

// sentHistory bounds how many of the bot's own event IDs are remembered for
// reply detection.
const sentHistory = 1024

// Config holds Matrix transport configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string

	// Rooms are joined at startup. When non-empty, messages from other rooms
	// are ignored.
	Rooms []string

	// AutoJoin accepts room invitations addressed to the bot.
	AutoJoin bool

	// SyncStore persists the sync position across restarts. When nil, an
	// in-memory store is used and messages sent before startup are skipped.
	SyncStore mautrix.SyncStore

	// SendRetry governs retries of outgoing events. Default:
	// retry.DefaultConfig with Retryable as the predicate.
	SendRetry retry.Config
}

// Transport implements bot.Transport for Matrix.
type Transport struct {
	cfg     Config
	client  *mautrix.Client
	self    id.UserID
	rooms   map[id.RoomID]bool
	started time.Time

	mu      sync.Mutex
	sent    map[id.EventID]struct{}
	order   []id.EventID
	members map[id.RoomID]int
	names   map[id.UserID]string
}

// New creates a Transport. It does not contact the homeserver.
func New(cfg Config) (*Transport, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	if cfg.SyncStore != nil {
		client.Store = cfg.SyncStore
	}
	if cfg.SendRetry.MaxAttempts == 0 {
		cfg.SendRetry = retry.DefaultConfig
	}
	if cfg.SendRetry.ShouldRetry == nil {
		cfg.SendRetry.ShouldRetry = Retryable
	}

	rooms := make(map[id.RoomID]bool, len(cfg.Rooms))
	for _, r := range cfg.Rooms {
		rooms[id.RoomID(r)] = true
	}
	return &Transport{
		cfg:     cfg,
		client:  client,
		self:    id.UserID(cfg.UserID),
		rooms:   rooms,
		started: time.Now(),
		sent:    make(map[id.EventID]struct{}),
		members: make(map[id.RoomID]int),
		names:   make(map[id.UserID]string),
	}, nil
}

// Retryable reports whether a homeserver error is worth retrying: rate
// limits, 5xx statuses and network failures.
func Retryable(err error) bool {
	if errors.Is(err, mautrix.MLimitExceeded) {
		return true
	}
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		return retry.IsRetryableStatus(httpErr.Response.StatusCode)
	}
	return retry.Transient(err)
}

// Name implements bot.Transport.
func (t *Transport) Name() string { return "matrix" }

// Self implements bot.Transport. Username is the localpart, which is what
// people type after "@" in most clients.
func (t *Transport) Self() bot.Identity {
	localpart, _, _ := t.self.Parse()
	return bot.Identity{ID: t.self.String(), Username: localpart}
}

// Run joins the configured rooms and syncs until ctx is cancelled, passing
// every text message to sink. Sync failures are retried with back-off.
func (t *Transport) Run(ctx context.Context, sink func(context.Context, bot.Inbound)) error {
	syncer, ok := t.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix: unsupported syncer")
	}
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		if in, ok := t.toInbound(ctx, evt); ok {
			sink(ctx, in)
		}
	})
	syncer.OnEventType(event.StateMember, t.handleMember)

	for roomID := range t.rooms {
		if err := t.joinRoom(ctx, roomID); err != nil {
			return fmt.Errorf("failed to join room %s: %w", roomID, err)
		}
	}

	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin
	for {
		err := t.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		slog.Error("matrix: sync stopped; reconnecting", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

// toInbound converts a room message into a bot message. Own messages,
// non-text messages, messages from unconfigured rooms and messages sent
// before startup are skipped.
func (t *Transport) toInbound(ctx context.Context, evt *event.Event) (bot.Inbound, bool) {
	if evt.Sender == t.self {
		return bot.Inbound{}, false
	}
	if len(t.rooms) > 0 && !t.rooms[evt.RoomID] {
		return bot.Inbound{}, false
	}
	if t.cfg.SyncStore == nil && evt.Timestamp > 0 && time.UnixMilli(evt.Timestamp).Before(t.started) {
		return bot.Inbound{}, false
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText {
		return bot.Inbound{}, false
	}

	text := stripReplyFallback(content.Body)
	in := bot.Inbound{
		ChatID:    evt.RoomID.String(),
		UserID:    evt.Sender.String(),
		MessageID: evt.ID.String(),
		FirstName: t.displayName(ctx, evt.Sender),
		Private:   t.memberCount(ctx, evt.RoomID) == 2,
	}

	if rt := content.RelatesTo; rt != nil && rt.InReplyTo != nil {
		in.ReplyToBot = t.wasSent(rt.InReplyTo.EventID)
	}
	if m := content.Mentions; m != nil {
		for _, u := range m.UserIDs {
			if u == t.self {
				in.Mentioned = true
			}
		}
	}
	if full := t.self.String(); strings.Contains(text, full) {
		in.Mentioned = true
		text = strings.ReplaceAll(text, full, "")
	}
	in.Text = strings.TrimSpace(text)
	if in.Text == "" {
		return bot.Inbound{}, false
	}
	return in, true
}

// stripReplyFallback drops the "> quoted" prefix older clients put in the
// body of a reply.
func stripReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> ") {
		return body
	}
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	return strings.TrimLeft(strings.Join(lines[i:], "\n"), "\n")
}

func (t *Transport) handleMember(ctx context.Context, evt *event.Event) {
	t.mu.Lock()
	delete(t.members, evt.RoomID)
	t.mu.Unlock()

	if !t.cfg.AutoJoin || evt.GetStateKey() != t.self.String() {
		return
	}
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	if len(t.rooms) > 0 && !t.rooms[evt.RoomID] {
		return
	}
	if err := t.joinRoom(ctx, evt.RoomID); err != nil {
		slog.Warn("matrix: failed to accept invite", "room", evt.RoomID, "err", err)
		return
	}
	slog.Info("matrix: joined room", "room", evt.RoomID, "inviter", evt.Sender)
}

// memberCount returns the joined member count of a room, cached until the
// next membership change. Zero means unknown.
func (t *Transport) memberCount(ctx context.Context, roomID id.RoomID) int {
	t.mu.Lock()
	n, ok := t.members[roomID]
	t.mu.Unlock()
	if ok {
		return n
	}

	resp, err := t.client.JoinedMembers(ctx, roomID)
	if err != nil {
		slog.Warn("matrix: joined members lookup failed", "room", roomID, "err", err)
		return 0
	}
	n = len(resp.Joined)
	t.mu.Lock()
	t.members[roomID] = n
	t.mu.Unlock()
	return n
}

// displayName returns the user's profile name, falling back to the localpart.
func (t *Transport) displayName(ctx context.Context, userID id.UserID) string {
	t.mu.Lock()
	name, ok := t.names[userID]
	t.mu.Unlock()
	if ok {
		return name
	}

	name, _, _ = userID.Parse()
	if profile, err := t.client.GetProfile(ctx, userID); err == nil && profile.DisplayName != "" {
		name = profile.DisplayName
	}
	t.mu.Lock()
	t.names[userID] = name
	t.mu.Unlock()
	return name
}

func (t *Transport) remember(eventID id.EventID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sent[eventID]; ok {
		return
	}
	t.sent[eventID] = struct{}{}
	t.order = append(t.order, eventID)
	if len(t.order) > sentHistory {
		delete(t.sent, t.order[0])
		t.order = t.order[1:]
	}
}

func (t *Transport) wasSent(eventID id.EventID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.sent[eventID]
	return ok
}

// Reply implements bot.Transport.
func (t *Transport) Reply(ctx context.Context, in bot.Inbound, text string) error {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	t.relate(content, in)
	return t.send(ctx, in, content)
}

// ReplyImage implements bot.Transport.
func (t *Transport) ReplyImage(ctx context.Context, in bot.Inbound, img imagegen.Image, caption string) error {
	var upload *mautrix.RespMediaUpload
	err := retry.Do(ctx, t.cfg.SendRetry, func() error {
		var err error
		upload, err = t.client.UploadBytes(ctx, img.Data, img.ContentType)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upload image: %w", err)
	}

	content := &event.MessageEventContent{
		MsgType: event.MsgImage,
		Body:    img.Filename(),
		URL:     upload.ContentURI.CUString(),
		Info: &event.FileInfo{
			MimeType: img.ContentType,
			Size:     len(img.Data),
		},
	}
	if caption != "" {
		content.Body = caption
		content.FileName = img.Filename()
	}
	t.relate(content, in)
	return t.send(ctx, in, content)
}

func (t *Transport) relate(content *event.MessageEventContent, in bot.Inbound) {
	if in.MessageID != "" {
		content.RelatesTo = &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(in.MessageID)},
		}
	}
	content.Mentions = &event.Mentions{}
	if in.UserID != "" && !in.Private {
		content.Mentions.UserIDs = []id.UserID{id.UserID(in.UserID)}
	}
}

func (t *Transport) send(ctx context.Context, in bot.Inbound, content *event.MessageEventContent) error {
	var resp *mautrix.RespSendEvent
	err := retry.Do(ctx, t.cfg.SendRetry, func() error {
		var err error
		resp, err = t.client.SendMessageEvent(ctx, id.RoomID(in.ChatID), event.EventMessage, content)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	t.remember(resp.EventID)
	return nil
}

func (t *Transport) joinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := t.client.JoinRoomByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("matrix: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}
