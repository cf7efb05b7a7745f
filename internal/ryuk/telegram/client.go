// Package telegram connects the bot to the Telegram Bot API with long polling.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/ryuk/common/redact"
	"github.com/bdobrica/ryuk/common/retry"
	"github.com/bdobrica/ryuk/common/version"
)

const (
	// DefaultAPIBase is the public Bot API root; the token is appended as
	// "/bot<token>".
	DefaultAPIBase = "https://api.telegram.org"

	// maxMessageRunes is Telegram's limit for a text message.
	maxMessageRunes = 4096
	// maxCaptionRunes is Telegram's limit for a photo caption.
	maxCaptionRunes = 1024
)

// User is a Telegram user or bot.
type User struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username,omitempty"`
}

// Chat is a Telegram chat.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"` // "private", "group", "supergroup" or "channel"
}

// Message is the subset of a Telegram message the bot reads.
type Message struct {
	MessageID      int64    `json:"message_id"`
	From           *User    `json:"from,omitempty"`
	Chat           Chat     `json:"chat"`
	Date           int64    `json:"date"`
	Text           string   `json:"text,omitempty"`
	ReplyToMessage *Message `json:"reply_to_message,omitempty"`
}

// Update is one entry of a getUpdates result.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// response is the generic Bot API envelope.
type response struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters,omitempty"`
}

type replyParameters struct {
	MessageID                int64 `json:"message_id"`
	AllowSendingWithoutReply bool  `json:"allow_sending_without_reply"`
}

// Client is a minimal Telegram Bot API client. Every error it returns has the
// bot token scrubbed from its message.
type Client struct {
	apiBase    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for token against apiBase (DefaultAPIBase when
// empty). Request deadlines come from the caller's context.
func NewClient(apiBase, token string, httpClient *http.Client) *Client {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		apiBase:    strings.TrimRight(apiBase, "/") + "/bot" + token,
		token:      token,
		httpClient: httpClient,
	}
}

// GetMe returns the bot's own account.
func (c *Client) GetMe(ctx context.Context) (User, error) {
	var u User
	err := c.callJSON(ctx, "getMe", nil, &u)
	return u, err
}

// GetUpdates long-polls for new messages starting at offset. timeout is the
// server-side wait; ctx must allow for it.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	params := map[string]any{
		"offset":          offset,
		"timeout":         int(timeout / time.Second),
		"allowed_updates": []string{"message"},
	}
	var updates []Update
	err := c.callJSON(ctx, "getUpdates", params, &updates)
	return updates, err
}

// SendMessage sends text to chatID, replying to replyTo when it is non-zero.
// Text longer than Telegram allows is truncated.
func (c *Client) SendMessage(ctx context.Context, chatID, replyTo int64, text string) (Message, error) {
	params := map[string]any{
		"chat_id": chatID,
		"text":    truncate(text, maxMessageRunes),
	}
	if replyTo != 0 {
		params["reply_parameters"] = replyParameters{MessageID: replyTo, AllowSendingWithoutReply: true}
	}
	var m Message
	err := c.callJSON(ctx, "sendMessage", params, &m)
	return m, err
}

// SendPhoto uploads photo to chatID with an optional caption.
func (c *Client) SendPhoto(ctx context.Context, chatID, replyTo int64, filename string, photo []byte, caption string) (Message, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fields := map[string]string{"chat_id": fmt.Sprint(chatID)}
	if caption != "" {
		fields["caption"] = truncate(caption, maxCaptionRunes)
	}
	if replyTo != 0 {
		rp, _ := json.Marshal(replyParameters{MessageID: replyTo, AllowSendingWithoutReply: true})
		fields["reply_parameters"] = string(rp)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return Message{}, fmt.Errorf("telegram sendPhoto: %w", err)
		}
	}
	fw, err := mw.CreateFormFile("photo", filename)
	if err != nil {
		return Message{}, fmt.Errorf("telegram sendPhoto: %w", err)
	}
	if _, err := fw.Write(photo); err != nil {
		return Message{}, fmt.Errorf("telegram sendPhoto: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Message{}, fmt.Errorf("telegram sendPhoto: %w", err)
	}

	var m Message
	err = c.call(ctx, "sendPhoto", mw.FormDataContentType(), body.Bytes(), &m)
	return m, err
}

func (c *Client) callJSON(ctx context.Context, method string, params any, out any) error {
	payload := []byte("{}")
	if params != nil {
		var err error
		if payload, err = json.Marshal(params); err != nil {
			return retry.Permanent(fmt.Errorf("telegram %s: marshal request: %w", method, err))
		}
	}
	return c.call(ctx, method, "application/json", payload, out)
}

func (c *Client) call(ctx context.Context, method, contentType string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/"+method, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(redact.Error(fmt.Errorf("telegram %s: create request: %w", method, err), c.token))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return redact.Error(fmt.Errorf("telegram %s request failed: %w", method, err), c.token)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("telegram %s: read response: %w", method, err)
	}

	var tg response
	if err := json.Unmarshal(body, &tg); err != nil {
		if resp.StatusCode >= 300 {
			return &retry.StatusError{Code: resp.StatusCode, Body: truncate(string(body), 200)}
		}
		return fmt.Errorf("telegram %s: parse response: %w", method, err)
	}
	if !tg.OK {
		code := tg.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		se := &retry.StatusError{Code: code, Body: tg.Description}
		if tg.Parameters != nil && tg.Parameters.RetryAfter > 0 {
			se.RetryAfter = time.Duration(tg.Parameters.RetryAfter) * time.Second
		}
		return fmt.Errorf("telegram %s: %w", method, se)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(tg.Result, out); err != nil {
		return fmt.Errorf("telegram %s: parse result: %w", method, err)
	}
	return nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
