package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Command is a parsed slash command.
type Command struct {
	// Name is the command without the slash, lower-cased ("ryuk").
	Name string
	// Target is the bot addressed with "/name@target", or empty.
	Target string
	// Args is everything after the first run of whitespace, trimmed.
	Args string
}

// ErrNotACommand is returned by ParseCommand when the message does not start
// with the command prefix.
var ErrNotACommand = errors.New("not a command (missing prefix)")

// ErrUnknownCommand is returned by Router.Route for an unregistered name.
var ErrUnknownCommand = errors.New("unknown command")

// ParseCommand splits "/name[@target] [args]" into a Command.
func ParseCommand(text string) (*Command, error) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return nil, ErrNotACommand
	}

	body := strings.TrimPrefix(trimmed, "/")
	head, rest := body, ""
	if i := strings.IndexFunc(body, unicode.IsSpace); i >= 0 {
		head, rest = body[:i], body[i:]
	}
	if head == "" {
		return nil, fmt.Errorf("empty command")
	}

	name, target, _ := strings.Cut(head, "@")
	return &Command{
		Name:   strings.ToLower(name),
		Target: target,
		Args:   strings.TrimSpace(rest),
	}, nil
}

// CommandHandler answers one command. A non-empty string is sent back as a
// text reply.
type CommandHandler func(ctx context.Context, cmd *Command, in Inbound) (string, error)

// Router routes commands to handlers.
type Router struct {
	handlers map[string]CommandHandler
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string]CommandHandler)}
}

// Register registers a command handler under name (without the slash).
func (r *Router) Register(name string, handler CommandHandler) {
	r.handlers[strings.ToLower(name)] = handler
}

// Has reports whether name has a handler.
func (r *Router) Has(name string) bool {
	_, ok := r.handlers[name]
	return ok
}

// Route calls the handler registered for cmd.
func (r *Router) Route(ctx context.Context, cmd *Command, in Inbound) (string, error) {
	handler, ok := r.handlers[cmd.Name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Name)
	}
	return handler(ctx, cmd, in)
}
