// Package llm provides the language-model backends the persona talks through.
//
// Every backend satisfies Model: a single prompt goes in, generated text comes
// out. Which backend serves a given provider ID is decided by Factory.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ProviderID names one selectable model, e.g. "gemini-1.5-pro" or
// "openai:gpt-4o-mini".
type ProviderID string

// ErrNoText is returned when the upstream answered successfully but the body
// carried no text to hand back (no candidates, no parts, empty choices).
var ErrNoText = errors.New("llm: response has no text")

// ErrBlocked is returned when the upstream refused to answer the prompt, e.g.
// a safety block.
var ErrBlocked = errors.New("llm: prompt blocked by provider")

// Response is the result of a single generation call.
//
// Text is nil when the upstream response did not include a text field at all.
// Backends return ErrNoText in that case, but callers must still tolerate a nil
// Text from third-party Model implementations.
type Response struct {
	Text  *string
	Model string // model name echoed by the backend, when available
}

// Model generates text for a prompt.
//
// Implementations must be safe for concurrent use from multiple goroutines.
type Model interface {
	GenerateContent(ctx context.Context, prompt string) (Response, error)
}

// StatusError reports a non-2xx HTTP status from an upstream API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm: upstream status %d: %s", e.Code, e.Body)
}

func textResponse(s, model string) Response {
	return Response{Text: &s, Model: model}
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
