// Package redact strips credentials from strings and errors before they are
// logged or shown to a chat.
//
// The Telegram Bot API puts the bot token in the request path, so every
// *url.Error returned by net/http carries it. Transports wrap such errors with
// Error before returning them.
package redact

import (
	"strings"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
//
// Example:
//
//	safe := redact.String(logLine, apiKey, botToken)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Mask returns a display form of secret keeping only its last four
// characters, e.g. "[REDACTED]9xQk". Secrets of eight characters or fewer
// are hidden entirely.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return placeholder
	}
	return placeholder + secret[len(secret)-4:]
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

// Error returns err with the sensitive values removed from its message. The
// original error stays reachable through errors.Is and errors.As.
func Error(err error, sensitiveValues ...string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	clean := String(msg, sensitiveValues...)
	if clean == msg {
		return err
	}
	return &redactedError{msg: clean, err: err}
}
