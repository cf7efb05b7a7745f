// Package memory implements the short-term conversation memory used to give
// the persona continuity inside a chat. Each (chat, user) pair owns its own
// log of recent turns; turns older than the retention window are dropped
// lazily whenever the log is touched.
//
// Nothing here survives a process restart.
package memory

import "time"

// SpeakerKind distinguishes the human side of a dialogue from the persona.
type SpeakerKind string

const (
	// SpeakerHuman marks a turn typed by a chat participant.
	SpeakerHuman SpeakerKind = "human"
	// SpeakerPersona marks a turn generated by the bot.
	SpeakerPersona SpeakerKind = "persona"
)

// Speaker tags a turn with who said it and the label used when the turn is
// rendered back into a prompt (e.g. "Человек" or "Рюк").
type Speaker struct {
	Kind  SpeakerKind
	Label string
}

// Key identifies one memory lane. ChatID and UserID are opaque identifiers
// supplied by the transport.
type Key struct {
	ChatID string
	UserID string
}

// String renders the key for logs.
func (k Key) String() string {
	return k.ChatID + ":" + k.UserID
}

// Turn is a single recorded utterance or reply. Turns are never mutated after
// they are recorded.
type Turn struct {
	ID        string    // UUID, assigned on Record when empty
	Timestamp time.Time // when the turn was produced
	Speaker   Speaker
	Text      string
}

// Line renders the turn the way it is injected into a prompt.
func (t Turn) Line() string {
	if t.Speaker.Label == "" {
		return t.Text
	}
	return t.Speaker.Label + ": " + t.Text
}
