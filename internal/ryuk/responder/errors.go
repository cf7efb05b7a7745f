package responder

import (
	"errors"
	"fmt"

	"github.com/bdobrica/ryuk/internal/ryuk/llm"
)

// ErrProviderUnavailable marks a provider that failed its smoke test (or could
// not be built) during selection. Selection recovers by trying the next
// candidate.
var ErrProviderUnavailable = errors.New("responder: provider unavailable")

// ErrGenerationFailed marks a live generation call that failed, timed out, or
// came back without usable text. Generate recovers with one reselect and retry.
var ErrGenerationFailed = errors.New("responder: generation failed")

// ErrAllProvidersExhausted is returned by selection when no candidate passed
// its smoke test. Generate answers with the persona's unreachable line.
var ErrAllProvidersExhausted = errors.New("responder: all providers exhausted")

// errEmptyReply is the cause attached when a model answered with whitespace.
var errEmptyReply = errors.New("empty reply")

// ProviderError attaches a provider ID and an error kind to a backend failure.
// errors.Is matches both the kind sentinel and the underlying cause.
type ProviderError struct {
	Provider llm.ProviderID
	Kind     error
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%v (%s): %v", e.Kind, e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
