// Package responder turns a user utterance into the persona's reply.
//
// A Controller owns the provider selection state: which model is active, and
// which candidates were tried during the last selection. It reads recent
// dialogue from the memory store, assembles the prompt, calls the active
// model and, when anything goes wrong, degrades to the persona's canned lines.
// Generate never returns an error and never returns an empty string.
package responder

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/ryuk/internal/ryuk/llm"
	"github.com/bdobrica/ryuk/internal/ryuk/memory"
	"github.com/bdobrica/ryuk/internal/ryuk/observability"
	"github.com/bdobrica/ryuk/internal/ryuk/persona"
)

// SmokePrompt is sent to a candidate to check that it answers at all.
const SmokePrompt = "Test"

// Reply outcomes reported to the Observer.
const (
	OutcomeReplied     = "replied"     // first call succeeded
	OutcomeRetried     = "retried"     // reselect and retry succeeded
	OutcomeFallback    = "fallback"    // canned line after a failed call
	OutcomeUnreachable = "unreachable" // nothing passed selection
)

// Resolver builds the Model behind a provider ID. *llm.Factory satisfies it.
type Resolver interface {
	Resolve(id llm.ProviderID) (llm.Model, error)
}

// Memory is the part of the memory store the Controller uses.
type Memory interface {
	Record(key memory.Key, turn memory.Turn)
	Recent(key memory.Key) []string
}

// Observer receives selection and reply events. observability.Metrics
// satisfies it.
type Observer interface {
	ObserveSelection(provider string, ok bool)
	ObserveReply(outcome string, elapsed time.Duration)
}

// Config holds configuration for a Controller.
type Config struct {
	// Default is tried first on every selection.
	Default llm.ProviderID

	// Fallbacks are tried in order after Default. Entries equal to Default,
	// repeated entries and blanks are skipped.
	Fallbacks []llm.ProviderID

	// Persona supplies the preamble, speaker labels and canned lines.
	// Default: persona.Default().
	Persona *persona.Persona

	// CallTimeout bounds each model call, smoke tests included. A timeout is
	// a generation failure like any other. Zero means no timeout beyond ctx.
	CallTimeout time.Duration

	// Observer is optional.
	Observer Observer

	// Pick chooses an index in [0, n) for the fallback line. Default: rand.IntN.
	Pick func(n int) int
}

// State is the provider selection state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateSelecting     State = "selecting"
	StateReady         State = "ready"
	StateExhausted     State = "exhausted"
)

// Status is a snapshot of the selection state.
type Status struct {
	State     State
	Active    llm.ProviderID // empty unless State is StateReady
	Attempted []llm.ProviderID
}

// selection is the Controller's record of the active provider.
type selection struct {
	state     State
	active    llm.ProviderID
	model     llm.Model
	attempted []llm.ProviderID
}

// Controller produces replies. It is safe for concurrent use. Its mutex is
// held only while reading or writing the selection, never across a model call,
// so two concurrent selections may run; the last one to finish wins.
type Controller struct {
	cfg        Config
	resolver   Resolver
	memory     Memory
	candidates []llm.ProviderID

	mu  sync.Mutex
	sel selection
}

// New builds a Controller. mem may be shared by other components.
func New(cfg Config, resolver Resolver, mem Memory) *Controller {
	if cfg.Persona == nil {
		cfg.Persona = persona.Default()
	}
	if cfg.Pick == nil {
		cfg.Pick = rand.IntN
	}
	return &Controller{
		cfg:        cfg,
		resolver:   resolver,
		memory:     mem,
		candidates: candidateOrder(cfg.Default, cfg.Fallbacks),
		sel:        selection{state: StateUninitialized},
	}
}

func candidateOrder(def llm.ProviderID, fallbacks []llm.ProviderID) []llm.ProviderID {
	seen := make(map[llm.ProviderID]bool, len(fallbacks)+1)
	out := make([]llm.ProviderID, 0, len(fallbacks)+1)
	for _, id := range append([]llm.ProviderID{def}, fallbacks...) {
		id = llm.ProviderID(strings.TrimSpace(string(id)))
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Candidates returns the selection order.
func (c *Controller) Candidates() []llm.ProviderID {
	return append([]llm.ProviderID(nil), c.candidates...)
}

// Status reports the current selection state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:     c.sel.state,
		Active:    c.sel.active,
		Attempted: append([]llm.ProviderID(nil), c.sel.attempted...),
	}
}

// Warmup runs selection unless a provider is already active. It reports
// whether a provider is ready afterwards.
func (c *Controller) Warmup(ctx context.Context) bool {
	if _, _, ok := c.current(); ok {
		return true
	}
	_, _, err := c.selectProvider(ctx)
	return err == nil
}

func (c *Controller) current() (llm.ProviderID, llm.Model, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sel.state != StateReady {
		return "", nil, false
	}
	return c.sel.active, c.sel.model, true
}

// clearActive drops id as the active provider. A provider chosen by a
// concurrent selection in the meantime is left alone.
func (c *Controller) clearActive(id llm.ProviderID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sel.active == id {
		c.sel = selection{state: StateUninitialized, attempted: c.sel.attempted}
	}
}

// selectProvider smoke-tests the candidates in order and makes the first one
// that answers active.
func (c *Controller) selectProvider(ctx context.Context) (llm.ProviderID, llm.Model, error) {
	log := observability.WithTrace(ctx)

	c.mu.Lock()
	c.sel = selection{state: StateSelecting}
	c.mu.Unlock()

	attempted := make([]llm.ProviderID, 0, len(c.candidates))
	var errs []error
	for _, id := range c.candidates {
		attempted = append(attempted, id)
		log.Info("responder: trying provider", "provider", id)

		model, err := c.smoke(ctx, id)
		c.observeSelection(id, err == nil)
		if err != nil {
			log.Warn("responder: provider failed smoke test", "provider", id, "err", err)
			errs = append(errs, err)
			continue
		}

		c.mu.Lock()
		c.sel = selection{state: StateReady, active: id, model: model, attempted: attempted}
		c.mu.Unlock()
		log.Info("responder: provider selected", "provider", id)
		return id, model, nil
	}

	c.mu.Lock()
	// A concurrent selection that succeeded wins over this one.
	if c.sel.state != StateReady {
		c.sel = selection{state: StateExhausted, attempted: attempted}
	}
	c.mu.Unlock()
	log.Error("responder: no provider passed selection", "attempted", len(attempted))
	return "", nil, errors.Join(append([]error{ErrAllProvidersExhausted}, errs...)...)
}

func (c *Controller) smoke(ctx context.Context, id llm.ProviderID) (llm.Model, error) {
	model, err := c.resolver.Resolve(id)
	if err != nil {
		return nil, &ProviderError{Provider: id, Kind: ErrProviderUnavailable, Err: err}
	}
	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	if _, err := safeGenerate(callCtx, model, SmokePrompt); err != nil {
		return nil, &ProviderError{Provider: id, Kind: ErrProviderUnavailable, Err: err}
	}
	return model, nil
}

// invoke is the generation boundary: it returns the trimmed reply or a
// *ProviderError of kind ErrGenerationFailed.
func (c *Controller) invoke(ctx context.Context, id llm.ProviderID, model llm.Model, prompt string) (string, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := safeGenerate(callCtx, model, prompt)
	if err != nil {
		return "", &ProviderError{Provider: id, Kind: ErrGenerationFailed, Err: err}
	}
	if resp.Text == nil {
		return "", &ProviderError{Provider: id, Kind: ErrGenerationFailed, Err: llm.ErrNoText}
	}
	text := strings.TrimSpace(*resp.Text)
	if text == "" {
		return "", &ProviderError{Provider: id, Kind: ErrGenerationFailed, Err: errEmptyReply}
	}
	return text, nil
}

func (c *Controller) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, c.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

// safeGenerate turns a panicking Model into an error.
func safeGenerate(ctx context.Context, m llm.Model, prompt string) (resp llm.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("model panicked: %v", r)
		}
	}()
	return m.GenerateContent(ctx, prompt)
}

// Generate returns the persona's reply to utterance in the lane key.
//
// The human turn is recorded before the model is called and the reply after
// it succeeds. When the call fails the active provider is dropped, selection
// runs once more and the call is retried without conversation context; that
// retried reply is returned but not recorded. When nothing works a canned line
// is returned. If no provider passes the initial selection, memory is left
// untouched.
func (c *Controller) Generate(ctx context.Context, utterance string, key memory.Key) string {
	start := time.Now()
	log := observability.WithTrace(ctx).With("key", key.String())
	p := c.cfg.Persona

	id, model, ok := c.current()
	if !ok {
		var err error
		id, model, err = c.selectProvider(ctx)
		if err != nil {
			c.observeReply(OutcomeUnreachable, start)
			return p.Unreachable
		}
	}

	history := c.memory.Recent(key)
	c.memory.Record(key, memory.Turn{
		Speaker: memory.Speaker{Kind: memory.SpeakerHuman, Label: p.Labels.Human},
		Text:    utterance,
	})

	reply, err := c.invoke(ctx, id, model, c.prompt(contextBlock(p.ContextHeader, history), utterance))
	if err == nil {
		c.memory.Record(key, memory.Turn{
			Speaker: memory.Speaker{Kind: memory.SpeakerPersona, Label: p.Labels.Persona},
			Text:    reply,
		})
		c.observeReply(OutcomeReplied, start)
		return reply
	}
	log.Warn("responder: generation failed, reselecting", "provider", id, "err", err)

	c.clearActive(id)
	if id, model, err = c.selectProvider(ctx); err == nil {
		reply, err = c.invoke(ctx, id, model, c.prompt("", utterance))
		if err == nil {
			c.observeReply(OutcomeRetried, start)
			return reply
		}
		log.Error("responder: retry failed", "provider", id, "err", err)
	}

	c.observeReply(OutcomeFallback, start)
	return c.fallback()
}

// prompt assembles preamble, context block and the tagged utterance.
func (c *Controller) prompt(contextBlock, utterance string) string {
	p := c.cfg.Persona
	var b strings.Builder
	b.WriteString(p.Preamble)
	b.WriteString("\n\n")
	b.WriteString(contextBlock)
	b.WriteString(p.Labels.Human)
	b.WriteString(": ")
	b.WriteString(utterance)
	b.WriteString("\n\n")
	b.WriteString(p.Labels.Persona)
	b.WriteString(":")
	return b.String()
}

// contextBlock renders recent lines under header, followed by a blank line.
// It is empty when there is no history.
func contextBlock(header string, lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return header + "\n" + strings.Join(lines, "\n") + "\n\n"
}

func (c *Controller) fallback() string {
	lines := c.cfg.Persona.Fallbacks
	if len(lines) == 0 {
		return c.cfg.Persona.Unreachable
	}
	i := c.cfg.Pick(len(lines))
	if i < 0 || i >= len(lines) {
		i = 0
	}
	return lines[i]
}

func (c *Controller) observeSelection(id llm.ProviderID, ok bool) {
	if c.cfg.Observer != nil {
		c.cfg.Observer.ObserveSelection(string(id), ok)
	}
}

func (c *Controller) observeReply(outcome string, start time.Time) {
	if c.cfg.Observer != nil {
		c.cfg.Observer.ObserveReply(outcome, time.Since(start))
	}
}
