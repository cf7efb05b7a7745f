package responder

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/ryuk/internal/ryuk/llm"
	"github.com/bdobrica/ryuk/internal/ryuk/memory"
	"github.com/bdobrica/ryuk/internal/ryuk/persona"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

// scriptedModel answers the smoke prompt with smokeErr and every other prompt
// through reply. It records every prompt it sees.
type scriptedModel struct {
	mu       sync.Mutex
	smokeErr error
	reply    func(prompt string) (llm.Response, error)
	prompts  []string
}

func (m *scriptedModel) GenerateContent(ctx context.Context, prompt string) (llm.Response, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	smokeErr, reply := m.smokeErr, m.reply
	m.mu.Unlock()

	if prompt == SmokePrompt {
		return text("ok"), smokeErr
	}
	if reply == nil {
		return text("default reply"), nil
	}
	return reply(prompt)
}

func (m *scriptedModel) setSmokeErr(err error) {
	m.mu.Lock()
	m.smokeErr = err
	m.mu.Unlock()
}

func (m *scriptedModel) setReply(fn func(string) (llm.Response, error)) {
	m.mu.Lock()
	m.reply = fn
	m.mu.Unlock()
}

// livePrompts returns the non-smoke prompts.
func (m *scriptedModel) livePrompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, p := range m.prompts {
		if p != SmokePrompt {
			out = append(out, p)
		}
	}
	return out
}

func (m *scriptedModel) smokeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.prompts {
		if p == SmokePrompt {
			n++
		}
	}
	return n
}

func text(s string) llm.Response { return llm.Response{Text: &s} }

func replyWith(s string) func(string) (llm.Response, error) {
	return func(string) (llm.Response, error) { return text(s), nil }
}

func failWith(err error) func(string) (llm.Response, error) {
	return func(string) (llm.Response, error) { return llm.Response{}, err }
}

type mapResolver map[llm.ProviderID]llm.Model

func (r mapResolver) Resolve(id llm.ProviderID) (llm.Model, error) {
	m, ok := r[id]
	if !ok {
		return nil, fmt.Errorf("no model %q", id)
	}
	return m, nil
}

type recordingObserver struct {
	mu         sync.Mutex
	selections []string
	outcomes   []string
}

func (o *recordingObserver) ObserveSelection(provider string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.selections = append(o.selections, fmt.Sprintf("%s=%v", provider, ok))
}

func (o *recordingObserver) ObserveReply(outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

var errSmoke = errors.New("404 model not found")

func testPersona() *persona.Persona {
	return &persona.Persona{
		Name:          "Рюк",
		Preamble:      "Ты - Рюк.",
		Labels:        persona.Labels{Human: "Человек", Persona: "Рюк"},
		ContextHeader: "Недавний разговор:",
		Unreachable:   "unreachable",
		Fallbacks:     []string{"fallback-a", "fallback-b"},
	}
}

func newTestController(t *testing.T, cfg Config, models mapResolver) (*Controller, *memory.Store) {
	t.Helper()
	if cfg.Persona == nil {
		cfg.Persona = testPersona()
	}
	store := memory.NewStore(memory.DefaultConfig())
	return New(cfg, models, store), store
}

var key = memory.Key{ChatID: "-1001", UserID: "42"}

// ---------------------------------------------------------------------------
// Selection
// ---------------------------------------------------------------------------

func TestCandidateOrder(t *testing.T) {
	got := candidateOrder("gemini-pro", []llm.ProviderID{"gemini-pro", "gemini-1.5-pro", " ", "gemini-1.5-pro", "gemini-1.5-flash"})
	want := []llm.ProviderID{"gemini-pro", "gemini-1.5-pro", "gemini-1.5-flash"}
	if !slices.Equal(got, want) {
		t.Fatalf("candidateOrder = %v, want %v", got, want)
	}
}

func TestGenerate_DefaultFailsFallbackServes(t *testing.T) {
	def := &scriptedModel{smokeErr: errSmoke}
	fb := &scriptedModel{reply: replyWith("  Ку-ку-ку, яблоко?  ")}
	obs := &recordingObserver{}
	c, _ := newTestController(t, Config{
		Default:   "gemini-pro",
		Fallbacks: []llm.ProviderID{"gemini-pro", "gemini-1.5-flash"},
		Observer:  obs,
	}, mapResolver{"gemini-pro": def, "gemini-1.5-flash": fb})

	got := c.Generate(context.Background(), "Привет", key)
	if got != "Ку-ку-ку, яблоко?" {
		t.Fatalf("expected fallback provider output, got %q", got)
	}

	st := c.Status()
	if st.State != StateReady || st.Active != "gemini-1.5-flash" {
		t.Fatalf("unexpected status %+v", st)
	}
	if !slices.Equal(st.Attempted, []llm.ProviderID{"gemini-pro", "gemini-1.5-flash"}) {
		t.Errorf("unexpected attempted %v", st.Attempted)
	}
	if def.smokeCount() != 1 {
		t.Errorf("default should be smoke-tested once (duplicate skipped), got %d", def.smokeCount())
	}
	if !slices.Equal(obs.selections, []string{"gemini-pro=false", "gemini-1.5-flash=true"}) {
		t.Errorf("unexpected selections %v", obs.selections)
	}
	if !slices.Equal(obs.outcomes, []string{OutcomeReplied}) {
		t.Errorf("unexpected outcomes %v", obs.outcomes)
	}
}

func TestGenerate_UnresolvableProviderIsSkipped(t *testing.T) {
	fb := &scriptedModel{reply: replyWith("hehe")}
	c, _ := newTestController(t, Config{
		Default:   "claude:unknown",
		Fallbacks: []llm.ProviderID{"gemini-1.5-pro"},
	}, mapResolver{"gemini-1.5-pro": fb})

	if got := c.Generate(context.Background(), "hi", key); got != "hehe" {
		t.Fatalf("expected reply from the resolvable fallback, got %q", got)
	}
}

func TestGenerate_SelectionHappensOnce(t *testing.T) {
	m := &scriptedModel{reply: replyWith("ok")}
	c, _ := newTestController(t, Config{Default: "gemini-pro"}, mapResolver{"gemini-pro": m})

	for i := 0; i < 3; i++ {
		c.Generate(context.Background(), "hi", key)
	}
	if m.smokeCount() != 1 {
		t.Fatalf("expected one smoke test while ready, got %d", m.smokeCount())
	}
}

// ---------------------------------------------------------------------------
// Exhaustion
// ---------------------------------------------------------------------------

func TestGenerate_AllProvidersFail(t *testing.T) {
	a := &scriptedModel{smokeErr: errSmoke}
	b := &scriptedModel{smokeErr: errSmoke}
	obs := &recordingObserver{}
	c, store := newTestController(t, Config{
		Default:   "a",
		Fallbacks: []llm.ProviderID{"b"},
		Observer:  obs,
	}, mapResolver{"a": a, "b": b})

	got := c.Generate(context.Background(), "Hello", key)
	if got != "unreachable" {
		t.Fatalf("expected unreachable line, got %q", got)
	}
	if turns := store.Turns(key); len(turns) != 0 {
		t.Fatalf("memory must stay untouched, got %v", turns)
	}
	if st := store.Stats(); st.Keys != 0 {
		t.Fatalf("no lane should be created, got %+v", st)
	}
	if st := c.Status(); st.State != StateExhausted || st.Active != "" {
		t.Fatalf("unexpected status %+v", st)
	}
	if !slices.Equal(obs.outcomes, []string{OutcomeUnreachable}) {
		t.Errorf("unexpected outcomes %v", obs.outcomes)
	}
}

func TestGenerate_ExhaustionIsNotPermanent(t *testing.T) {
	m := &scriptedModel{smokeErr: errSmoke, reply: replyWith("back again")}
	c, _ := newTestController(t, Config{Default: "gemini-pro"}, mapResolver{"gemini-pro": m})

	if got := c.Generate(context.Background(), "hi", key); got != "unreachable" {
		t.Fatalf("expected unreachable, got %q", got)
	}
	m.setSmokeErr(nil)
	if got := c.Generate(context.Background(), "hi", key); got != "back again" {
		t.Fatalf("next call should select from scratch, got %q", got)
	}
	if m.smokeCount() != 2 {
		t.Fatalf("expected two smoke tests, got %d", m.smokeCount())
	}
}

func TestSelectProvider_ErrorKinds(t *testing.T) {
	c, _ := newTestController(t, Config{
		Default:   "a",
		Fallbacks: []llm.ProviderID{"missing"},
	}, mapResolver{"a": &scriptedModel{smokeErr: errSmoke}})

	_, _, err := c.selectProvider(context.Background())
	if !errors.Is(err, ErrAllProvidersExhausted) {
		t.Fatalf("expected ErrAllProvidersExhausted, got %v", err)
	}
	if !errors.Is(err, ErrProviderUnavailable) || !errors.Is(err, errSmoke) {
		t.Fatalf("expected joined provider errors, got %v", err)
	}
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Provider != "a" {
		t.Fatalf("expected *ProviderError for a, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Memory and prompt assembly
// ---------------------------------------------------------------------------

func TestGenerate_ContextCarriesPreviousExchange(t *testing.T) {
	m := &scriptedModel{}
	m.setReply(func(prompt string) (llm.Response, error) {
		if strings.Contains(prompt, "How are you?") {
			return text("Скучно."), nil
		}
		return text("Ку-ку-ку!"), nil
	})
	c, _ := newTestController(t, Config{Default: "gemini-pro"}, mapResolver{"gemini-pro": m})

	c.Generate(context.Background(), "Hello", key)
	c.Generate(context.Background(), "How are you?", key)

	prompts := m.livePrompts()
	if len(prompts) != 2 {
		t.Fatalf("expected two live prompts, got %d", len(prompts))
	}
	wantFirst := "Ты - Рюк.\n\nЧеловек: Hello\n\nРюк:"
	if prompts[0] != wantFirst {
		t.Errorf("first prompt:\n%q\nwant\n%q", prompts[0], wantFirst)
	}
	wantSecond := "Ты - Рюк.\n\n" +
		"Недавний разговор:\nЧеловек: Hello\nРюк: Ку-ку-ку!\n\n" +
		"Человек: How are you?\n\nРюк:"
	if prompts[1] != wantSecond {
		t.Errorf("second prompt:\n%q\nwant\n%q", prompts[1], wantSecond)
	}
}

func TestGenerate_RecordsBothTurns(t *testing.T) {
	m := &scriptedModel{reply: replyWith("  reply  ")}
	c, store := newTestController(t, Config{Default: "gemini-pro"}, mapResolver{"gemini-pro": m})

	c.Generate(context.Background(), "question", key)

	got := store.Recent(key)
	want := []string{"Человек: question", "Рюк: reply"}
	if !slices.Equal(got, want) {
		t.Fatalf("Recent = %v, want %v", got, want)
	}
	turns := store.Turns(key)
	if turns[0].Speaker.Kind != memory.SpeakerHuman || turns[1].Speaker.Kind != memory.SpeakerPersona {
		t.Fatalf("unexpected speakers %+v", turns)
	}
}

func TestGenerate_LanesAreIsolated(t *testing.T) {
	m := &scriptedModel{reply: replyWith("ok")}
	c, _ := newTestController(t, Config{Default: "gemini-pro"}, mapResolver{"gemini-pro": m})
	other := memory.Key{ChatID: key.ChatID, UserID: "43"}

	c.Generate(context.Background(), "secret apple", key)
	c.Generate(context.Background(), "hello", other)

	prompts := m.livePrompts()
	if strings.Contains(prompts[1], "secret apple") {
		t.Fatalf("another user's turn leaked into the prompt: %q", prompts[1])
	}
}

// ---------------------------------------------------------------------------
// Failure and retry
// ---------------------------------------------------------------------------

func TestGenerate_RetryAfterGenerationFailure(t *testing.T) {
	primary := &scriptedModel{reply: replyWith("first")}
	secondary := &scriptedModel{reply: replyWith("from secondary")}
	obs := &recordingObserver{}
	c, store := newTestController(t, Config{
		Default:   "primary",
		Fallbacks: []llm.ProviderID{"secondary"},
		Observer:  obs,
	}, mapResolver{"primary": primary, "secondary": secondary})

	c.Generate(context.Background(), "warm up", key)

	// The primary now breaks for live calls and for smoke tests.
	primary.setReply(failWith(errors.New("500 internal")))
	primary.setSmokeErr(errSmoke)

	got := c.Generate(context.Background(), "second question", key)
	if got != "from secondary" {
		t.Fatalf("expected retried reply, got %q", got)
	}
	if st := c.Status(); st.Active != "secondary" {
		t.Fatalf("expected secondary active after reselection, got %+v", st)
	}

	retryPrompts := secondary.livePrompts()
	if len(retryPrompts) != 1 {
		t.Fatalf("expected one retry prompt, got %d", len(retryPrompts))
	}
	if want := "Ты - Рюк.\n\nЧеловек: second question\n\nРюк:"; retryPrompts[0] != want {
		t.Fatalf("retry prompt must drop context:\n%q\nwant\n%q", retryPrompts[0], want)
	}

	// Human turn recorded before the call; the retried reply is not recorded.
	want := []string{"Человек: warm up", "Рюк: first", "Человек: second question"}
	if got := store.Recent(key); !slices.Equal(got, want) {
		t.Fatalf("Recent = %v, want %v", got, want)
	}
	if !slices.Equal(obs.outcomes, []string{OutcomeReplied, OutcomeRetried}) {
		t.Errorf("unexpected outcomes %v", obs.outcomes)
	}
}

func TestGenerate_RetryFailsReturnsFallback(t *testing.T) {
	m := &scriptedModel{reply: failWith(errors.New("boom"))}
	c, store := newTestController(t, Config{
		Default: "gemini-pro",
		Pick:    func(n int) int { return n - 1 },
	}, mapResolver{"gemini-pro": m})

	got := c.Generate(context.Background(), "hi", key)
	if got != "fallback-b" {
		t.Fatalf("expected picked fallback line, got %q", got)
	}
	if recent := store.Recent(key); !slices.Equal(recent, []string{"Человек: hi"}) {
		t.Fatalf("only the human turn should be recorded, got %v", recent)
	}
	if m.smokeCount() != 2 {
		t.Fatalf("failure should trigger one reselection, got %d smoke tests", m.smokeCount())
	}
}

func TestGenerate_ReselectionExhaustedReturnsFallback(t *testing.T) {
	m := &scriptedModel{}
	c, _ := newTestController(t, Config{Default: "gemini-pro"}, mapResolver{"gemini-pro": m})
	c.Warmup(context.Background())

	m.setReply(failWith(errors.New("boom")))
	m.setSmokeErr(errSmoke)

	got := c.Generate(context.Background(), "hi", key)
	if got != "fallback-a" && got != "fallback-b" {
		t.Fatalf("expected a fallback line, got %q", got)
	}
	if st := c.Status(); st.State != StateExhausted {
		t.Fatalf("expected exhausted after failed reselection, got %+v", st)
	}
}

func TestGenerate_MalformedResponses(t *testing.T) {
	tests := []struct {
		name  string
		reply func(string) (llm.Response, error)
	}{
		{"nil text", func(string) (llm.Response, error) { return llm.Response{}, nil }},
		{"whitespace text", replyWith(" \n\t ")},
		{"no text error", failWith(llm.ErrNoText)},
		{"blocked", failWith(llm.ErrBlocked)},
		{"panic", func(string) (llm.Response, error) { panic("nil pointer in sdk") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &scriptedModel{reply: tt.reply}
			c, _ := newTestController(t, Config{Default: "gemini-pro"}, mapResolver{"gemini-pro": m})

			got := c.Generate(context.Background(), "hi", key)
			if got != "fallback-a" && got != "fallback-b" {
				t.Fatalf("expected fallback line, got %q", got)
			}
		})
	}
}

func TestInvoke_TimeoutIsGenerationFailure(t *testing.T) {
	blocking := llm.Model(modelFunc(func(ctx context.Context, prompt string) (llm.Response, error) {
		<-ctx.Done()
		return llm.Response{}, ctx.Err()
	}))
	c, _ := newTestController(t, Config{Default: "x", CallTimeout: 10 * time.Millisecond}, mapResolver{})

	_, err := c.invoke(context.Background(), "x", blocking, "prompt")
	if !errors.Is(err, ErrGenerationFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected generation failure wrapping deadline, got %v", err)
	}
}

type modelFunc func(ctx context.Context, prompt string) (llm.Response, error)

func (f modelFunc) GenerateContent(ctx context.Context, prompt string) (llm.Response, error) {
	return f(ctx, prompt)
}

func TestGenerate_NeverEmpty(t *testing.T) {
	inputs := []string{"", "   ", "Привет", strings.Repeat("я", 4096)}
	resolvers := map[string]mapResolver{
		"none":    {},
		"failing": {"gemini-pro": &scriptedModel{reply: failWith(errors.New("x"))}},
		"working": {"gemini-pro": &scriptedModel{reply: replyWith("ok")}},
	}
	for name, r := range resolvers {
		for _, in := range inputs {
			c, _ := newTestController(t, Config{Default: "gemini-pro"}, r)
			if got := c.Generate(context.Background(), in, memory.Key{}); got == "" {
				t.Errorf("%s: empty reply for input %q", name, in)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Instances and concurrency
// ---------------------------------------------------------------------------

func TestControllers_HaveIndependentSelection(t *testing.T) {
	good := &scriptedModel{reply: replyWith("ok")}
	bad := &scriptedModel{smokeErr: errSmoke}

	c1, _ := newTestController(t, Config{Default: "good"}, mapResolver{"good": good})
	c2, _ := newTestController(t, Config{Default: "bad"}, mapResolver{"bad": bad})

	if !c1.Warmup(context.Background()) {
		t.Fatal("c1 should warm up")
	}
	if c2.Warmup(context.Background()) {
		t.Fatal("c2 should not warm up")
	}
	if c1.Status().Active != "good" || c2.Status().State != StateExhausted {
		t.Fatalf("unexpected states %+v / %+v", c1.Status(), c2.Status())
	}
}

func TestStatus_Uninitialized(t *testing.T) {
	c, _ := newTestController(t, Config{Default: "gemini-pro"}, mapResolver{})
	st := c.Status()
	if st.State != StateUninitialized || st.Active != "" || len(st.Attempted) != 0 {
		t.Fatalf("unexpected initial status %+v", st)
	}
}

func TestGenerate_Concurrent(t *testing.T) {
	m := &scriptedModel{reply: replyWith("ok")}
	c, store := newTestController(t, Config{Default: "gemini-pro"}, mapResolver{"gemini-pro": m})

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k := memory.Key{ChatID: "chat", UserID: fmt.Sprint(i)}
			if got := c.Generate(context.Background(), "hi", k); got != "ok" {
				t.Errorf("worker %d got %q", i, got)
			}
		}(i)
	}
	wg.Wait()

	if st := store.Stats(); st.Keys != workers || st.Turns != 2*workers {
		t.Fatalf("unexpected stats %+v", st)
	}
	if c.Status().State != StateReady {
		t.Fatalf("expected ready, got %+v", c.Status())
	}
}
