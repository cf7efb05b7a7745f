package memory

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultWindow is how long a turn stays visible after it was produced.
	DefaultWindow = 600 * time.Second
	// DefaultMaxTurns caps how many turns Recent returns.
	DefaultMaxTurns = 5
)

// Config holds configuration for the Store.
type Config struct {
	// Window is the retention window. A turn whose age equals the window is
	// still retained. Default: 600 seconds.
	Window time.Duration

	// MaxTurns is the maximum number of turns returned by Recent. Older turns
	// inside the window are skipped. Default: 5.
	MaxTurns int

	// Now overrides the wall clock. Default: time.Now.
	Now func() time.Time
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		Window:   DefaultWindow,
		MaxTurns: DefaultMaxTurns,
		Now:      time.Now,
	}
}

// Stats summarises the store contents.
type Stats struct {
	Keys  int // lanes ever created
	Turns int // turns currently held, including ones not yet swept
}

// conversationLog is the per-key turn buffer. Its mutex makes a Record
// atomic with respect to its own expiry sweep.
type conversationLog struct {
	mu    sync.Mutex
	turns []Turn
}

// Store maps conversation keys to their logs. It is safe for concurrent use;
// calls for different keys only share the brief map lookup.
//
// Keys are never evicted: a lane that goes quiet shrinks to zero turns but
// its entry stays in the map for the lifetime of the process.
type Store struct {
	config Config

	mu   sync.RWMutex
	logs map[Key]*conversationLog
}

// NewStore creates an empty Store. Zero-valued fields in cfg fall back to
// the defaults.
func NewStore(cfg Config) *Store {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = def.MaxTurns
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	return &Store{
		config: cfg,
		logs:   make(map[Key]*conversationLog),
	}
}

// Record appends turn to the log for key and then drops every turn older
// than the retention window. The log is created on first use.
func (s *Store) Record(key Key, turn Turn) {
	s.recordAt(key, turn, s.config.Now())
}

// recordAt is the time-injectable core of Record (for testing).
func (s *Store) recordAt(key Key, turn Turn, now time.Time) {
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = now
	}

	l := s.getOrCreate(key)
	l.mu.Lock()
	defer l.mu.Unlock()

	l.turns = append(l.turns, turn)
	l.turns = s.sweep(l.turns, now)
}

// Recent returns the prompt lines of the most recent turns for key that are
// still inside the retention window, oldest first. An unknown key yields an
// empty slice.
func (s *Store) Recent(key Key) []string {
	return s.recentAt(key, s.config.Now())
}

// recentAt is the time-injectable core of Recent (for testing).
func (s *Store) recentAt(key Key, now time.Time) []string {
	turns := s.turnsAt(key, now)
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, t.Line())
	}
	return lines
}

// Turns returns a copy of the same turns Recent would render.
func (s *Store) Turns(key Key) []Turn {
	return s.turnsAt(key, s.config.Now())
}

func (s *Store) turnsAt(key Key, now time.Time) []Turn {
	l := s.get(key)
	if l == nil {
		return []Turn{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.turns = s.sweep(l.turns, now)

	start := 0
	if len(l.turns) > s.config.MaxTurns {
		start = len(l.turns) - s.config.MaxTurns
	}
	out := make([]Turn, len(l.turns)-start)
	copy(out, l.turns[start:])
	return out
}

// Stats reports how many lanes exist and how many turns they hold.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	logs := make([]*conversationLog, 0, len(s.logs))
	for _, l := range s.logs {
		logs = append(logs, l)
	}
	s.mu.RUnlock()

	st := Stats{Keys: len(logs)}
	for _, l := range logs {
		l.mu.Lock()
		st.Turns += len(l.turns)
		l.mu.Unlock()
	}
	return st
}

// sweep drops turns with now - ts > window. Must be called with the log
// mutex held.
func (s *Store) sweep(turns []Turn, now time.Time) []Turn {
	kept := turns[:0]
	for _, t := range turns {
		if now.Sub(t.Timestamp) <= s.config.Window {
			kept = append(kept, t)
		}
	}
	// Clear the tail so dropped turns can be collected.
	for i := len(kept); i < len(turns); i++ {
		turns[i] = Turn{}
	}
	return kept
}

func (s *Store) get(key Key) *conversationLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logs[key]
}

// getOrCreate returns the log for key, creating it when absent.
func (s *Store) getOrCreate(key Key) *conversationLog {
	if l := s.get(key); l != nil {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[key]; ok {
		return l
	}
	l := &conversationLog{}
	s.logs[key] = l
	return l
}
