package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bdobrica/ryuk/common/version"
	"github.com/bdobrica/ryuk/internal/ryuk/memory"
	"github.com/bdobrica/ryuk/internal/ryuk/responder"
)

// StatusSource supplies the runtime state reported by /status.
type StatusSource interface {
	Status() responder.Status
}

// MemoryStats supplies the memory figures reported by /status.
type MemoryStats interface {
	Stats() memory.Stats
}

// HealthServer exposes /health, /status and /metrics.
// It is optional; the bot runs without it when HTTPAddr is empty.
type HealthServer struct {
	addr      string
	transport string
	status    StatusSource
	memory    MemoryStats
	startedAt time.Time
	server    *http.Server
	router    chi.Router
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status     string    `json:"status"`
	Version    string    `json:"version"`
	Commit     string    `json:"commit"`
	BuildTime  string    `json:"build_time"`
	StartedAt  time.Time `json:"started_at"`
	UptimeSecs float64   `json:"uptime_seconds"`
	Transport  string    `json:"transport"`

	Provider struct {
		State     string   `json:"state"`
		Active    string   `json:"active,omitempty"`
		Attempted []string `json:"attempted"`
	} `json:"provider"`

	Memory struct {
		Keys  int `json:"keys"`
		Turns int `json:"turns"`
	} `json:"memory"`
}

// NewHealthServer creates and configures the HTTP server (does not start it).
// metrics may be nil, in which case /metrics is not mounted.
func NewHealthServer(addr, transport string, status StatusSource, mem MemoryStats, metrics http.Handler) *HealthServer {
	hs := &HealthServer{
		addr:      addr,
		transport: transport,
		status:    status,
		memory:    mem,
		startedAt: time.Now(),
	}
	r := chi.NewRouter()
	r.Get("/health", hs.handleHealth)
	r.Get("/status", hs.handleStatus)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	hs.router = r
	return hs
}

// ServeHTTP implements http.Handler.
func (h *HealthServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Start begins listening in the background and returns once the listener is
// open. The server shuts down when ctx is cancelled.
func (h *HealthServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("health server: listen %s: %w", h.addr, err)
	}

	h.server = &http.Server{
		Handler:      h,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("health server listening", "addr", ln.Addr().String())
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("health server stopped", "err", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("health server shutdown error", "err", err)
		}
	}()

	return nil
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (h *HealthServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		StartedAt:  h.startedAt,
		UptimeSecs: time.Since(h.startedAt).Seconds(),
		Transport:  h.transport,
	}
	resp.Provider.Attempted = []string{}
	if h.status != nil {
		st := h.status.Status()
		resp.Provider.State = string(st.State)
		resp.Provider.Active = string(st.Active)
		for _, id := range st.Attempted {
			resp.Provider.Attempted = append(resp.Provider.Attempted, string(id))
		}
		if st.State == responder.StateExhausted {
			resp.Status = "degraded"
		}
	}
	if h.memory != nil {
		s := h.memory.Stats()
		resp.Memory.Keys = s.Keys
		resp.Memory.Turns = s.Turns
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("health: failed to encode JSON response", "err", err)
	}
}
