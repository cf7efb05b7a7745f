package app_test

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bdobrica/ryuk/internal/ryuk/app"
	"github.com/bdobrica/ryuk/internal/ryuk/llm"
	"github.com/bdobrica/ryuk/internal/ryuk/memory"
	"github.com/bdobrica/ryuk/internal/ryuk/observability"
	"github.com/bdobrica/ryuk/internal/ryuk/responder"
)

type fixedStatus struct{ st responder.Status }

func (f fixedStatus) Status() responder.Status { return f.st }

type fixedStats struct{ s memory.Stats }

func (f fixedStats) Stats() memory.Stats { return f.s }

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var resp map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return w, resp
}

func TestHealthServer_Health(t *testing.T) {
	hs := app.NewHealthServer("127.0.0.1:0", "telegram", nil, nil, nil)

	w, resp := get(t, hs, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
}

func TestHealthServer_Status(t *testing.T) {
	st := responder.Status{
		State:     responder.StateReady,
		Active:    "gemini-1.5-pro",
		Attempted: []llm.ProviderID{"gemini-pro", "gemini-1.5-pro"},
	}
	hs := app.NewHealthServer("127.0.0.1:0", "matrix", fixedStatus{st}, fixedStats{memory.Stats{Keys: 3, Turns: 7}}, nil)

	w, resp := get(t, hs, "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp["status"] != "ok" || resp["transport"] != "matrix" {
		t.Errorf("unexpected status payload %v", resp)
	}
	provider := resp["provider"].(map[string]any)
	if provider["state"] != "ready" || provider["active"] != "gemini-1.5-pro" {
		t.Errorf("unexpected provider %v", provider)
	}
	if n := len(provider["attempted"].([]any)); n != 2 {
		t.Errorf("expected 2 attempted providers, got %d", n)
	}
	mem := resp["memory"].(map[string]any)
	if int(mem["keys"].(float64)) != 3 || int(mem["turns"].(float64)) != 7 {
		t.Errorf("unexpected memory %v", mem)
	}
}

func TestHealthServer_StatusDegradedWhenExhausted(t *testing.T) {
	st := responder.Status{State: responder.StateExhausted, Attempted: []llm.ProviderID{"gemini-pro"}}
	hs := app.NewHealthServer("127.0.0.1:0", "telegram", fixedStatus{st}, nil, nil)

	_, resp := get(t, hs, "/status")
	if resp["status"] != "degraded" {
		t.Errorf("expected degraded, got %v", resp["status"])
	}
}

func TestHealthServer_Metrics(t *testing.T) {
	m := observability.NewMetrics("ryuk_test")
	m.ObserveReply(responder.OutcomeReplied, 0)
	hs := app.NewHealthServer("127.0.0.1:0", "telegram", nil, nil, m.Handler())

	w, _ := get(t, hs, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), `ryuk_test_replies_total{outcome="replied"} 1`) {
		t.Errorf("metrics output missing replies counter:\n%s", body)
	}
}

func TestHealthServer_MetricsNotMounted(t *testing.T) {
	hs := app.NewHealthServer("127.0.0.1:0", "telegram", nil, nil, nil)
	if w, _ := get(t, hs, "/metrics"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestNew_UnknownTransport(t *testing.T) {
	_, err := app.New(&app.Config{Transport: "irc"})
	if !errors.Is(err, app.ErrUnknownTransport) {
		t.Fatalf("expected ErrUnknownTransport, got %v", err)
	}
}

func TestNew_MissingPersonaFile(t *testing.T) {
	_, err := app.New(&app.Config{PersonaFile: filepath.Join(t.TempDir(), "missing.yaml")})
	if err == nil {
		t.Fatal("expected error for missing persona file")
	}
}

func TestNew_MatrixWithSyncStore(t *testing.T) {
	cfg := &app.Config{
		Transport:    app.TransportMatrix,
		MatrixSyncDB: filepath.Join(t.TempDir(), "sync.db"),
		HTTPAddr:     "127.0.0.1:0",
	}
	cfg.Matrix.Homeserver = "https://matrix.example.org"
	cfg.Matrix.UserID = "@ryuk:example.org"
	cfg.Matrix.AccessToken = "syt_token"

	if _, err := app.New(cfg); err != nil {
		t.Fatalf("New: %v", err)
	}
	if cfg.MetricsNamespace != "ryuk" {
		t.Errorf("expected default namespace, got %q", cfg.MetricsNamespace)
	}
}
