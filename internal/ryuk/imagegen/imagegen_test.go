package imagegen

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/ryuk/common/retry"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n0000IHDR")

type imageObserver struct {
	mu     sync.Mutex
	events []string
}

func (o *imageObserver) ObserveImage(model string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ok {
		o.events = append(o.events, model+"=ok")
	} else {
		o.events = append(o.events, model+"=error")
	}
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestDraw_SendsParameters(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody inferenceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngHeader)
	}))
	defer srv.Close()

	g := New(Config{APIKey: "hf_test", BaseURL: srv.URL, Models: []string{"stabilityai/sd"}, Retry: fastRetry()})
	params := DefaultParams()
	params.NegativePrompt = "low quality, blurry"
	params.Width, params.Height = 768, 512

	img, err := g.Draw(context.Background(), "shinigami over a city", params)
	if err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if img.ContentType != "image/png" || img.Model != "stabilityai/sd" || img.Filename() != "ryuk.png" {
		t.Fatalf("unexpected image %+v", img)
	}
	if gotPath != "/models/stabilityai/sd" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer hf_test" {
		t.Errorf("unexpected auth %q", gotAuth)
	}
	want := inferenceParameters{NegativePrompt: "low quality, blurry", GuidanceScale: 7.5, NumInferenceSteps: 25, Width: 768, Height: 512}
	if gotBody.Inputs != "shinigami over a city" || gotBody.Parameters != want {
		t.Errorf("unexpected body %+v", gotBody)
	}
}

func TestDraw_FallsBackAcrossModels(t *testing.T) {
	var mu sync.Mutex
	hits := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		mu.Unlock()
		switch r.URL.Path {
		case "/models/gated":
			w.WriteHeader(http.StatusForbidden)
			_, _ = io.WriteString(w, `{"error":"Not allowed"}`)
		case "/models/loading":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = io.WriteString(w, `{"error":"Model is loading","estimated_time":0.001}`)
		default:
			w.Header().Set("Content-Type", "image/jpeg; charset=binary")
			_, _ = w.Write([]byte{0xff, 0xd8, 0xff, 0xe0})
		}
	}))
	defer srv.Close()

	obs := &imageObserver{}
	g := New(Config{BaseURL: srv.URL, Models: []string{"gated", "loading", "sd15"}, Retry: fastRetry(), Observer: obs})

	img, err := g.Draw(context.Background(), "apple", DefaultParams())
	if err != nil {
		t.Fatalf("Draw: %v", err)
	}
	if img.Model != "sd15" || img.ContentType != "image/jpeg" || img.Filename() != "ryuk.jpg" {
		t.Fatalf("unexpected image %+v", img)
	}
	if hits["/models/gated"] != 1 {
		t.Errorf("403 must not be retried, got %d hits", hits["/models/gated"])
	}
	if hits["/models/loading"] != 2 {
		t.Errorf("503 should be retried once, got %d hits", hits["/models/loading"])
	}
	want := []string{"gated=error", "loading=error", "sd15=ok"}
	if strings.Join(obs.events, ",") != strings.Join(want, ",") {
		t.Errorf("unexpected observer events %v", obs.events)
	}
}

func TestDraw_AllModelsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"generated_text":"not an image"}`)
	}))
	defer srv.Close()

	g := New(Config{BaseURL: srv.URL, Models: []string{"a", "b"}, Retry: fastRetry()})
	_, err := g.Draw(context.Background(), "apple", DefaultParams())
	if !errors.Is(err, ErrNotImage) {
		t.Fatalf("expected ErrNotImage, got %v", err)
	}
	if !strings.Contains(err.Error(), "a:") || !strings.Contains(err.Error(), "b:") {
		t.Fatalf("expected both models in error, got %v", err)
	}
}

func TestDraw_StatusErrorDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":"Invalid credentials in Authorization header"}`)
	}))
	defer srv.Close()

	g := New(Config{BaseURL: srv.URL, Models: []string{"m"}, Retry: fastRetry()})
	_, err := g.Draw(context.Background(), "apple", DefaultParams())
	var se *retry.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized || se.Body != "Invalid credentials in Authorization header" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestNew_KeepsCallerRetryPredicate(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":"Model is currently loading"}`)
	}))
	defer srv.Close()

	rc := fastRetry()
	rc.MaxAttempts = 3
	rc.ShouldRetry = func(error) bool { return false }
	g := New(Config{BaseURL: srv.URL, Models: []string{"m"}, Retry: rc})
	if _, err := g.Draw(context.Background(), "apple", DefaultParams()); err == nil {
		t.Fatal("expected an error")
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("custom predicate should stop retries, got %d calls", calls)
	}
}

func TestNew_Defaults(t *testing.T) {
	g := New(Config{})
	if strings.Join(g.Models(), ",") != strings.Join(DefaultModels, ",") {
		t.Errorf("unexpected default models %v", g.Models())
	}
	if p := DefaultParams(); p.GuidanceScale != 7.5 || p.Steps != 25 {
		t.Errorf("unexpected default params %+v", p)
	}
}
