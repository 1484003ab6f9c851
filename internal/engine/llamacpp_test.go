package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gatewayd/internal/config"
)

func newTestClient(t *testing.T, url string) *llamaClient {
	t.Helper()
	c, err := NewClient(config.EngineLlamaCpp, url, Options{MaxTokensReserve: 512}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c.(*llamaClient)
}

func TestSupportedEndpoints(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	eps := c.SupportedEndpoints()
	want := map[string]bool{"/v1/chat/completions": true, "/v1/completions": true}
	if len(eps) != len(want) {
		t.Fatalf("endpoints: %v", eps)
	}
	for _, e := range eps {
		if !want[e] {
			t.Fatalf("unexpected endpoint %s", e)
		}
	}

	emb, err := NewClient(config.EngineLlamaCppEmbedding, "http://127.0.0.1:1", Options{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new embedding client: %v", err)
	}
	found := false
	for _, e := range emb.SupportedEndpoints() {
		if e == "/v1/embeddings" {
			found = true
		}
	}
	if !found {
		t.Fatalf("embedding client must support /v1/embeddings")
	}
}

func TestUnknownEngineKind(t *testing.T) {
	if _, err := NewClient("vllm", "http://h", Options{}, zerolog.Nop()); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestCheckHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)
	if !c.CheckHealth(context.Background(), time.Second) {
		t.Fatalf("expected healthy")
	}
}

func TestCheckHealthFallsBackToModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusNotFound)
		case "/v1/models":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)
	if !c.CheckHealth(context.Background(), time.Second) {
		t.Fatalf("expected healthy via /v1/models fallback")
	}
}

func TestCheckHealthFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	c := newTestClient(t, srv.URL)
	if c.CheckHealth(context.Background(), time.Second) {
		t.Fatalf("5xx must be unhealthy")
	}
	srv.Close()
	// connection refused after close
	if c.CheckHealth(context.Background(), time.Second) {
		t.Fatalf("refused connection must be unhealthy")
	}
}

func TestTransformRequestDropsFields(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	body := map[string]any{
		"model":       "m",
		"messages":    []any{},
		"temperature": 0.7,
		"store":       true,
		"metadata":    map[string]any{"a": "b"},
	}
	out := c.TransformRequest("/v1/chat/completions", body)
	if _, ok := out["store"]; ok {
		t.Fatalf("store not dropped")
	}
	if _, ok := out["metadata"]; ok {
		t.Fatalf("metadata not dropped")
	}
	if out["temperature"] != 0.7 {
		t.Fatalf("supported field altered")
	}
	// original body untouched
	if _, ok := body["store"]; !ok {
		t.Fatalf("input body mutated")
	}
}

func TestTransformResponseIdentity(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	in := map[string]any{"choices": []any{}}
	if out := c.TransformResponse("/v1/chat/completions", in); len(out) != 1 {
		t.Fatalf("identity transform changed body: %v", out)
	}
}

func TestEstimateTokensChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/apply-template":
			var req struct {
				Messages []any `json:"messages"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			if len(req.Messages) != 2 {
				t.Errorf("expected 2 messages, got %d", len(req.Messages))
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"prompt": "<chat>hello hi</chat>"})
		case "/tokenize":
			var req struct {
				Content string `json:"content"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Content != "<chat>hello hi</chat>" {
				t.Errorf("tokenize content: %q", req.Content)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"tokens": []int{1, 2, 3, 4, 5}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)
	body := map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": "hello"},
			map[string]any{"role": "assistant", "content": "hi"},
		},
		"max_tokens": float64(100),
	}
	n, err := c.EstimateTokens(context.Background(), body)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if n != 105 {
		t.Fatalf("expected 105, got %d", n)
	}
}

func TestEstimateTokensPromptUsesReserve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tokenize" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"tokens": []int{1, 2, 3}})
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)
	n, err := c.EstimateTokens(context.Background(), map[string]any{"prompt": "complete"})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if n != 3+512 {
		t.Fatalf("expected 515, got %d", n)
	}
}

func TestEstimateTokensUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)
	if _, err := c.EstimateTokens(context.Background(), map[string]any{"prompt": "x"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestForwardTransformsAndPosts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path: %s", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		if _, ok := body["store"]; ok {
			t.Errorf("store field reached the engine")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "cmpl-1"})
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)
	resp, err := c.Forward(context.Background(), "/v1/chat/completions", map[string]any{
		"model": "m", "store": true,
	})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}
