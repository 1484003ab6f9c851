package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gatewayd/internal/config"
	"gatewayd/internal/engine"
	"gatewayd/internal/selector"
	"gatewayd/internal/supervisor"
	"gatewayd/pkg/types"
)

// fakeFwdClient satisfies engine.Client with canned forward responses.
type fakeFwdClient struct {
	endpoints  []string
	status     int
	body       string
	forwardErr error
	gotBody    map[string]any
}

func (f *fakeFwdClient) SupportedEndpoints() []string {
	if f.endpoints != nil {
		return f.endpoints
	}
	return []string{"/v1/chat/completions", "/v1/completions"}
}
func (f *fakeFwdClient) TransformRequest(path string, body map[string]any) map[string]any {
	return body
}
func (f *fakeFwdClient) TransformResponse(path string, body map[string]any) map[string]any {
	return body
}
func (f *fakeFwdClient) CheckHealth(ctx context.Context, timeout time.Duration) bool { return true }
func (f *fakeFwdClient) Forward(ctx context.Context, path string, body map[string]any) (*http.Response, error) {
	f.gotBody = body
	if f.forwardErr != nil {
		return nil, f.forwardErr
	}
	status := f.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(f.body)),
	}, nil
}
func (f *fakeFwdClient) EstimateTokens(ctx context.Context, body map[string]any) (int, error) {
	return 0, nil
}
func (f *fakeFwdClient) SupportsTokenize() bool { return false }
func (f *fakeFwdClient) BaseURL() string        { return "http://fake" }

type fakeSel struct {
	selErr error
	model  config.Model
}

func (f *fakeSel) Select(ctx context.Context, name string, body map[string]any) (selector.Selection, error) {
	if f.selErr != nil {
		return selector.Selection{}, f.selErr
	}
	return selector.Selection{Model: &f.model, Variant: &f.model.Variants[0], Estimated: 100, Required: 612}, nil
}
func (f *fakeSel) Models() types.ModelList {
	return types.ModelList{Object: "list", Data: []types.ModelSummary{{ID: f.model.Name, Object: "model", OwnedBy: "gateway"}}}
}
func (f *fakeSel) ModelInfo(name string) (types.ModelInfo, bool) {
	if name != f.model.Name {
		return types.ModelInfo{}, false
	}
	return types.ModelInfo{ID: name, Object: "model", ContextSizes: []int{4096}}, true
}

type fakeSup struct {
	client    engine.Client
	ensureErr error
	ensures   int
	touches   int
}

func (f *fakeSup) Ensure(ctx context.Context, m *config.Model, v *config.Variant) (engine.Client, error) {
	f.ensures++
	if f.ensureErr != nil {
		return nil, f.ensureErr
	}
	return f.client, nil
}
func (f *fakeSup) Touch() { f.touches++ }

func newTestGateway(client engine.Client, selErr, ensureErr error) (*Gateway, *fakeSup) {
	model := config.Model{
		Name:   "m",
		Engine: config.EngineLlamaCpp,
		Variants: []config.Variant{{
			Binary: "/bin/llama-server", Args: []string{"-c", "4096"}, Context: 4096,
			Connect: "http://127.0.0.1:8080",
		}},
	}
	cfg := &config.Config{
		Server: config.Server{MaxTokensReserve: 1024},
		Models: []config.Model{model},
	}
	sup := &fakeSup{client: client, ensureErr: ensureErr}
	sel := &fakeSel{model: model, selErr: selErr}
	gw := NewGateway(cfg, sel, sup, nil, zerolog.Nop())
	return gw, sup
}

func postJSON(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

const chatReq = `{"model":"m","messages":[{"role":"user","content":"hi"}]}`

func errType(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var er types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, w.Body.String())
	}
	return er.Error.Type
}

func TestChatCompletionValidation(t *testing.T) {
	gw, _ := newTestGateway(&fakeFwdClient{}, nil, nil)
	mux := NewMux(gw)

	cases := []struct {
		name string
		ct   string
		body string
		want int
	}{
		{"bad content type", "text/plain", chatReq, http.StatusUnsupportedMediaType},
		{"invalid json", "application/json", "{", http.StatusBadRequest},
		{"missing model", "application/json", `{"messages":[{"role":"user","content":"x"}]}`, http.StatusBadRequest},
		{"missing messages", "application/json", `{"model":"m"}`, http.StatusBadRequest},
		{"empty messages", "application/json", `{"model":"m","messages":[]}`, http.StatusBadRequest},
		{"message missing role", "application/json", `{"model":"m","messages":[{"content":"x"}]}`, http.StatusBadRequest},
		{"message missing content", "application/json", `{"model":"m","messages":[{"role":"user"}]}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(tc.body))
		req.Header.Set("Content-Type", tc.ct)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Fatalf("%s: status %d want %d", tc.name, w.Code, tc.want)
		}
	}
}

func TestCompletionValidation(t *testing.T) {
	gw, _ := newTestGateway(&fakeFwdClient{}, nil, nil)
	mux := NewMux(gw)
	w := postJSON(t, mux, "/v1/completions", `{"model":"m"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing prompt: %d", w.Code)
	}
	w = postJSON(t, mux, "/v1/completions", `{"model":"m","prompt":[]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty prompt list: %d", w.Code)
	}
}

func TestChatCompletionSuccess(t *testing.T) {
	client := &fakeFwdClient{body: `{"id":"cmpl-1","choices":[]}`}
	gw, sup := newTestGateway(client, nil, nil)
	mux := NewMux(gw)

	w := postJSON(t, mux, "/v1/chat/completions", chatReq)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["id"] != "cmpl-1" {
		t.Fatalf("unexpected body: %v", resp)
	}
	if sup.ensures != 1 || sup.touches != 1 {
		t.Fatalf("ensure/touch counts: %d/%d", sup.ensures, sup.touches)
	}
	if client.gotBody["model"] != "m" {
		t.Fatalf("request body not forwarded: %v", client.gotBody)
	}
}

func TestModelNotFoundMapsTo400(t *testing.T) {
	gw, _ := newTestGateway(&fakeFwdClient{}, selector.ErrModelNotFound("nope"), nil)
	w := postJSON(t, NewMux(gw), "/v1/chat/completions", chatReq)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
	if errType(t, w) != types.ErrTypeInvalidRequest {
		t.Fatalf("type: %s", errType(t, w))
	}
}

func TestContextTooLargeMapsTo400(t *testing.T) {
	gw, _ := newTestGateway(&fakeFwdClient{}, selector.ErrContextTooLarge(44000, 32000), nil)
	w := postJSON(t, NewMux(gw), "/v1/chat/completions", chatReq)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "44000") || !strings.Contains(w.Body.String(), "32000") {
		t.Fatalf("error must report required and max: %s", w.Body.String())
	}
}

func TestStartupFailureMapsTo503(t *testing.T) {
	gw, _ := newTestGateway(&fakeFwdClient{}, nil, supervisor.ErrStartupTimeout(3*time.Second))
	w := postJSON(t, NewMux(gw), "/v1/chat/completions", chatReq)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestUnsupportedEndpointMapsTo400(t *testing.T) {
	client := &fakeFwdClient{endpoints: []string{"/v1/completions"}}
	gw, _ := newTestGateway(client, nil, nil)
	w := postJSON(t, NewMux(gw), "/v1/chat/completions", chatReq)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestUpstreamErrorRelayed(t *testing.T) {
	client := &fakeFwdClient{status: 500, body: `{"error":{"message":"kv cache full","type":"server_error"}}`}
	gw, _ := newTestGateway(client, nil, nil)
	w := postJSON(t, NewMux(gw), "/v1/chat/completions", chatReq)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "kv cache full") {
		t.Fatalf("engine error body must be relayed: %s", w.Body.String())
	}
}

func TestUpstreamNonJSONErrorShaped(t *testing.T) {
	client := &fakeFwdClient{status: 503, body: "loading model"}
	gw, _ := newTestGateway(client, nil, nil)
	w := postJSON(t, NewMux(gw), "/v1/chat/completions", chatReq)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: %d", w.Code)
	}
	if errType(t, w) != types.ErrTypeUpstream {
		t.Fatalf("type: %s", errType(t, w))
	}
}

func TestEngineUnreachableMapsTo502(t *testing.T) {
	client := &fakeFwdClient{forwardErr: errors.New("connection refused")}
	gw, _ := newTestGateway(client, nil, nil)
	w := postJSON(t, NewMux(gw), "/v1/chat/completions", chatReq)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestStreamingPassthrough(t *testing.T) {
	sse := "data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\"llo\"}}]}\n\n" +
		"data: [DONE]\n\n"
	client := &fakeFwdClient{body: sse}
	gw, _ := newTestGateway(client, nil, nil)
	mux := NewMux(gw)

	w := postJSON(t, mux, "/v1/chat/completions", `{"model":"m","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %s", ct)
	}
	if !bytes.Equal(w.Body.Bytes(), []byte(sse)) {
		t.Fatalf("stream must be a byte-exact copy:\n%q\nvs\n%q", w.Body.String(), sse)
	}
}

func TestDrainingRejectsInference(t *testing.T) {
	gw, _ := newTestGateway(&fakeFwdClient{}, nil, nil)
	gw.SetDraining()
	mux := NewMux(gw)
	w := postJSON(t, mux, "/v1/chat/completions", chatReq)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: %d", w.Code)
	}
	// readyz flips too
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, req)
	if rw.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz: %d", rw.Code)
	}
}

func TestModelsEndpoints(t *testing.T) {
	gw, _ := newTestGateway(&fakeFwdClient{}, nil, nil)
	mux := NewMux(gw)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("models: %d", w.Code)
	}
	var list types.ModelList
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if list.Object != "list" || len(list.Data) != 1 || list.Data[0].ID != "m" {
		t.Fatalf("list: %+v", list)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/models/m", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("model info: %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/models/unknown", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown model: %d", w.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	gw, _ := newTestGateway(&fakeFwdClient{}, nil, nil)
	mux := NewMux(gw)
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: %d", path, w.Code)
		}
	}
}
