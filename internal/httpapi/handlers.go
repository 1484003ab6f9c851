package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"gatewayd/internal/engine"
	"gatewayd/pkg/types"
)

// maxBodyBytes caps JSON request bodies. 8 MiB leaves headroom for very long
// chat histories while bounding memory.
var maxBodyBytes int64 = 8 << 20

// SetMaxBodyBytes allows configuring the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 8 << 20
		return
	}
	maxBodyBytes = n
}

// handleChatCompletion proxies POST /v1/chat/completions.
//
//	@Summary	Create a chat completion
//	@Accept		json
//	@Produce	json
//	@Success	200	{object}	map[string]any
//	@Failure	400	{object}	types.ErrorResponse
//	@Failure	502	{object}	types.ErrorResponse
//	@Router		/v1/chat/completions [post]
func (g *Gateway) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	body, ok := g.parseBody(w, r)
	if !ok {
		return
	}
	if !validateChatCompletion(w, body) {
		return
	}
	g.process(w, r, "/v1/chat/completions", body)
}

// handleCompletion proxies POST /v1/completions.
//
//	@Summary	Create a text completion
//	@Accept		json
//	@Produce	json
//	@Success	200	{object}	map[string]any
//	@Failure	400	{object}	types.ErrorResponse
//	@Failure	502	{object}	types.ErrorResponse
//	@Router		/v1/completions [post]
func (g *Gateway) handleCompletion(w http.ResponseWriter, r *http.Request) {
	body, ok := g.parseBody(w, r)
	if !ok {
		return
	}
	if !validateCompletion(w, body) {
		return
	}
	g.process(w, r, "/v1/completions", body)
}

// handleEmbeddings proxies POST /v1/embeddings for embedding-capable engines.
//
//	@Summary	Create embeddings
//	@Accept		json
//	@Produce	json
//	@Success	200	{object}	map[string]any
//	@Failure	400	{object}	types.ErrorResponse
//	@Router		/v1/embeddings [post]
func (g *Gateway) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	body, ok := g.parseBody(w, r)
	if !ok {
		return
	}
	if !validateEmbeddings(w, body) {
		return
	}
	g.process(w, r, "/v1/embeddings", body)
}

// handleModelsList serves GET /v1/models.
//
//	@Summary	List configured models
//	@Produce	json
//	@Success	200	{object}	types.ModelList
//	@Router		/v1/models [get]
func (g *Gateway) handleModelsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.sel.Models())
}

// handleModelInfo serves GET /v1/models/{model_id}.
//
//	@Summary	Describe one model
//	@Produce	json
//	@Success	200	{object}	types.ModelInfo
//	@Failure	404	{object}	types.ErrorResponse
//	@Router		/v1/models/{model_id} [get]
func (g *Gateway) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "model_id")
	info, ok := g.sel.ModelInfo(id)
	if !ok {
		writeError(w, http.StatusNotFound, types.ErrTypeInvalidRequest, "model not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// process runs the serialized select → ensure → forward pipeline.
func (g *Gateway) process(w http.ResponseWriter, r *http.Request, path string, body map[string]any) {
	if g.draining.Load() {
		writeError(w, http.StatusServiceUnavailable, types.ErrTypeInternal, "gateway is shutting down")
		return
	}
	modelName, _ := body["model"].(string)

	// One inference at a time, end-to-end.
	g.reqMu.Lock()
	defer g.reqMu.Unlock()

	dump := g.dumper.Begin(modelName)
	defer dump.Close()
	dump.Request(body)

	sel, err := g.sel.Select(r.Context(), modelName, body)
	if err != nil {
		g.writeMappedError(w, err)
		return
	}
	client, err := g.sup.Ensure(r.Context(), sel.Model, sel.Variant)
	if err != nil {
		g.writeMappedError(w, err)
		return
	}
	if r.Context().Err() != nil {
		// Client went away while the engine was coming up; the bring-up
		// completed so the next request gets a warm engine.
		g.log.Info().Str("path", path).Msg("client disconnected during engine bring-up")
		return
	}
	if !endpointSupported(client.SupportedEndpoints(), path) {
		writeError(w, http.StatusBadRequest, types.ErrTypeInvalidRequest, "endpoint "+path+" is not supported by this engine")
		return
	}
	g.sup.Touch()

	stream, _ := body["stream"].(bool)
	g.forward(w, r, client, path, body, stream, dump)
}

func (g *Gateway) forward(w http.ResponseWriter, r *http.Request, client engine.Client, path string, body map[string]any, stream bool, dump *DumpEntry) {
	resp, err := client.Forward(r.Context(), path, body)
	if err != nil {
		if r.Context().Err() != nil {
			g.log.Info().Str("path", path).Msg("client cancelled request")
			return
		}
		g.log.Error().Err(err).Str("path", path).Msg("engine request failed")
		writeError(w, http.StatusBadGateway, types.ErrTypeUpstream, "engine unreachable: "+err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		g.relayUpstreamError(w, resp, dump)
		return
	}
	if stream {
		g.streamResponse(w, r, resp, dump)
		return
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		g.log.Error().Err(err).Msg("reading engine response failed")
		writeError(w, http.StatusBadGateway, types.ErrTypeUpstream, "error reading engine response")
		return
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		g.log.Error().Err(err).Msg("engine returned invalid JSON")
		writeError(w, http.StatusBadGateway, types.ErrTypeUpstream, "invalid response from engine")
		return
	}
	payload = client.TransformResponse(path, payload)
	dump.Response(payload)
	writeJSON(w, resp.StatusCode, payload)
}

// streamResponse relays the engine's SSE bytes verbatim: what the client
// receives is a prefix-exact copy of what the engine sent.
func (g *Gateway) streamResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, dump *DumpEntry) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				g.log.Info().Msg("client closed stream, discarding engine output")
				return
			}
			dump.ResponseChunk(buf[:n])
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF && r.Context().Err() == nil {
				g.log.Error().Err(err).Msg("engine stream interrupted")
			}
			return
		}
	}
}

// relayUpstreamError passes the engine's 4xx/5xx through, shaping the body
// into an OpenAI error payload when it is not one already.
func (g *Gateway) relayUpstreamError(w http.ResponseWriter, resp *http.Response, dump *DumpEntry) {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	g.log.Warn().Int("status", resp.StatusCode).Msg("engine returned error status")

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err == nil {
		if _, hasErr := payload["error"]; hasErr {
			dump.Response(payload)
			writeJSON(w, resp.StatusCode, payload)
			return
		}
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = resp.Status
	}
	writeError(w, resp.StatusCode, types.ErrTypeUpstream, msg)
}

// parseBody decodes the JSON request body into a generic map.
func (g *Gateway) parseBody(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, types.ErrTypeInvalidRequest, "Content-Type must be application/json")
		return nil, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, types.ErrTypeInvalidRequest, "invalid JSON in request body")
		return nil, false
	}
	return body, true
}

func validateChatCompletion(w http.ResponseWriter, body map[string]any) bool {
	if !requireModel(w, body) {
		return false
	}
	msgs, ok := body["messages"].([]any)
	if !ok || len(msgs) == 0 {
		writeError(w, http.StatusBadRequest, types.ErrTypeInvalidRequest, "messages must be a non-empty array")
		return false
	}
	for i, m := range msgs {
		msg, ok := m.(map[string]any)
		if !ok {
			writeError(w, http.StatusBadRequest, types.ErrTypeInvalidRequest, "message must be an object")
			return false
		}
		if _, ok := msg["role"]; !ok {
			writeErrorf(w, "message at index %d missing 'role' field", i)
			return false
		}
		if _, ok := msg["content"]; !ok {
			writeErrorf(w, "message at index %d missing 'content' field", i)
			return false
		}
	}
	return true
}

func validateCompletion(w http.ResponseWriter, body map[string]any) bool {
	if !requireModel(w, body) {
		return false
	}
	switch p := body["prompt"].(type) {
	case string:
		return true
	case []any:
		if len(p) == 0 {
			writeError(w, http.StatusBadRequest, types.ErrTypeInvalidRequest, "prompt list must not be empty")
			return false
		}
		return true
	default:
		writeError(w, http.StatusBadRequest, types.ErrTypeInvalidRequest, "prompt must be a string or list of strings")
		return false
	}
}

func validateEmbeddings(w http.ResponseWriter, body map[string]any) bool {
	if !requireModel(w, body) {
		return false
	}
	switch in := body["input"].(type) {
	case string:
		return true
	case []any:
		if len(in) == 0 {
			writeError(w, http.StatusBadRequest, types.ErrTypeInvalidRequest, "input list must not be empty")
			return false
		}
		return true
	default:
		writeError(w, http.StatusBadRequest, types.ErrTypeInvalidRequest, "input must be a string or list of strings")
		return false
	}
}

func requireModel(w http.ResponseWriter, body map[string]any) bool {
	if name, _ := body["model"].(string); name == "" {
		writeError(w, http.StatusBadRequest, types.ErrTypeInvalidRequest, "model is required")
		return false
	}
	return true
}

func endpointSupported(endpoints []string, path string) bool {
	for _, e := range endpoints {
		if e == path {
			return true
		}
	}
	return false
}
