// Package engine provides the per-engine-type HTTP clients, the child
// process wrapper, and the token estimators the gateway core is built on.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"gatewayd/internal/config"
)

// Client is the per-engine-type contract: request/response transforms, a
// non-throwing health probe, forwarding, and (when supported) online token
// estimation. Implementations are cheap to construct; one is created per
// engine bring-up.
type Client interface {
	// SupportedEndpoints returns the request paths this engine accepts.
	SupportedEndpoints() []string
	// TransformRequest removes or rewrites fields the engine does not
	// accept. It must not alter the semantics of supported fields.
	TransformRequest(path string, body map[string]any) map[string]any
	// TransformResponse rewrites an engine response into OpenAI shape.
	// Identity for engines that already speak OpenAI.
	TransformResponse(path string, body map[string]any) map[string]any
	// CheckHealth probes the engine. False on refusal, 5xx, or timeout;
	// never returns an error.
	CheckHealth(ctx context.Context, timeout time.Duration) bool
	// Forward posts the (transformed) body to the engine and returns the
	// raw response. The caller owns resp.Body.
	Forward(ctx context.Context, path string, body map[string]any) (*http.Response, error)
	// EstimateTokens counts tokens via the running engine.
	EstimateTokens(ctx context.Context, body map[string]any) (int, error)
	// SupportsTokenize reports whether EstimateTokens is usable.
	SupportsTokenize() bool
	// BaseURL returns the engine endpoint this client talks to.
	BaseURL() string
}

// capability describes one engine kind. New kinds register here rather than
// subclassing.
type capability struct {
	endpoints []string
	tokenize  bool
}

var kindTable = map[string]capability{
	config.EngineLlamaCpp: {
		endpoints: []string{"/v1/chat/completions", "/v1/completions"},
		tokenize:  true,
	},
	config.EngineLlamaCppSideload: {
		endpoints: []string{"/v1/chat/completions", "/v1/completions"},
		tokenize:  true,
	},
	config.EngineLlamaCppEmbedding: {
		endpoints: []string{"/v1/chat/completions", "/v1/completions", "/v1/embeddings"},
		tokenize:  true,
	},
}

// Options carries gateway-level knobs into client construction.
type Options struct {
	// MaxTokensReserve replaces max_tokens in estimates when the request
	// carries none.
	MaxTokensReserve int
	// DropFields overrides the default removal list for TransformRequest.
	DropFields []string
}

// NewClient constructs the concrete client for an engine kind.
func NewClient(kind, baseURL string, opts Options, log zerolog.Logger) (Client, error) {
	caps, ok := kindTable[kind]
	if !ok {
		return nil, fmt.Errorf("unsupported engine type: %s", kind)
	}
	return newLlamaClient(baseURL, caps, opts, log), nil
}
