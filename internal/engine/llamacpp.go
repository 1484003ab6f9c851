package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultDropFields are the OpenAI-only request fields stripped before
// forwarding to llama-server. The list is engine-version-dependent and kept
// as data; override per gateway via Options.DropFields. The default starts
// permissive: only fields the server documents as rejected.
var DefaultDropFields = []string{
	"store",
	"metadata",
	"service_tier",
	"modalities",
	"audio",
	"web_search_options",
	"prediction",
}

const tokenizeCallTimeout = 60 * time.Second

// llamaClient talks to a llama-server (or compatible) HTTP endpoint.
type llamaClient struct {
	base       string
	caps       capability
	httpClient *http.Client
	dropFields []string
	reserve    int
	log        zerolog.Logger
}

func newLlamaClient(baseURL string, caps capability, opts Options, log zerolog.Logger) *llamaClient {
	drop := opts.DropFields
	if drop == nil {
		drop = DefaultDropFields
	}
	// Intentionally Timeout=0: every call carries a context deadline, and
	// forwarded inference may legitimately run for a very long time.
	cli := &http.Client{Timeout: 0}
	return &llamaClient{
		base:       strings.TrimRight(baseURL, "/"),
		caps:       caps,
		httpClient: cli,
		dropFields: drop,
		reserve:    opts.MaxTokensReserve,
		log:        log,
	}
}

func (c *llamaClient) BaseURL() string { return c.base }

func (c *llamaClient) SupportedEndpoints() []string {
	return append([]string(nil), c.caps.endpoints...)
}

func (c *llamaClient) SupportsTokenize() bool { return c.caps.tokenize }

func (c *llamaClient) TransformRequest(path string, body map[string]any) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = v
	}
	for _, field := range c.dropFields {
		if _, present := out[field]; present {
			delete(out, field)
			c.log.Warn().Str("field", field).Str("path", path).Msg("dropping unsupported request field")
		}
	}
	return out
}

func (c *llamaClient) TransformResponse(path string, body map[string]any) map[string]any {
	// llama-server already speaks OpenAI shapes on /v1/*.
	return body
}

func (c *llamaClient) CheckHealth(ctx context.Context, timeout time.Duration) bool {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	status, err := c.get(hctx, "/health")
	if err == nil && status >= 200 && status < 300 {
		return true
	}
	if err == nil && status == http.StatusNotFound {
		// Older builds have no /health; /v1/models answers instead.
		status, err = c.get(hctx, "/v1/models")
		return err == nil && status >= 200 && status < 300
	}
	return false
}

func (c *llamaClient) get(ctx context.Context, path string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func (c *llamaClient) Forward(ctx context.Context, path string, body map[string]any) (*http.Response, error) {
	payload, err := json.Marshal(c.TransformRequest(path, body))
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.log.Debug().Str("url", c.base+path).Msg("forwarding request")
	return c.httpClient.Do(req)
}

// EstimateTokens counts prompt tokens by asking the running engine. For chat
// requests the engine's chat template is applied first (/apply-template),
// then the rendered prompt is tokenized; plain prompts go straight to
// /tokenize. The completion reservation (max_tokens or the configured
// default) is added on top.
func (c *llamaClient) EstimateTokens(ctx context.Context, body map[string]any) (int, error) {
	rc := ParseRequestContent(body, "\n")
	maxTokens := rc.MaxTokens
	if !rc.HasMaxTokens {
		c.log.Warn().Int("reserve", c.reserve).Msg("no max_tokens in request, using configured reservation")
		maxTokens = c.reserve
	}

	var content string
	if msgs, ok := body["messages"].([]any); ok {
		prompt, err := c.applyTemplate(ctx, msgs)
		if err != nil {
			return 0, err
		}
		content = prompt
	} else {
		content = rc.Text
	}

	tokens, err := c.tokenize(ctx, content)
	if err != nil {
		return 0, err
	}
	total := tokens + maxTokens
	c.log.Debug().Int("prompt", tokens).Int("max_tokens", maxTokens).Int("total", total).Msg("online token estimate")
	return total, nil
}

func (c *llamaClient) applyTemplate(ctx context.Context, messages []any) (string, error) {
	var out struct {
		Prompt string `json:"prompt"`
	}
	if err := c.postJSON(ctx, "/apply-template", map[string]any{"messages": messages}, &out); err != nil {
		return "", err
	}
	if out.Prompt == "" {
		return "", fmt.Errorf("no prompt field in /apply-template response")
	}
	return out.Prompt, nil
}

func (c *llamaClient) tokenize(ctx context.Context, content string) (int, error) {
	var out struct {
		Tokens []json.Number `json:"tokens"`
	}
	if err := c.postJSON(ctx, "/tokenize", map[string]any{"content": content}, &out); err != nil {
		return 0, err
	}
	return len(out.Tokens), nil
}

func (c *llamaClient) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	tctx, cancel := context.WithTimeout(ctx, tokenizeCallTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(tctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
