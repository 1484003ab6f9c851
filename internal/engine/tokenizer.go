package engine

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"gatewayd/internal/config"
)

// Tokenizer runs a standalone tokenizer binary over stdin/stdout to estimate
// token counts without a live engine. The chat template is not applied, so
// the count is less precise than the online path; per-message extras from the
// spec compensate.
type Tokenizer struct {
	spec    config.TokenizerSpec
	reserve int
	log     zerolog.Logger
}

// NewTokenizer builds an offline estimator from a model's tokenization
// descriptor.
func NewTokenizer(spec config.TokenizerSpec, maxTokensReserve int, log zerolog.Logger) *Tokenizer {
	return &Tokenizer{spec: spec, reserve: maxTokensReserve, log: log}
}

// EstimateTokens runs the tokenizer binary and returns
//
//	count + extra_tokens_per_message*messages + extra_tokens + max_tokens
//
// where max_tokens falls back to the configured reservation. Failures are
// estimation errors; the caller may recover with a heuristic.
func (t *Tokenizer) EstimateTokens(ctx context.Context, body map[string]any) (int, error) {
	rc := ParseRequestContent(body, t.spec.Separator)
	maxTokens := rc.MaxTokens
	if !rc.HasMaxTokens {
		t.log.Warn().Int("reserve", t.reserve).Msg("no max_tokens in request, using configured reservation")
		maxTokens = t.reserve
	}
	if rc.Text == "" {
		return 0, ErrEstimation("no tokenizable content in request")
	}

	args := append(append([]string(nil), t.spec.BaseArgs...), t.spec.ExtraArgs...)
	cmd := exec.CommandContext(ctx, t.spec.Binary, args...)
	cmd.Stdin = strings.NewReader(rc.Text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	t.log.Debug().Str("binary", t.spec.Binary).Strs("args", args).Msg("running standalone tokenizer")
	if err := cmd.Run(); err != nil {
		return 0, errf("tokenizer %s: %v (stderr: %s)", t.spec.Binary, err, tail(stderr.String(), 512))
	}
	if s := strings.TrimSpace(stderr.String()); s != "" {
		t.log.Warn().Str("binary", t.spec.Binary).Msg("tokenizer stderr: " + tail(s, 512))
	}

	count, err := countTokenIDs(stdout.String())
	if err != nil {
		return 0, err
	}
	total := count + rc.MessageCount*t.spec.ExtraTokensPerMessage + t.spec.ExtraTokens + maxTokens
	t.log.Debug().
		Int("prompt", count).
		Int("messages", rc.MessageCount).
		Int("max_tokens", maxTokens).
		Int("total", total).
		Msg("offline token estimate")
	return total, nil
}

// countTokenIDs parses tokenizer stdout: decimal token ids separated by
// whitespace, optionally wrapped in JSON array punctuation ("[1, 2, 3]").
func countTokenIDs(out string) (int, error) {
	fields := strings.FieldsFunc(out, func(r rune) bool {
		switch r {
		case ' ', '\t', '\r', '\n', ',', '[', ']':
			return true
		}
		return false
	})
	if len(fields) == 0 {
		return 0, ErrEstimation("tokenizer produced no output")
	}
	for _, f := range fields {
		if _, err := strconv.Atoi(f); err != nil {
			return 0, errf("tokenizer output is not a token id list: %q", tail(out, 256))
		}
	}
	return len(fields), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
