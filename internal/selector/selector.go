// Package selector picks the smallest model variant whose context window
// covers a request's estimated token requirement.
package selector

import (
	"context"
	"math"

	"github.com/rs/zerolog"

	"gatewayd/internal/config"
	"gatewayd/internal/engine"
	"gatewayd/pkg/types"
)

// EngineSource exposes the supervisor's current engine to the selector so
// the online tokenization path can be used when the right engine is already
// live. CurrentClient returns nil when no engine for modelName is running.
type EngineSource interface {
	CurrentClient(modelName string) engine.Client
}

// Selection is the outcome of a variant pick.
type Selection struct {
	Model     *config.Model
	Variant   *config.Variant
	Estimated int
	Required  int
}

// Selector resolves model names and chooses variants by token requirement.
type Selector struct {
	cfg     *config.Config
	engines EngineSource
	log     zerolog.Logger
}

// New constructs a Selector over the immutable configuration.
func New(cfg *config.Config, engines EngineSource, log zerolog.Logger) *Selector {
	return &Selector{cfg: cfg, engines: engines, log: log}
}

// Select resolves modelName and returns the first variant (in ascending
// context order) whose context covers the estimated requirement plus safety
// margin.
func (s *Selector) Select(ctx context.Context, modelName string, body map[string]any) (Selection, error) {
	model, ok := s.cfg.ModelByName(modelName)
	if !ok {
		return Selection{}, ErrModelNotFound(modelName)
	}

	est, err := s.estimate(ctx, model, body)
	if err != nil {
		return Selection{}, err
	}

	margin := s.cfg.Server.SafetyAbsolute
	if frac := int(math.Ceil(float64(est) * s.cfg.Server.SafetyFraction)); frac > margin {
		margin = frac
	}
	required := est + margin

	for i := range model.Variants {
		v := &model.Variants[i]
		if v.Context >= required {
			s.log.Info().
				Str("model", model.Name).
				Int("context", v.Context).
				Int("estimated", est).
				Int("required", required).
				Msg("selected variant")
			return Selection{Model: model, Variant: v, Estimated: est, Required: required}, nil
		}
	}
	maxCtx := model.Variants[len(model.Variants)-1].Context
	return Selection{}, ErrContextTooLarge(required, maxCtx)
}

// estimate picks the most precise available estimation path: the live
// engine's tokenizer, then the model's standalone tokenizer, then the
// character heuristic.
func (s *Selector) estimate(ctx context.Context, model *config.Model, body map[string]any) (int, error) {
	if client := s.engines.CurrentClient(model.Name); client != nil && client.SupportsTokenize() {
		est, err := client.EstimateTokens(ctx, body)
		if err == nil {
			return est, nil
		}
		s.log.Warn().Err(err).Str("model", model.Name).Msg("online token estimation failed, falling back")
	}
	if model.Tokenization != nil {
		tok := engine.NewTokenizer(*model.Tokenization, s.cfg.Server.MaxTokensReserve, s.log)
		est, err := tok.EstimateTokens(ctx, body)
		if err == nil {
			return est, nil
		}
		if !engine.IsEstimationError(err) || s.cfg.Server.DisableHeuristic {
			return 0, err
		}
		s.log.Warn().Err(err).Str("model", model.Name).Msg("offline token estimation failed, using heuristic")
	}
	est := s.heuristic(body)
	s.log.Warn().Str("model", model.Name).Int("estimated", est).Msg("using character-count token heuristic")
	return est, nil
}

// heuristic assumes roughly four characters per token, plus the completion
// reservation.
func (s *Selector) heuristic(body map[string]any) int {
	rc := engine.ParseRequestContent(body, "\n")
	maxTokens := rc.MaxTokens
	if !rc.HasMaxTokens {
		maxTokens = s.cfg.Server.MaxTokensReserve
	}
	est := int(math.Ceil(float64(len(rc.Text))/4)) + maxTokens
	if est < 10 {
		est = 10
	}
	return est
}

// Models returns the OpenAI-shaped model listing.
func (s *Selector) Models() types.ModelList {
	list := types.ModelList{Object: "list", Data: []types.ModelSummary{}}
	for i := range s.cfg.Models {
		list.Data = append(list.Data, types.ModelSummary{
			ID:      s.cfg.Models[i].Name,
			Object:  "model",
			Created: 0,
			OwnedBy: "gateway",
		})
	}
	return list
}

// ModelInfo returns details for one model; false when unknown.
func (s *Selector) ModelInfo(name string) (types.ModelInfo, bool) {
	model, ok := s.cfg.ModelByName(name)
	if !ok {
		return types.ModelInfo{}, false
	}
	info := types.ModelInfo{
		ID:                   model.Name,
		Object:               "model",
		Engine:               model.Engine,
		SupportsTokenization: model.Tokenization != nil,
	}
	for i := range model.Variants {
		info.ContextSizes = append(info.ContextSizes, model.Variants[i].Context)
	}
	return info, true
}
