package config

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"gatewayd/internal/common/fsutil"
)

// File-layer representation. Timeouts are seconds (fractional allowed);
// listen fields accept a single endpoint string, a list, or "none".
type fileConfig struct {
	Server fileServer  `json:"server" yaml:"server" toml:"server"`
	Models []fileModel `json:"models" yaml:"models" toml:"models"`
}

type fileServer struct {
	ListenV4             any        `json:"listen_v4" yaml:"listen_v4" toml:"listen_v4"`
	ListenV6             any        `json:"listen_v6" yaml:"listen_v6" toml:"listen_v6"`
	HealthCheckTimeout   *float64   `json:"health_check_timeout" yaml:"health_check_timeout" toml:"health_check_timeout"`
	EngineStartupTimeout *float64   `json:"engine_startup_timeout" yaml:"engine_startup_timeout" toml:"engine_startup_timeout"`
	EngineIdleTimeout    *float64   `json:"engine_idle_timeout" yaml:"engine_idle_timeout" toml:"engine_idle_timeout"`
	DumpsDir             string     `json:"dumps_dir" yaml:"dumps_dir" toml:"dumps_dir"`
	DumpsPurge           bool       `json:"dumps_purge" yaml:"dumps_purge" toml:"dumps_purge"`
	EagerStart           string     `json:"eager_start" yaml:"eager_start" toml:"eager_start"`
	MaxTokensReserve     *int       `json:"max_tokens_reserve" yaml:"max_tokens_reserve" toml:"max_tokens_reserve"`
	SafetyAbsolute       *int       `json:"safety_absolute" yaml:"safety_absolute" toml:"safety_absolute"`
	SafetyFraction       *float64   `json:"safety_fraction" yaml:"safety_fraction" toml:"safety_fraction"`
	DisableHeuristic     bool       `json:"disable_heuristic" yaml:"disable_heuristic" toml:"disable_heuristic"`
	LogLevel             string     `json:"log_level" yaml:"log_level" toml:"log_level"`
	CORS                 *fileCORS  `json:"cors" yaml:"cors" toml:"cors"`
}

type fileCORS struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers"`
}

type fileModel struct {
	Name                 string         `json:"name" yaml:"name" toml:"name"`
	Engine               string         `json:"engine" yaml:"engine" toml:"engine"`
	Connect              string         `json:"connect" yaml:"connect" toml:"connect"`
	Tokenization         *fileTokenizer `json:"tokenization" yaml:"tokenization" toml:"tokenization"`
	HealthCheckTimeout   *float64       `json:"health_check_timeout" yaml:"health_check_timeout" toml:"health_check_timeout"`
	EngineStartupTimeout *float64       `json:"engine_startup_timeout" yaml:"engine_startup_timeout" toml:"engine_startup_timeout"`
	EngineIdleTimeout    *float64       `json:"engine_idle_timeout" yaml:"engine_idle_timeout" toml:"engine_idle_timeout"`
	Variants             []fileVariant  `json:"variants" yaml:"variants" toml:"variants"`
}

type fileVariant struct {
	Binary               string   `json:"binary" yaml:"binary" toml:"binary"`
	Args                 []string `json:"args" yaml:"args" toml:"args"`
	Context              int      `json:"context" yaml:"context" toml:"context"`
	Connect              string   `json:"connect" yaml:"connect" toml:"connect"`
	HealthCheckTimeout   *float64 `json:"health_check_timeout" yaml:"health_check_timeout" toml:"health_check_timeout"`
	EngineStartupTimeout *float64 `json:"engine_startup_timeout" yaml:"engine_startup_timeout" toml:"engine_startup_timeout"`
	EngineIdleTimeout    *float64 `json:"engine_idle_timeout" yaml:"engine_idle_timeout" toml:"engine_idle_timeout"`
}

type fileTokenizer struct {
	Binary                string   `json:"binary" yaml:"binary" toml:"binary"`
	BaseArgs              []string `json:"base_args" yaml:"base_args" toml:"base_args"`
	ExtraArgs             []string `json:"extra_args" yaml:"extra_args" toml:"extra_args"`
	ExtraTokensPerMessage int      `json:"extra_tokens_per_message" yaml:"extra_tokens_per_message" toml:"extra_tokens_per_message"`
	ExtraTokens           int      `json:"extra_tokens" yaml:"extra_tokens" toml:"extra_tokens"`
	Separator             string   `json:"separator" yaml:"separator" toml:"separator"`
}

// Load reads a configuration file based on its extension, then validates and
// normalizes it. Supports: .yaml/.yml, .json, .toml
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errf("read config: %v", err)
	}
	var fc fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &fc); err != nil {
			return nil, errf("parse yaml: %v", err)
		}
	case ".json":
		if err := json.Unmarshal(b, &fc); err != nil {
			return nil, errf("parse json: %v", err)
		}
	case ".toml":
		if err := toml.Unmarshal(b, &fc); err != nil {
			return nil, errf("parse toml: %v", err)
		}
	default:
		return nil, errf("unsupported config extension: %s", ext)
	}
	cfg, err := normalize(&fc)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize resolves defaults, inheritance, and path expansion.
func normalize(fc *fileConfig) (*Config, error) {
	cfg := &Config{}
	s := &cfg.Server

	var err error
	s.ListenV4, err = listenList(fc.Server.ListenV4, DefaultListenV4)
	if err != nil {
		return nil, err
	}
	s.ListenV6, err = listenList(fc.Server.ListenV6, "")
	if err != nil {
		return nil, err
	}

	s.HealthCheckTimeout = seconds(fc.Server.HealthCheckTimeout, DefaultHealthCheckTimeout)
	s.EngineStartupTimeout = seconds(fc.Server.EngineStartupTimeout, DefaultEngineStartupTimeout)
	s.EngineIdleTimeout = seconds(fc.Server.EngineIdleTimeout, DefaultEngineIdleTimeout)

	s.DumpsPurge = fc.Server.DumpsPurge
	s.EagerStart = fc.Server.EagerStart
	s.DisableHeuristic = fc.Server.DisableHeuristic
	s.LogLevel = fc.Server.LogLevel
	s.MaxTokensReserve = intOr(fc.Server.MaxTokensReserve, DefaultMaxTokensReserve)
	s.SafetyAbsolute = intOr(fc.Server.SafetyAbsolute, DefaultSafetyAbsolute)
	s.SafetyFraction = floatOr(fc.Server.SafetyFraction, DefaultSafetyFraction)
	if fc.Server.CORS != nil {
		s.CORS = CORS{
			Enabled: fc.Server.CORS.Enabled,
			Origins: fc.Server.CORS.Origins,
			Methods: fc.Server.CORS.Methods,
			Headers: fc.Server.CORS.Headers,
		}
	}
	if fc.Server.DumpsDir != "" {
		dir, err := fsutil.ExpandHome(fc.Server.DumpsDir)
		if err != nil {
			return nil, errf("dumps_dir: %v", err)
		}
		s.DumpsDir = dir
	}

	for _, fm := range fc.Models {
		m := Model{
			Name:                 fm.Name,
			Engine:               fm.Engine,
			Connect:              fm.Connect,
			HealthCheckTimeout:   seconds(fm.HealthCheckTimeout, s.HealthCheckTimeout),
			EngineStartupTimeout: seconds(fm.EngineStartupTimeout, s.EngineStartupTimeout),
			EngineIdleTimeout:    seconds(fm.EngineIdleTimeout, s.EngineIdleTimeout),
		}
		if fm.Tokenization != nil {
			bin, err := fsutil.ExpandHome(fm.Tokenization.Binary)
			if err != nil {
				return nil, errf("model %q tokenization binary: %v", fm.Name, err)
			}
			ts := &TokenizerSpec{
				Binary:                bin,
				BaseArgs:              fm.Tokenization.BaseArgs,
				ExtraArgs:             fm.Tokenization.ExtraArgs,
				ExtraTokensPerMessage: fm.Tokenization.ExtraTokensPerMessage,
				ExtraTokens:           fm.Tokenization.ExtraTokens,
				Separator:             fm.Tokenization.Separator,
			}
			if ts.BaseArgs == nil {
				ts.BaseArgs = append([]string(nil), DefaultTokenizerBaseArgs...)
			}
			if ts.Separator == "" {
				ts.Separator = DefaultTokenizerSeparator
			}
			m.Tokenization = ts
		}
		for _, fv := range fm.Variants {
			bin := fv.Binary
			if bin != "" {
				bin, err = fsutil.ExpandHome(bin)
				if err != nil {
					return nil, errf("model %q variant binary: %v", fm.Name, err)
				}
			}
			v := Variant{
				Binary:               bin,
				Args:                 append([]string(nil), fv.Args...),
				Context:              fv.Context,
				Connect:              fv.Connect,
				HealthCheckTimeout:   seconds(fv.HealthCheckTimeout, m.HealthCheckTimeout),
				EngineStartupTimeout: seconds(fv.EngineStartupTimeout, m.EngineStartupTimeout),
				EngineIdleTimeout:    seconds(fv.EngineIdleTimeout, m.EngineIdleTimeout),
			}
			if v.Connect == "" {
				v.Connect = m.Connect
			}
			m.Variants = append(m.Variants, v)
		}
		cfg.Models = append(cfg.Models, m)
	}
	return cfg, nil
}

// listenList accepts a string, a list of strings, or the "none" sentinel.
func listenList(raw any, def string) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		if def == "" {
			return nil, nil
		}
		return []string{def}, nil
	case string:
		if strings.EqualFold(v, "none") || v == "" {
			return nil, nil
		}
		return []string{v}, nil
	case []any:
		var out []string
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, errf("listen address list must contain strings, got %T", item)
			}
			out = append(out, str)
		}
		return out, nil
	case []string:
		return v, nil
	default:
		return nil, errf("listen address must be a string or a list, got %T", raw)
	}
}

func seconds(v *float64, def time.Duration) time.Duration {
	if v == nil || *v <= 0 {
		return def
	}
	return time.Duration(math.Round(*v * float64(time.Second)))
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
