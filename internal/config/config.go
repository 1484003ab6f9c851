package config

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"
)

// Defaults applied when the corresponding fields are absent from the file.
const (
	DefaultListenV4             = "127.0.0.1:7777"
	DefaultHealthCheckTimeout   = 5 * time.Second
	DefaultEngineStartupTimeout = 60 * time.Second
	DefaultEngineIdleTimeout    = 300 * time.Second
	DefaultMaxTokensReserve     = 1024
	DefaultSafetyAbsolute       = 512
	DefaultSafetyFraction       = 0.10
	DefaultTokenizerSeparator   = "\n"
)

// Engine type identifiers accepted in model declarations.
const (
	EngineLlamaCpp          = "llama.cpp"
	EngineLlamaCppSideload  = "llama.cpp.sideload"
	EngineLlamaCppEmbedding = "llama.cpp.embedding"
)

var knownEngines = map[string]bool{
	EngineLlamaCpp:          true,
	EngineLlamaCppSideload:  true,
	EngineLlamaCppEmbedding: true,
}

// Config is the validated, normalized configuration tree. It is built once at
// startup and never mutated afterwards.
type Config struct {
	Server Server
	Models []Model
}

// Server holds gateway-level settings.
type Server struct {
	ListenV4 []string
	ListenV6 []string

	HealthCheckTimeout   time.Duration
	EngineStartupTimeout time.Duration
	EngineIdleTimeout    time.Duration

	DumpsDir   string
	DumpsPurge bool

	// EagerStart names a model whose smallest variant is brought up at boot.
	EagerStart string

	// MaxTokensReserve is the completion-token reservation applied when a
	// request carries no max_tokens.
	MaxTokensReserve int

	SafetyAbsolute   int
	SafetyFraction   float64
	DisableHeuristic bool

	LogLevel string

	CORS CORS
}

// CORS mirrors the go-chi/cors options the gateway exposes.
type CORS struct {
	Enabled bool
	Origins []string
	Methods []string
	Headers []string
}

// Model is one logical model with its ordered variants.
type Model struct {
	Name         string
	Engine       string
	Connect      string
	Tokenization *TokenizerSpec

	HealthCheckTimeout   time.Duration
	EngineStartupTimeout time.Duration
	EngineIdleTimeout    time.Duration

	// Variants sorted ascending by context; declaration order preserved
	// among equal contexts.
	Variants []Variant
}

// Variant is one concrete launch configuration of a model. Timeouts are
// resolved (variant override, else model, else server default).
type Variant struct {
	Binary  string
	Args    []string
	Context int
	Connect string

	HealthCheckTimeout   time.Duration
	EngineStartupTimeout time.Duration
	EngineIdleTimeout    time.Duration
}

// Equal reports structural equality: same binary, argument vector, and
// connect URL. This is the "is this variant already running?" identity; the
// position inside the model does not matter.
func (v *Variant) Equal(o *Variant) bool {
	if o == nil || v.Binary != o.Binary || v.Connect != o.Connect {
		return false
	}
	if len(v.Args) != len(o.Args) {
		return false
	}
	for i := range v.Args {
		if v.Args[i] != o.Args[i] {
			return false
		}
	}
	return true
}

// TokenizerSpec describes the standalone tokenizer binary used for offline
// token estimation.
type TokenizerSpec struct {
	Binary                string
	BaseArgs              []string
	ExtraArgs             []string
	ExtraTokensPerMessage int
	ExtraTokens           int
	Separator             string
}

// DefaultTokenizerBaseArgs are used when base_args is absent.
var DefaultTokenizerBaseArgs = []string{"--log-disable", "--stdin", "--ids"}

// ModelByName resolves a model; second return is false when unknown.
func (c *Config) ModelByName(name string) (*Model, bool) {
	for i := range c.Models {
		if c.Models[i].Name == name {
			return &c.Models[i], true
		}
	}
	return nil, false
}

// Managed reports whether the gateway owns the engine process for this model
// (sideload engines are started and stopped outside the gateway).
func (m *Model) Managed() bool {
	return m.Engine != EngineLlamaCppSideload
}

// configError marks invalid or missing configuration; fatal at startup.
type configError struct{ msg string }

func (e configError) Error() string { return e.msg }

func errf(format string, a ...any) error {
	return configError{msg: fmt.Sprintf(format, a...)}
}

// IsConfigError reports whether err came from configuration validation.
func IsConfigError(err error) bool {
	_, ok := err.(configError)
	return ok
}

// validate checks the normalized tree and sorts variants.
func (c *Config) validate() error {
	if len(c.Models) == 0 {
		return errf("no models configured")
	}
	if len(c.Server.ListenV4) == 0 && len(c.Server.ListenV6) == 0 {
		return errf("no listen addresses configured (listen_v4 and listen_v6 are both 'none')")
	}
	for _, addr := range append(append([]string{}, c.Server.ListenV4...), c.Server.ListenV6...) {
		if err := checkListenAddr(addr); err != nil {
			return err
		}
	}
	if c.Server.SafetyFraction < 0 || c.Server.SafetyAbsolute < 0 {
		return errf("safety margin must not be negative")
	}
	seen := map[string]bool{}
	for i := range c.Models {
		m := &c.Models[i]
		if m.Name == "" {
			return errf("model at index %d has no name", i)
		}
		if seen[m.Name] {
			return errf("duplicate model name %q", m.Name)
		}
		seen[m.Name] = true
		if !knownEngines[m.Engine] {
			return errf("model %q: unknown engine type %q", m.Name, m.Engine)
		}
		if len(m.Variants) == 0 {
			return errf("model %q has no variants", m.Name)
		}
		if err := validTimeouts(m.Name, m.HealthCheckTimeout, m.EngineStartupTimeout, m.EngineIdleTimeout); err != nil {
			return err
		}
		if m.Tokenization != nil && m.Tokenization.Binary == "" {
			return errf("model %q: tokenization.binary is required", m.Name)
		}
		if m.Tokenization != nil && (m.Tokenization.ExtraTokens < 0 || m.Tokenization.ExtraTokensPerMessage < 0) {
			return errf("model %q: tokenization extra token counts must not be negative", m.Name)
		}
		for j := range m.Variants {
			v := &m.Variants[j]
			if v.Context <= 0 {
				return errf("model %q variant %d: context must be a positive integer", m.Name, j)
			}
			if m.Managed() && v.Binary == "" {
				return errf("model %q variant %d: binary is required", m.Name, j)
			}
			if v.Connect == "" {
				return errf("model %q variant %d: no connect URL (set it on the variant or the model)", m.Name, j)
			}
			if err := validTimeouts(m.Name, v.HealthCheckTimeout, v.EngineStartupTimeout, v.EngineIdleTimeout); err != nil {
				return err
			}
		}
		sort.SliceStable(m.Variants, func(a, b int) bool {
			return m.Variants[a].Context < m.Variants[b].Context
		})
	}
	if c.Server.EagerStart != "" {
		if _, ok := c.ModelByName(c.Server.EagerStart); !ok {
			return errf("eager_start names unknown model %q", c.Server.EagerStart)
		}
	}
	return nil
}

func validTimeouts(model string, ds ...time.Duration) error {
	for _, d := range ds {
		if d <= 0 {
			return errf("model %q: timeouts must be positive", model)
		}
	}
	return nil
}

func checkListenAddr(addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return errf("invalid listen address %q: %v", addr, err)
	}
	if host == "" {
		return errf("invalid listen address %q: empty host", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return errf("invalid listen address %q: port out of range", addr)
	}
	return nil
}
