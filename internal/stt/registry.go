package stt

import (
	"github.com/rs/zerolog"

	"github.com/mconf/bbb-livekit-stt/internal/observability"
)

// Registry maps provider names from bus commands to engines. Unknown
// providers resolve to the configured default so a bad value in a command
// never strands a participant without captions.
type Registry struct {
	engines     map[string]Engine
	defaultName string
	log         zerolog.Logger
}

// NewRegistry creates a registry with the given default provider name
func NewRegistry(defaultName string) *Registry {
	return &Registry{
		engines:     make(map[string]Engine),
		defaultName: defaultName,
		log:         observability.GetLogger().With().Str("component", "stt").Logger(),
	}
}

// Register adds an engine under its own name
func (r *Registry) Register(engine Engine) {
	r.engines[engine.Name()] = engine
}

// Get resolves a provider name to an engine, falling back to the default
// for unknown names. The second return reports whether the name matched.
func (r *Registry) Get(provider string) (Engine, bool) {
	if engine, ok := r.engines[provider]; ok {
		return engine, true
	}

	r.log.Warn().
		Str("provider", provider).
		Str("default", r.defaultName).
		Msg("Unknown STT provider, falling back to default")
	return r.engines[r.defaultName], false
}

// Default returns the default engine
func (r *Registry) Default() Engine {
	return r.engines[r.defaultName]
}

// Names lists the registered provider names
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	return names
}
