package dengar

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/harunnryd/dengar/pkg/fanout"
	"github.com/harunnryd/dengar/pkg/transcribe"
)

// EngineFactory builds a transcription engine from its provider settings.
type EngineFactory func(settings map[string]any, log *slog.Logger) (transcribe.Engine, error)

// FanoutFactory builds a result publisher from its provider settings.
type FanoutFactory func(settings map[string]any, log *slog.Logger) (fanout.Publisher, error)

type ProviderRegistry struct {
	engines map[string]EngineFactory
	fanouts map[string]FanoutFactory
}

func NewProviderRegistry() *ProviderRegistry {
	r := &ProviderRegistry{
		engines: make(map[string]EngineFactory),
		fanouts: make(map[string]FanoutFactory),
	}
	r.RegisterFanout("none", func(map[string]any, *slog.Logger) (fanout.Publisher, error) {
		return fanout.Noop{}, nil
	})
	return r
}

func (r *ProviderRegistry) RegisterEngine(name string, factory EngineFactory) {
	r.engines[providerKey(name)] = factory
}

func (r *ProviderRegistry) RegisterFanout(name string, factory FanoutFactory) {
	r.fanouts[providerKey(name)] = factory
}

func (r *ProviderRegistry) BuildEngine(cfg VendorConfig, log *slog.Logger) (transcribe.Engine, error) {
	fn := r.engines[providerKey(cfg.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("engine provider not registered: %s (have %s)", cfg.Provider, strings.Join(keys(r.engines), ", "))
	}
	return fn(cfg.Settings, log)
}

// BuildFanout returns fanout.Noop for an empty provider.
func (r *ProviderRegistry) BuildFanout(cfg VendorConfig, log *slog.Logger) (fanout.Publisher, error) {
	name := providerKey(cfg.Provider)
	if name == "" {
		name = "none"
	}
	fn := r.fanouts[name]
	if fn == nil {
		return nil, fmt.Errorf("fanout provider not registered: %s", cfg.Provider)
	}
	return fn(cfg.Settings, log)
}

func providerKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
