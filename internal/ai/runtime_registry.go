package ai

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RuntimeFactory builds a Runtime from the generic config below.
type RuntimeFactory func(RuntimeConfig) (Runtime, error)

// RuntimeConfig carries common knobs used by runtimes.
type RuntimeConfig struct {
	HTTPTimeout time.Duration
	RetryMax    int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      *zap.Logger

	// Ollama
	Host string
	// Gemini
	APIKey string
}

var (
	registryMu sync.RWMutex
	registry   = map[string]RuntimeFactory{}
)

// RegisterRuntime registers a provider name with its factory.
func RegisterRuntime(name string, f RuntimeFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[NormalizeProvider(name)] = f
}

// Providers lists registered provider names.
func Providers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// GetRuntime builds a Runtime for provider.
func GetRuntime(provider string, cfg RuntimeConfig) (Runtime, error) {
	name := NormalizeProvider(provider)
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (registered: %v)", provider, Providers())
	}
	return f(cfg)
}

func init() {
	RegisterRuntime(ProviderOllama, func(c RuntimeConfig) (Runtime, error) {
		return NewOllamaClient(c.Host, c.HTTPTimeout, c.RetryMax, c.BaseDelay, c.MaxDelay).WithLogger(c.Logger), nil
	})
	RegisterRuntime(ProviderGemini, func(c RuntimeConfig) (Runtime, error) {
		return NewGeminiClient(c.APIKey, c.HTTPTimeout, c.RetryMax, c.BaseDelay, c.MaxDelay)
	})
}
