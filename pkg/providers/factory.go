package providers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotrag/pkg/config"
)

const (
	ProviderNone       = "none"
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"

	defaultOpenRouterAPIBase = "https://openrouter.ai/api/v1"
	defaultOpenAIAPIBase     = "https://api.openai.com/v1"
)

type generatorFactory struct {
	defaultAPIBase string
	requireKey     bool
}

var (
	factoryMu sync.RWMutex
	factories = map[string]generatorFactory{}
)

func init() {
	RegisterFactory(ProviderOpenRouter, defaultOpenRouterAPIBase, true)
	RegisterFactory(ProviderOpenAI, defaultOpenAIAPIBase, true)
}

// RegisterFactory makes an OpenAI-compatible provider selectable by name.
func RegisterFactory(name, defaultAPIBase string, requireKey bool) {
	name = NormalizeProviderName(name)
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[name] = generatorFactory{defaultAPIBase: defaultAPIBase, requireKey: requireKey}
}

func SupportedProviders() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func NormalizeProviderName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ProviderNone
	}
	return name
}

// ErrNoProvider is returned by CreateGenerator when generation is disabled.
var ErrNoProvider = errors.New("no generation provider configured")

// CreateGenerator builds the configured generator wrapped with its timeout.
func CreateGenerator(cfg config.GenerationConfig) (Generator, error) {
	name := NormalizeProviderName(cfg.Provider)
	if name == ProviderNone {
		return nil, ErrNoProvider
	}

	factoryMu.RLock()
	factory, ok := factories[name]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q: supported providers are %s", name, strings.Join(SupportedProviders(), ", "))
	}
	if factory.requireKey && strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%s API key is required (set generation.api_key or DOTRAG_GENERATION_API_KEY)", name)
	}

	apiBase := strings.TrimSpace(cfg.APIBase)
	if apiBase == "" {
		apiBase = factory.defaultAPIBase
	}
	gen, err := NewHTTPGenerator(name, cfg.APIKey, apiBase, cfg.Model, cfg.Proxy)
	if err != nil {
		return nil, err
	}
	return WithTimeout(gen, config.Millis(cfg.TimeoutMS)), nil
}
