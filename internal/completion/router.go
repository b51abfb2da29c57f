package completion

import (
	"fmt"
	"strings"
)

// Provider represents an AI provider type
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogleAI  Provider = "googleai"
	ProviderCohere    Provider = "cohere"
	ProviderOllama    Provider = "ollama"
)

func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogleAI, ProviderCohere, ProviderOllama:
		return p, nil
	case "claude":
		return ProviderAnthropic, nil
	case "gemini":
		return ProviderGoogleAI, nil
	}
	return "", fmt.Errorf("unsupported provider: %s", s)
}

var prefixRoutes = []struct {
	prefix   string
	provider Provider
}{
	{"ollama/", ProviderOllama},
	{"ft:", ProviderOpenAI},
	{"gpt-", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"claude", ProviderAnthropic},
	{"gemini", ProviderGoogleAI},
	{"command", ProviderCohere},
}

// Router maps model ids and aliases to a provider and the id the provider
// expects.
type Router struct {
	Aliases   map[string]string
	Overrides map[string]Provider
}

// NewRouter builds a router from configuration tables. Unknown provider
// names are reported.
func NewRouter(aliases map[string]string, providers map[string]string) (*Router, error) {
	r := &Router{Aliases: map[string]string{}, Overrides: map[string]Provider{}}
	for alias, target := range aliases {
		r.Aliases[alias] = strings.TrimSpace(target)
	}
	for model, name := range providers {
		p, err := ParseProvider(name)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", model, err)
		}
		r.Overrides[model] = p
	}
	return r, nil
}

func (r *Router) Route(model string) (Provider, string) {
	target := model
	if r != nil {
		if aliased, ok := r.Aliases[model]; ok && aliased != "" {
			target = aliased
		}
		if p, ok := r.Overrides[model]; ok {
			return p, strings.TrimPrefix(target, "ollama/")
		}
		if p, ok := r.Overrides[target]; ok {
			return p, strings.TrimPrefix(target, "ollama/")
		}
	}

	lower := strings.ToLower(target)
	for _, route := range prefixRoutes {
		if strings.HasPrefix(lower, route.prefix) {
			return route.provider, strings.TrimPrefix(target, "ollama/")
		}
	}
	return ProviderOpenAI, target
}
