// Package providers calls the LLM backends behind metered operations.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/vitwit/x402-gate/types"
)

// MaxOutputUnits is the output cap requested from every provider. It must
// not exceed the output size assumed when pricing a request.
const MaxOutputUnits = 2000

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 60 * time.Second

// ErrNotConfigured is returned for providers without credentials.
var ErrNotConfigured = errors.New("provider not configured")

// Completion is a provider's answer plus its self-reported usage. Zero
// unit counts mean the provider did not report them.
type Completion struct {
	Content     string
	InputUnits  int64
	OutputUnits int64
}

// Provider executes a prompt against one backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, model, input string) (*Completion, error)
}

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Registry resolves providers by name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates providers for every entry in configs that carries an
// API key. Names are "openai", "anthropic" and "google". Call deadlines come
// from the caller's context.
func NewRegistry(ctx context.Context, configs map[string]types.ProviderConfig, client *http.Client) (*Registry, error) {
	if client == nil {
		client = &http.Client{}
	}

	r := &Registry{providers: make(map[string]Provider)}
	for name, cfg := range configs {
		if cfg.APIKey == "" {
			continue
		}
		switch name {
		case "openai":
			r.Register(NewOpenAI(cfg, client))
		case "anthropic":
			r.Register(NewAnthropic(cfg, client))
		case "google":
			g, err := NewGoogle(ctx, cfg, client)
			if err != nil {
				return nil, err
			}
			r.Register(g)
		}
	}
	return r, nil
}

// Timeouts returns the per-provider call timeouts set in configs.
func Timeouts(configs map[string]types.ProviderConfig) map[string]time.Duration {
	out := make(map[string]time.Duration)
	for name, cfg := range configs {
		if cfg.Timeout > 0 {
			out[name] = cfg.Timeout
		}
	}
	return out
}

// Register adds or replaces a provider.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Provider returns the provider registered under name.
func (r *Registry) Provider(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, name)
	}
	return p, nil
}

// Names lists registered providers.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
