package agent

import (
	"fmt"
	"strings"
	"sync"

	"github.com/scalyclaw/scalyclaw-sub000/internal/usage"
)

// ModelSpec describes one model and its advertised limits and prices.
type ModelSpec struct {
	ID            string
	Provider      string
	ContextWindow int
	// InputPrice and OutputPrice are USD per million tokens.
	InputPrice  float64
	OutputPrice float64
	Enabled     bool
}

// ModelCatalog maps model ids to specs and the providers that serve them.
type ModelCatalog struct {
	mu        sync.RWMutex
	specs     []ModelSpec
	providers map[string]LLMProvider
}

// NewModelCatalog builds a catalog. Providers are keyed by Name().
func NewModelCatalog(specs []ModelSpec, providers ...LLMProvider) *ModelCatalog {
	c := &ModelCatalog{
		specs:     append([]ModelSpec(nil), specs...),
		providers: make(map[string]LLMProvider, len(providers)),
	}
	for _, p := range providers {
		if p != nil {
			c.providers[strings.ToLower(p.Name())] = p
		}
	}
	return c
}

// AddProvider registers or replaces a provider.
func (c *ModelCatalog) AddProvider(p LLMProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[strings.ToLower(p.Name())] = p
}

// Spec returns the spec for a model id.
func (c *ModelCatalog) Spec(id string) (ModelSpec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.specs {
		if s.ID == id {
			return s, true
		}
	}
	return ModelSpec{}, false
}

// Resolve returns an enabled model and its provider. An empty id selects the
// first enabled model.
func (c *ModelCatalog) Resolve(id string) (ModelSpec, LLMProvider, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.specs {
		if !s.Enabled || (id != "" && s.ID != id) {
			continue
		}
		p, ok := c.providers[strings.ToLower(s.Provider)]
		if !ok {
			return ModelSpec{}, nil, fmt.Errorf("%w for model %s (provider %q)", ErrNoProvider, s.ID, s.Provider)
		}
		return s, p, nil
	}
	if id == "" {
		return ModelSpec{}, nil, ErrNoEnabledModel
	}
	return ModelSpec{}, nil, fmt.Errorf("%w: %s", ErrNoEnabledModel, id)
}

// Cheapest returns the enabled model with the lowest input price whose
// provider is available. When none qualifies it falls back to the first
// resolvable model in pool.
func (c *ModelCatalog) Cheapest(pool []string) (ModelSpec, LLMProvider, error) {
	c.mu.RLock()
	var (
		best     ModelSpec
		provider LLMProvider
		found    bool
	)
	for _, s := range c.specs {
		if !s.Enabled {
			continue
		}
		p, ok := c.providers[strings.ToLower(s.Provider)]
		if !ok {
			continue
		}
		if !found || s.InputPrice < best.InputPrice {
			best, provider, found = s, p, true
		}
	}
	c.mu.RUnlock()
	if found {
		return best, provider, nil
	}

	for _, id := range pool {
		if s, p, err := c.Resolve(id); err == nil {
			return s, p, nil
		}
	}
	return ModelSpec{}, nil, ErrNoEnabledModel
}

// Pricing returns the cost table of a model, for the usage accountant.
func (c *ModelCatalog) Pricing(model string) (usage.Cost, bool) {
	s, ok := c.Spec(model)
	if !ok {
		return usage.Cost{}, false
	}
	return usage.Cost{Input: s.InputPrice, Output: s.OutputPrice}, true
}
