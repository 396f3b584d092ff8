package provider

import (
	"fmt"
	"sort"
)

// Entry pairs a provider's metadata with its factory.
type Entry struct {
	Meta    Metadata
	Factory Factory
}

// Registry maps (chain, providerName) to provider entries. It is populated
// by an explicit registration sequence at startup; lookups afterwards are
// pure and never mutate.
type Registry struct {
	byChain map[string]map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{byChain: make(map[string]map[string]Entry)}
}

// Register enrolls a provider under every chain its metadata declares.
// Duplicate (chain, name) pairs and incomplete metadata are rejected.
func (r *Registry) Register(meta Metadata, factory Factory) error {
	if meta.Name == "" {
		return fmt.Errorf("register provider: empty name")
	}
	if len(meta.SupportedChains) == 0 {
		return fmt.Errorf("register provider %s: no supported chains", meta.Name)
	}
	if len(meta.Operations) == 0 {
		return fmt.Errorf("register provider %s: no operations", meta.Name)
	}
	if factory == nil {
		return fmt.Errorf("register provider %s: nil factory", meta.Name)
	}
	if meta.RequiresAPIKey && meta.APIKeyEnvVar == "" {
		return fmt.Errorf("register provider %s: requires API key but declares no env var", meta.Name)
	}
	for _, chain := range meta.SupportedChains {
		chainEntries, ok := r.byChain[chain]
		if !ok {
			chainEntries = make(map[string]Entry)
			r.byChain[chain] = chainEntries
		}
		if _, dup := chainEntries[meta.Name]; dup {
			return fmt.Errorf("register provider %s: already registered for chain %s", meta.Name, chain)
		}
		chainEntries[meta.Name] = Entry{Meta: meta, Factory: factory}
	}
	return nil
}

// Providers returns a chain's entries ordered by priority, then name.
func (r *Registry) Providers(chain string) []Entry {
	chainEntries := r.byChain[chain]
	out := make([]Entry, 0, len(chainEntries))
	for _, e := range chainEntries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Meta.Priority != out[j].Meta.Priority {
			return out[i].Meta.Priority < out[j].Meta.Priority
		}
		return out[i].Meta.Name < out[j].Meta.Name
	})
	return out
}

// Lookup finds one provider entry.
func (r *Registry) Lookup(chain, name string) (Entry, bool) {
	e, ok := r.byChain[chain][name]
	return e, ok
}

// Chains lists every chain with at least one provider, sorted.
func (r *Registry) Chains() []string {
	out := make([]string, 0, len(r.byChain))
	for chain := range r.byChain {
		out = append(out, chain)
	}
	sort.Strings(out)
	return out
}
