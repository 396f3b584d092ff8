package provider

import (
	"testing"

	"github.com/jbelanger/exitbook-sub013/internal/httpx"
)

func dummyFactory(cfg Config) (ApiClient, error) {
	return BaseClient{ProviderName: "dummy"}, nil
}

func meta(name string, priority int, chains ...string) Metadata {
	return Metadata{
		Name:            name,
		SupportedChains: chains,
		Operations:      []Operation{OpAddressTransactions},
		BaseURL:         "https://" + name + ".test",
		Rate:            httpx.RateConfig{Burst: 1, PerSecond: 10},
		Priority:        priority,
	}
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name string
		meta Metadata
	}{
		{"empty name", Metadata{SupportedChains: []string{"bitcoin"}, Operations: []Operation{OpAddressTransactions}}},
		{"no chains", Metadata{Name: "x", Operations: []Operation{OpAddressTransactions}}},
		{"no operations", Metadata{Name: "x", SupportedChains: []string{"bitcoin"}}},
		{"api key without env var", Metadata{Name: "x", SupportedChains: []string{"bitcoin"}, Operations: []Operation{OpAddressTransactions}, RequiresAPIKey: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			if err := r.Register(tt.meta, dummyFactory); err == nil {
				t.Error("expected registration to fail")
			}
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(meta("esplora", 0, "bitcoin"), dummyFactory); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(meta("esplora", 1, "bitcoin"), dummyFactory); err == nil {
		t.Error("duplicate (chain, name) accepted")
	}
}

func TestProvidersOrderedByPriority(t *testing.T) {
	r := NewRegistry()
	for _, m := range []Metadata{
		meta("zeta", 1, "bitcoin"),
		meta("alpha", 1, "bitcoin"),
		meta("primary", 0, "bitcoin"),
	} {
		if err := r.Register(m, dummyFactory); err != nil {
			t.Fatalf("register %s: %v", m.Name, err)
		}
	}
	got := r.Providers("bitcoin")
	want := []string{"primary", "alpha", "zeta"}
	for i, e := range got {
		if e.Meta.Name != want[i] {
			t.Errorf("position %d = %s, want %s", i, e.Meta.Name, want[i])
		}
	}
}

func TestSharedImplementationAcrossChains(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(meta("routescan", 0, "ethereum", "polygon", "arbitrum"), dummyFactory); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, chain := range []string{"ethereum", "polygon", "arbitrum"} {
		if _, ok := r.Lookup(chain, "routescan"); !ok {
			t.Errorf("provider missing for %s", chain)
		}
	}
	if _, ok := r.Lookup("bitcoin", "routescan"); ok {
		t.Error("provider registered for an undeclared chain")
	}
}
