package provider

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/jbelanger/exitbook-sub013/internal/apperr"
	"github.com/jbelanger/exitbook-sub013/internal/events"
	"github.com/jbelanger/exitbook-sub013/internal/httpx"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// CircuitState is the breaker position for one provider.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// scoring weights: recent success rate dominates, latency second, stable
// registry preference breaks the rest.
const (
	weightSuccessRate = 0.5
	weightLatency     = 0.3
	weightPreference  = 0.2
)

type providerState struct {
	entry  Entry
	client ApiClient

	consecutiveFailures int
	lastError           string
	lastLatencyMS       int64
	circuit             CircuitState
	circuitOpenedAt     time.Time
	lastSuccessAt       time.Time
	rateLimitedSince    time.Time
	rateLimitedUntil    time.Time
	windowSuccess       int
	windowTotal         int
}

func (ps *providerState) successRate() float64 {
	if ps.windowTotal == 0 {
		return 1.0
	}
	return float64(ps.windowSuccess) / float64(ps.windowTotal)
}

// chainPool owns the mutable per-provider state of one chain, guarded by its
// own lock.
type chainPool struct {
	mu        sync.Mutex
	chain     string
	providers []*providerState // registry priority order
}

// ManagerConfig tunes failover and breaker behavior. Zero values take
// defaults.
type ManagerConfig struct {
	FailureThreshold int           // circuit opens after this many consecutive failures, default 5
	CircuitCooldown  time.Duration // open → half-open delay, default 30s
	RateLimitGrace   time.Duration // rate limits persisting past this window count as failures, default 5m
	RateLimitBackoff time.Duration // hold-off when a 429 carries no Retry-After, default 30s
	CacheTTL         time.Duration // read-through cache TTL, default 60s
	CacheSize        int           // default 1024 entries
	LookupEnv        func(string) (string, bool)
	Clock            func() time.Time
	RequestMetrics   func(httpx.RequestMetric)
	Transport        httpx.Doer // test override for all enrolled providers
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.CircuitCooldown == 0 {
		c.CircuitCooldown = 30 * time.Second
	}
	if c.RateLimitGrace == 0 {
		c.RateLimitGrace = 5 * time.Minute
	}
	if c.RateLimitBackoff == 0 {
		c.RateLimitBackoff = 30 * time.Second
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = time.Minute
	}
	if c.CacheSize == 0 {
		c.CacheSize = 1024
	}
	if c.LookupEnv == nil {
		c.LookupEnv = os.LookupEnv
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// Manager drives provider selection, failover, circuit breaking and the
// read-through cache, one pool per chain. Pools are built lazily from the
// registry on first use; providers whose API-key env var is missing are not
// enrolled.
type Manager struct {
	registry *Registry
	emitter  events.Emitter
	cfg      ManagerConfig
	clock    func() time.Time

	mu    sync.Mutex
	pools map[string]*chainPool
	cache *lru.Cache
}

func NewManager(registry *Registry, emitter events.Emitter, cfg ManagerConfig) *Manager {
	cfg = cfg.withDefaults()
	if emitter == nil {
		emitter = events.Discard
	}
	cache, _ := lru.New(cfg.CacheSize)
	return &Manager{
		registry: registry,
		emitter:  emitter,
		cfg:      cfg,
		clock:    cfg.Clock,
		pools:    make(map[string]*chainPool),
		cache:    cache,
	}
}

func (m *Manager) pool(chain string) (*chainPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[chain]; ok {
		return p, nil
	}

	entries := m.registry.Providers(chain)
	if len(entries) == 0 {
		return nil, apperr.Newf(apperr.NotFound, "no providers registered for %s", chain)
	}
	m.emitter.Emit(events.ProvidersInitializing, map[string]any{"chain": chain, "registered": len(entries)})

	p := &chainPool{chain: chain}
	for _, e := range entries {
		apiKey := ""
		if e.Meta.RequiresAPIKey {
			v, ok := m.cfg.LookupEnv(e.Meta.APIKeyEnvVar)
			if !ok || v == "" {
				log.Printf("[Manager] %s/%s disabled: %s not set", chain, e.Meta.Name, e.Meta.APIKeyEnvVar)
				continue
			}
			apiKey = v
		}
		client, err := e.Factory(Config{
			Chain:   chain,
			APIKey:  apiKey,
			BaseURL: e.Meta.BaseURL,
			HTTP: httpx.Config{
				Provider:       e.Meta.Name,
				BaseURL:        e.Meta.BaseURL,
				Rate:           e.Meta.Rate,
				RequestTimeout: e.Meta.Timeout,
				Metrics:        m.cfg.RequestMetrics,
				Transport:      m.cfg.Transport,
			},
		})
		if err != nil {
			log.Printf("[Manager] %s/%s not enrolled: %v", chain, e.Meta.Name, err)
			continue
		}
		p.providers = append(p.providers, &providerState{entry: e, client: client, circuit: CircuitClosed})
	}
	if len(p.providers) == 0 {
		return nil, apperr.Newf(apperr.ProviderUnavailable, "no usable providers for %s", chain)
	}
	m.pools[chain] = p
	return p, nil
}

// candidates snapshots the pool's providers supporting op, scored and
// ordered best-first. Open circuits past their cool-down move to half-open
// here; still-open circuits are skipped.
func (p *chainPool) candidates(op Operation, now time.Time, cooldown time.Duration, exclude map[string]bool) []*providerState {
	p.mu.Lock()
	defer p.mu.Unlock()

	type scored struct {
		ps    *providerState
		score float64
		idx   int
	}
	var list []scored
	for idx, ps := range p.providers {
		if !ps.entry.Meta.Supports(op) || exclude[ps.entry.Meta.Name] {
			continue
		}
		switch ps.circuit {
		case CircuitOpen:
			if now.Sub(ps.circuitOpenedAt) < cooldown {
				continue
			}
			ps.circuit = CircuitHalfOpen
			log.Printf("[Manager] circuit half-open for %s/%s", p.chain, ps.entry.Meta.Name)
		case CircuitHalfOpen, CircuitClosed:
		}

		latencyFactor := 1.0 / (1.0 + float64(ps.lastLatencyMS)/1000.0)
		preference := 1.0 - float64(idx)/float64(len(p.providers))
		score := weightSuccessRate*ps.successRate() + weightLatency*latencyFactor + weightPreference*preference
		if now.Before(ps.rateLimitedUntil) {
			score *= 0.25 // stays in the pool, tries last
		}
		list = append(list, scored{ps: ps, score: score, idx: idx})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score > list[j].score
		}
		return list[i].idx < list[j].idx
	})

	out := make([]*providerState, len(list))
	for i, s := range list {
		out[i] = s.ps
	}
	return out
}

func (p *chainPool) recordSuccess(ps *providerState, latencyMS int64, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps.consecutiveFailures = 0
	ps.lastLatencyMS = latencyMS
	ps.lastSuccessAt = now
	ps.rateLimitedSince = time.Time{}
	ps.rateLimitedUntil = time.Time{}
	ps.windowSuccess++
	ps.windowTotal++
	if ps.windowTotal > 50 { // keep the window recent
		ps.windowSuccess /= 2
		ps.windowTotal /= 2
	}
	if ps.circuit != CircuitClosed {
		ps.circuit = CircuitClosed
		log.Printf("[Manager] circuit closed for %s/%s", p.chain, ps.entry.Meta.Name)
	}
}

func (p *chainPool) recordFailure(ps *providerState, perr *Error, now time.Time, threshold int) (opened bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ps.consecutiveFailures++
	ps.lastError = perr.Error()
	ps.windowTotal++
	if ps.circuit == CircuitHalfOpen {
		ps.circuit = CircuitOpen
		ps.circuitOpenedAt = now
		log.Printf("[Manager] trial failed, circuit reopened for %s/%s", p.chain, ps.entry.Meta.Name)
		return true
	}
	if ps.circuit == CircuitClosed && ps.consecutiveFailures >= threshold {
		ps.circuit = CircuitOpen
		ps.circuitOpenedAt = now
		log.Printf("[Manager] circuit opened for %s/%s after %d failures", p.chain, ps.entry.Meta.Name, ps.consecutiveFailures)
		return true
	}
	return false
}

// recordRateLimited backs the provider off without tripping the breaker,
// unless the rate limiting has persisted past the grace window.
func (p *chainPool) recordRateLimited(ps *providerState, retryAfter time.Duration, now time.Time, grace, fallback time.Duration, threshold int) (opened bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ps.rateLimitedSince.IsZero() {
		ps.rateLimitedSince = now
	}
	if retryAfter <= 0 {
		retryAfter = fallback
	}
	ps.rateLimitedUntil = now.Add(retryAfter)
	ps.windowTotal++
	if now.Sub(ps.rateLimitedSince) > grace {
		ps.consecutiveFailures++
		if ps.circuit == CircuitClosed && ps.consecutiveFailures >= threshold {
			ps.circuit = CircuitOpen
			ps.circuitOpenedAt = now
			log.Printf("[Manager] circuit opened for %s/%s: rate limited past grace window", p.chain, ps.entry.Meta.Name)
			return true
		}
	}
	return false
}

// execute is the failover core: try candidates best-first, return the first
// success, classify failures, stop early on non-retriable errors.
func (m *Manager) execute(ctx context.Context, chain string, op Operation, cacheKey string, fn func(context.Context, ApiClient) (any, error)) (any, error) {
	fullKey := ""
	if cacheKey != "" {
		fullKey = chain + ":" + string(op) + ":" + cacheKey
		if v, ok := m.cache.Get(fullKey); ok {
			if entry := v.(cacheEntry); m.clock().Before(entry.expiresAt) {
				return entry.value, nil
			}
			m.cache.Remove(fullKey)
		}
	}

	p, err := m.pool(chain)
	if err != nil {
		return nil, err
	}
	now := m.clock()
	cands := p.candidates(op, now, m.cfg.CircuitCooldown, nil)
	if len(cands) == 0 {
		return nil, apperr.Newf(apperr.ProviderUnavailable, "no provider available for %s %s", chain, op)
	}
	names := make([]string, len(cands))
	for i, ps := range cands {
		names[i] = ps.entry.Meta.Name
	}
	m.emitter.Emit(events.ProviderSelection, map[string]any{"chain": chain, "operation": string(op), "candidates": names})

	var attempts []*Error
	for _, ps := range cands {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		name := ps.entry.Meta.Name
		start := m.clock()
		v, err := fn(ctx, ps.client)
		latency := m.clock().Sub(start).Milliseconds()
		if err == nil {
			p.recordSuccess(ps, latency, m.clock())
			if fullKey != "" {
				m.cache.Add(fullKey, cacheEntry{value: v, expiresAt: m.clock().Add(m.cfg.CacheTTL)})
			}
			return v, nil
		}

		perr := Classify(name, op, err)
		if perr.Kind == apperr.Cancelled {
			return nil, err
		}
		attempts = append(attempts, perr)
		switch {
		case perr.Kind == apperr.RateLimited:
			m.emitter.Emit(events.ProviderRateLimited, map[string]any{"chain": chain, "provider": name, "operation": string(op)})
			if p.recordRateLimited(ps, retryAfterOf(err), m.clock(), m.cfg.RateLimitGrace, m.cfg.RateLimitBackoff, m.cfg.FailureThreshold) {
				m.emitCircuitOpened(chain, name)
			}
		case perr.Retriable:
			if p.recordFailure(ps, perr, m.clock(), m.cfg.FailureThreshold) {
				m.emitCircuitOpened(chain, name)
			}
		default:
			// auth / invalid-parameter: no other provider will fare better
			p.recordFailure(ps, perr, m.clock(), m.cfg.FailureThreshold)
			return nil, apperr.Wrap(perr.Kind, fmt.Sprintf("%s %s", chain, op), perr)
		}
	}
	return nil, apperr.Wrap(apperr.ProviderUnavailable, "exhausted providers",
		&AllFailedError{Chain: chain, Operation: op, Attempts: attempts})
}

func (m *Manager) emitCircuitOpened(chain, name string) {
	m.emitter.Emit(events.ProviderCircuitOpened, map[string]any{"chain": chain, "provider": name})
}

func retryAfterOf(err error) time.Duration {
	var he *httpx.Error
	if errors.As(err, &he) {
		return he.RetryAfter
	}
	return 0
}

// HasActivity asks whether an address ever transacted on the chain.
// A provider 404 means "never used" and is not an error.
func (m *Manager) HasActivity(ctx context.Context, chain, address string) (bool, error) {
	v, err := m.execute(ctx, chain, OpHasAddressTransactions, "", func(ctx context.Context, c ApiClient) (any, error) {
		return c.HasActivity(ctx, address)
	})
	if err != nil {
		if apperr.IsKind(err, apperr.NotFound) {
			return false, nil
		}
		return false, err
	}
	return v.(bool), nil
}

// Balances fetches current balances with failover. Never-used addresses
// yield an empty set.
func (m *Manager) Balances(ctx context.Context, chain, address string) ([]models.BalanceChange, error) {
	v, err := m.execute(ctx, chain, OpAddressBalances, "", func(ctx context.Context, c ApiClient) (any, error) {
		return c.Balances(ctx, address)
	})
	if err != nil {
		if apperr.IsKind(err, apperr.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	return v.([]models.BalanceChange), nil
}

// TokenMetadata batch-resolves contract metadata with failover.
func (m *Manager) TokenMetadata(ctx context.Context, chain string, contracts []string) ([]models.TokenMetadata, error) {
	v, err := m.execute(ctx, chain, OpTokenMetadata, "", func(ctx context.Context, c ApiClient) (any, error) {
		return c.TokenMetadata(ctx, contracts)
	})
	if err != nil {
		return nil, err
	}
	return v.([]models.TokenMetadata), nil
}

// Quote fetches one price with failover through the scope's provider pool
// (ScopeMarket or ScopeFX). cacheKey enables the read-through cache.
func (m *Manager) Quote(ctx context.Context, scope string, req QuoteRequest, cacheKey string) (Quote, error) {
	v, err := m.execute(ctx, scope, OpFetchPrice, cacheKey, func(ctx context.Context, c ApiClient) (any, error) {
		return c.Quote(ctx, req)
	})
	if err != nil {
		return Quote{}, err
	}
	return v.(Quote), nil
}

// HealthSnapshot is the observable state of one provider in a pool.
type HealthSnapshot struct {
	Provider            string       `json:"provider"`
	Circuit             CircuitState `json:"circuit"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	SuccessRate         float64      `json:"successRate"`
	LastLatencyMS       int64        `json:"lastLatencyMs"`
	LastError           string       `json:"lastError,omitempty"`
	LastSuccessAt       time.Time    `json:"lastSuccessAt,omitempty"`
}

// Health reports the current pool state for a chain, enrolling it if needed.
func (m *Manager) Health(chain string) ([]HealthSnapshot, error) {
	p, err := m.pool(chain)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]HealthSnapshot, 0, len(p.providers))
	for _, ps := range p.providers {
		out = append(out, HealthSnapshot{
			Provider:            ps.entry.Meta.Name,
			Circuit:             ps.circuit,
			ConsecutiveFailures: ps.consecutiveFailures,
			SuccessRate:         ps.successRate(),
			LastLatencyMS:       ps.lastLatencyMS,
			LastError:           ps.lastError,
			LastSuccessAt:       ps.lastSuccessAt,
		})
	}
	return out, nil
}
