// Package tokenmeta is the cache-first contract→{symbol, decimals, spam}
// resolver. Reads hit an in-process LRU first, then the token_metadata
// table; stale entries are served immediately while a background refresh
// runs. The symbol_index table supports reverse symbol→contracts lookups.
package tokenmeta

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jbelanger/exitbook-sub013/internal/apperr"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// StaleAfter is the age past which a cached entry triggers a background
// refresh. Callers are still served the stale entry, never blocked.
const StaleAfter = 7 * 24 * time.Hour

// FetchFunc resolves contract metadata from a provider pool.
type FetchFunc func(ctx context.Context, chain string, contracts []string) ([]models.TokenMetadata, error)

// Service resolves token metadata with a hot LRU over the database cache.
type Service struct {
	pool  *pgxpool.Pool
	cache *lru.Cache
	clock func() time.Time

	mu         sync.Mutex
	refreshing map[string]bool // contracts with an in-flight background refresh
}

func NewService(pool *pgxpool.Pool) *Service {
	cache, _ := lru.New(4096)
	return &Service{
		pool:       pool,
		cache:      cache,
		clock:      time.Now,
		refreshing: make(map[string]bool),
	}
}

func cacheKey(chain, contract string) string {
	return chain + ":" + strings.ToLower(contract)
}

// IsStale reports whether the entry is past the staleness threshold.
func (s *Service) IsStale(meta *models.TokenMetadata) bool {
	return s.clock().Sub(meta.RefreshedAt) > StaleAfter
}

// GetByContract resolves one contract, or nil when unknown.
func (s *Service) GetByContract(ctx context.Context, chain, contract string) (*models.TokenMetadata, error) {
	res, err := s.GetByContracts(ctx, chain, []string{contract})
	if err != nil {
		return nil, err
	}
	if m, ok := res[strings.ToLower(contract)]; ok {
		return &m, nil
	}
	return nil, nil
}

// GetByContracts batch-resolves contracts in a single database round trip,
// keyed by lower-cased contract address. Unknown contracts are absent from
// the result, not an error.
func (s *Service) GetByContracts(ctx context.Context, chain string, contracts []string) (map[string]models.TokenMetadata, error) {
	out := make(map[string]models.TokenMetadata, len(contracts))
	missing := make([]string, 0, len(contracts))
	for _, c := range contracts {
		lc := strings.ToLower(c)
		if v, ok := s.cache.Get(cacheKey(chain, lc)); ok {
			out[lc] = v.(models.TokenMetadata)
			continue
		}
		missing = append(missing, lc)
	}
	if len(missing) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT chain, contract_address, symbol, name, decimals, possible_spam, market_cap_rank, source, refreshed_at
		FROM token_metadata WHERE chain = $1 AND contract_address = ANY($2)`,
		chain, missing)
	if err != nil {
		return nil, apperr.Wrap(apperr.Database, "load token metadata", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m models.TokenMetadata
		if err := rows.Scan(&m.Chain, &m.ContractAddress, &m.Symbol, &m.Name, &m.Decimals,
			&m.PossibleSpam, &m.MarketCapRank, &m.Source, &m.RefreshedAt); err != nil {
			return nil, apperr.Wrap(apperr.Database, "scan token metadata", err)
		}
		out[m.ContractAddress] = m
		s.cache.Add(cacheKey(chain, m.ContractAddress), m)
	}
	return out, rows.Err()
}

// Save merge-upserts metadata. Partial provider responses never erase known
// fields: empty symbol/name and zero decimals keep the stored values.
func (s *Service) Save(ctx context.Context, metas []models.TokenMetadata) error {
	for _, m := range metas {
		m.ContractAddress = strings.ToLower(m.ContractAddress)
		if m.RefreshedAt.IsZero() {
			m.RefreshedAt = s.clock().UTC()
		}
		_, err := s.pool.Exec(ctx, `
			INSERT INTO token_metadata
				(chain, contract_address, symbol, name, decimals, possible_spam, market_cap_rank, source, refreshed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (chain, contract_address) DO UPDATE SET
				symbol = CASE WHEN EXCLUDED.symbol <> '' THEN EXCLUDED.symbol ELSE token_metadata.symbol END,
				name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE token_metadata.name END,
				decimals = CASE WHEN EXCLUDED.decimals <> 0 THEN EXCLUDED.decimals ELSE token_metadata.decimals END,
				possible_spam = EXCLUDED.possible_spam OR token_metadata.possible_spam,
				market_cap_rank = CASE WHEN EXCLUDED.market_cap_rank <> 0 THEN EXCLUDED.market_cap_rank ELSE token_metadata.market_cap_rank END,
				source = EXCLUDED.source,
				refreshed_at = EXCLUDED.refreshed_at`,
			m.Chain, m.ContractAddress, m.Symbol, m.Name, m.Decimals,
			m.PossibleSpam, m.MarketCapRank, m.Source, m.RefreshedAt)
		if err != nil {
			return apperr.Wrap(apperr.Database, "save token metadata", err)
		}
		if m.Symbol != "" {
			if _, err := s.pool.Exec(ctx, `
				INSERT INTO symbol_index (chain, symbol, contract_address)
				VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
				m.Chain, strings.ToUpper(m.Symbol), m.ContractAddress); err != nil {
				return apperr.Wrap(apperr.Database, "update symbol index", err)
			}
		}
		s.cache.Remove(cacheKey(m.Chain, m.ContractAddress))
	}
	return nil
}

// ContractsBySymbol reverse-resolves a symbol to every known contract on the
// chain. Collisions are expected; the caller disambiguates.
func (s *Service) ContractsBySymbol(ctx context.Context, chain, symbol string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT contract_address FROM symbol_index WHERE chain = $1 AND symbol = $2`,
		chain, strings.ToUpper(symbol))
	if err != nil {
		return nil, apperr.Wrap(apperr.Database, "reverse symbol lookup", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, apperr.Wrap(apperr.Database, "scan symbol index", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Resolve returns metadata for the contracts, kicking off a fire-and-forget
// refresh for missing or stale entries through fetch. The caller always gets
// the currently-known data immediately.
func (s *Service) Resolve(ctx context.Context, chain string, contracts []string, fetch FetchFunc) (map[string]models.TokenMetadata, error) {
	known, err := s.GetByContracts(ctx, chain, contracts)
	if err != nil {
		return nil, err
	}
	var refresh []string
	for _, c := range contracts {
		lc := strings.ToLower(c)
		m, ok := known[lc]
		if !ok || s.IsStale(&m) {
			refresh = append(refresh, lc)
		}
	}
	if len(refresh) > 0 && fetch != nil {
		s.RefreshInBackground(chain, refresh, fetch)
	}
	return known, nil
}

// RefreshInBackground fetches and saves metadata without blocking the
// caller. Contracts already being refreshed are skipped.
func (s *Service) RefreshInBackground(chain string, contracts []string, fetch FetchFunc) {
	s.mu.Lock()
	var todo []string
	for _, c := range contracts {
		key := cacheKey(chain, c)
		if !s.refreshing[key] {
			s.refreshing[key] = true
			todo = append(todo, c)
		}
	}
	s.mu.Unlock()
	if len(todo) == 0 {
		return
	}

	go func() {
		defer func() {
			s.mu.Lock()
			for _, c := range todo {
				delete(s.refreshing, cacheKey(chain, c))
			}
			s.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		metas, err := fetch(ctx, chain, todo)
		if err != nil {
			log.Printf("[TokenMeta] background refresh failed for %s (%d contracts): %v", chain, len(todo), err)
			return
		}
		if err := s.Save(ctx, metas); err != nil {
			log.Printf("[TokenMeta] background save failed for %s: %v", chain, err)
		}
	}()
}
