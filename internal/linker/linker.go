// Package linker pairs withdrawals on one source with deposits on another.
// Matching is pure over the canonical transaction set; persistence and the
// suggested/confirmed/rejected state machine live in the link store.
package linker

import (
	"context"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook-sub013/internal/storage"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// Config bounds the candidate search and scores matches.
type Config struct {
	MaxLossPct  float64 // largest acceptable transfer loss, fraction of source amount
	MaxGainPct  float64 // tiny gain tolerance for rounding at the target source
	MaxGapHours float64 // target must land within this window after the source

	// confidence = assetMatch^WeightAsset * amountSim^WeightAmount * timing^WeightTiming
	WeightAsset  float64
	WeightAmount float64
	WeightTiming float64

	MinConfidence float64 // below this, candidates are discarded
}

// DefaultConfig matches typical transfer behavior: network fees eat up to 5%,
// deposits land within two days.
func DefaultConfig() Config {
	return Config{
		MaxLossPct:    0.05,
		MaxGainPct:    0.001,
		MaxGapHours:   48,
		WeightAsset:   0.2,
		WeightAmount:  0.5,
		WeightTiming:  0.3,
		MinConfidence: 0.6,
	}
}

// HighConfidence marks suggestions that need no review before propagation
// candidacy.
const HighConfidence = 0.95

// flowRef is one movement of one transaction flattened for matching.
type flowRef struct {
	tx     *models.Transaction
	amount decimal.Decimal
	symbol string // raw symbol as stored
}

// Match computes link suggestions over the transaction set. Targets are
// consumed greedily in source timestamp order; one deposit explains at most
// one withdrawal.
func Match(txs []models.Transaction, cfg Config, now time.Time) []models.TransactionLink {
	var sources, targets []flowRef
	for i := range txs {
		tx := &txs[i]
		for _, m := range tx.Movements.Outflows {
			if !models.IsFiatAssetID(m.AssetID) {
				sources = append(sources, flowRef{tx: tx, amount: m.GrossAmount, symbol: m.AssetSymbol})
			}
		}
		for _, m := range tx.Movements.Inflows {
			if !models.IsFiatAssetID(m.AssetID) {
				targets = append(targets, flowRef{tx: tx, amount: m.GrossAmount, symbol: m.AssetSymbol})
			}
		}
	}
	sort.SliceStable(sources, func(i, j int) bool { return sources[i].tx.Timestamp < sources[j].tx.Timestamp })
	sort.SliceStable(targets, func(i, j int) bool { return targets[i].tx.Timestamp < targets[j].tx.Timestamp })

	used := make([]bool, len(targets))
	var links []models.TransactionLink
	for _, src := range sources {
		best := -1
		var bestScore float64
		var bestCriteria models.MatchCriteria
		for ti, tgt := range targets {
			if used[ti] {
				continue
			}
			score, criteria, ok := score(src, tgt, cfg)
			if !ok {
				continue
			}
			if best == -1 || better(score, criteria, bestScore, bestCriteria, targets[best], tgt) {
				best, bestScore, bestCriteria = ti, score, criteria
			}
		}
		if best == -1 || bestScore < cfg.MinConfidence {
			continue
		}
		tgt := targets[best]
		used[best] = true
		links = append(links, models.TransactionLink{
			ID:                  uuid.NewString(),
			Fingerprint:         models.LinkFingerprint(src.tx.Fingerprint, tgt.tx.Fingerprint, normalizeSymbol(src.symbol)),
			SourceTransactionID: src.tx.ID,
			TargetTransactionID: tgt.tx.ID,
			SourceFingerprint:   src.tx.Fingerprint,
			TargetFingerprint:   tgt.tx.Fingerprint,
			AssetSymbol:         normalizeSymbol(src.symbol),
			SourceAmount:        src.amount,
			TargetAmount:        tgt.amount,
			LinkType:            models.LinkCryptoTransfer,
			ConfidenceScore:     bestScore,
			MatchCriteria:       bestCriteria,
			Status:              models.LinkSuggested,
			CreatedAt:           now,
		})
	}
	return links
}

// score evaluates one (withdrawal, deposit) pair against the window and
// returns its confidence and criteria. ok is false when the pair is outside
// the candidate window entirely.
func score(src, tgt flowRef, cfg Config) (float64, models.MatchCriteria, bool) {
	if src.tx.Source == tgt.tx.Source {
		return 0, models.MatchCriteria{}, false
	}
	srcSym, tgtSym := normalizeSymbol(src.symbol), normalizeSymbol(tgt.symbol)
	if srcSym != tgtSym {
		return 0, models.MatchCriteria{}, false
	}

	// window: strictly after the source, within the gap
	gapMS := tgt.tx.Timestamp - src.tx.Timestamp
	if gapMS <= 0 {
		return 0, models.MatchCriteria{}, false
	}
	gapHours := float64(gapMS) / float64(time.Hour.Milliseconds())
	if gapHours > cfg.MaxGapHours {
		return 0, models.MatchCriteria{}, false
	}

	lower := src.amount.Mul(decimal.NewFromFloat(1 - cfg.MaxLossPct))
	upper := src.amount.Mul(decimal.NewFromFloat(1 + cfg.MaxGainPct))
	if tgt.amount.LessThan(lower) || tgt.amount.GreaterThan(upper) {
		return 0, models.MatchCriteria{}, false
	}

	assetMatch := "normalized"
	assetScore := 0.9
	if strings.EqualFold(src.symbol, tgt.symbol) {
		assetMatch = "exact"
		assetScore = 1.0
	}
	loss, _ := src.amount.Sub(tgt.amount).Abs().Div(src.amount).Float64()
	amountSim := 1 - loss
	timing := 1 - gapHours/cfg.MaxGapHours

	conf := math.Pow(assetScore, cfg.WeightAsset) *
		math.Pow(amountSim, cfg.WeightAmount) *
		math.Pow(timing, cfg.WeightTiming)

	return conf, models.MatchCriteria{
		AssetMatch:       assetMatch,
		AmountSimilarity: amountSim,
		TimingFactor:     timing,
		GapHours:         gapHours,
		AmountDelta:      src.amount.Sub(tgt.amount),
	}, true
}

// better applies the tie-break order: higher confidence, then earlier target
// timestamp, then smaller amount delta.
func better(score float64, criteria models.MatchCriteria, bestScore float64, bestCriteria models.MatchCriteria, bestTgt, tgt flowRef) bool {
	const eps = 1e-9
	switch {
	case score > bestScore+eps:
		return true
	case score < bestScore-eps:
		return false
	case tgt.tx.Timestamp != bestTgt.tx.Timestamp:
		return tgt.tx.Timestamp < bestTgt.tx.Timestamp
	default:
		return criteria.AmountDelta.Abs().LessThan(bestCriteria.AmountDelta.Abs())
	}
}

// normalizeSymbol is the cross-source asset key: upper-cased, wrapper
// prefixes stripped.
func normalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	switch s {
	case "WBTC":
		return "BTC"
	case "WETH":
		return "ETH"
	case "XBT":
		return "BTC"
	}
	return s
}

// Matcher runs Match over the stored transaction set and persists the
// resulting suggestions. Terminal links are untouched: the store's upsert
// only refreshes rows still in suggested status.
type Matcher struct {
	txs   *storage.TransactionStore
	links *storage.LinkStore
	cfg   Config
}

func NewMatcher(txs *storage.TransactionStore, links *storage.LinkStore, cfg Config) *Matcher {
	return &Matcher{txs: txs, links: links, cfg: cfg}
}

// Report summarizes one matcher run.
type Report struct {
	Candidates     int `json:"candidates"`
	HighConfidence int `json:"highConfidence"`
	NewSuggestions int `json:"newSuggestions"`
}

func (m *Matcher) Run(ctx context.Context) (*Report, error) {
	txs, err := m.txs.List(ctx, storage.TxFilter{Limit: 100000})
	if err != nil {
		return nil, err
	}
	links := Match(txs, m.cfg, time.Now().UTC())
	high := 0
	for _, l := range links {
		if l.ConfidenceScore >= HighConfidence {
			high++
		}
	}
	inserted, err := m.links.UpsertSuggestions(ctx, links)
	if err != nil {
		return nil, err
	}
	log.Printf("[Linker] matched %d candidate(s), %d high-confidence, %d new", len(links), high, inserted)
	return &Report{Candidates: len(links), HighConfidence: high, NewSuggestions: inserted}, nil
}
