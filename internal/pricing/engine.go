// Package pricing enriches canonical transactions with fiat valuations in
// four sequential stages: derived trade prices, FX normalization to USD,
// market provider quotes, and propagation across confirmed links.
package pricing

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook-sub013/internal/events"
	"github.com/jbelanger/exitbook-sub013/internal/processor"
	"github.com/jbelanger/exitbook-sub013/internal/provider"
	"github.com/jbelanger/exitbook-sub013/internal/storage"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// QuoteSource is the slice of the provider manager the engine consumes.
type QuoteSource interface {
	Quote(ctx context.Context, scope string, req provider.QuoteRequest, cacheKey string) (provider.Quote, error)
}

// TxStore is the transaction persistence slice the engine reads and enriches.
type TxStore interface {
	List(ctx context.Context, f storage.TxFilter) ([]models.Transaction, error)
	UpdateEnrichment(ctx context.Context, t *models.Transaction) error
}

// LinkSource feeds the propagation stage.
type LinkSource interface {
	ByStatus(ctx context.Context, status models.LinkStatus) ([]models.TransactionLink, error)
}

// PriceCache is the day-bucketed price and FX store.
type PriceCache interface {
	SavePrice(ctx context.Context, rec models.PriceRecord) error
	GetPrice(ctx context.Context, assetSymbol, currency string, t time.Time) (*models.PriceRecord, error)
	SaveFxRate(ctx context.Context, base, quote string, t time.Time, rate decimal.Decimal, source string) error
	GetFxRate(ctx context.Context, base, quote string, t time.Time) (rate *decimal.Decimal, source string, err error)
}

// Config tunes one enrichment run.
type Config struct {
	AssetFilter            string // restrict to one symbol, empty = all
	BatchSize              int
	MaxConsecutiveFailures int // stage 3 early-abort threshold
}

func DefaultConfig() Config {
	return Config{BatchSize: 50, MaxConsecutiveFailures: 5}
}

// StageReport is the per-stage outcome.
type StageReport struct {
	Stage            string   `json:"stage"`
	Processed        int      `json:"processed"`
	PricesFetched    int      `json:"pricesFetched"`
	MovementsUpdated int      `json:"movementsUpdated"`
	Skipped          int      `json:"skipped"`
	Failures         int      `json:"failures"`
	Errors           []string `json:"errors,omitempty"`
}

// Report aggregates one full enrichment run.
type Report struct {
	Stages []StageReport `json:"stages"`
}

// Engine drives the four stages over the stored transaction set.
type Engine struct {
	txs     TxStore
	links   LinkSource
	prices  PriceCache
	quotes  QuoteSource
	emitter events.Emitter
	cfg     Config
	now     func() time.Time
}

func NewEngine(txs TxStore, links LinkSource, prices PriceCache, quotes QuoteSource, emitter events.Emitter, cfg Config) *Engine {
	if emitter == nil {
		emitter = events.Discard
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	return &Engine{txs: txs, links: links, prices: prices, quotes: quotes, emitter: emitter, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

type stageFunc func(ctx context.Context, txs []models.Transaction, report *StageReport) error

// Run executes the stages in order. A stage failure stops the run; completed
// stages stay persisted. Cancellation between movements is honored at the
// next movement boundary.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	e.emitter.Emit(events.ProvidersInitializing, nil)

	txs, err := e.txs.List(ctx, storage.TxFilter{Limit: 100000})
	if err != nil {
		return nil, err
	}
	if e.cfg.AssetFilter != "" {
		txs = filterByAsset(txs, e.cfg.AssetFilter)
	}

	report := &Report{}
	stages := []struct {
		name string
		fn   stageFunc
	}{
		{"derived-trade", e.stageDerivedTrade},
		{"fx-normalize", e.stageFX},
		{"market-prices", e.stageMarket},
		{"link-propagation", e.stagePropagate},
	}
	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		sr := StageReport{Stage: st.name}
		e.emitter.Emit(events.StageStarted, map[string]any{"stage": st.name})
		if err := st.fn(ctx, txs, &sr); err != nil {
			e.emitter.Emit(events.StageFailed, map[string]any{"stage": st.name, "error": err.Error()})
			report.Stages = append(report.Stages, sr)
			return report, err
		}
		e.emitter.Emit(events.StageCompleted, map[string]any{"stage": st.name, "result": sr})
		report.Stages = append(report.Stages, sr)
		log.Printf("[Pricing] stage %s: %d processed, %d updated, %d failed",
			st.name, sr.Processed, sr.MovementsUpdated, sr.Failures)
	}
	return report, nil
}

func filterByAsset(txs []models.Transaction, symbol string) []models.Transaction {
	symbol = strings.ToUpper(symbol)
	out := txs[:0]
	for _, tx := range txs {
		keep := false
		for _, m := range append(tx.Movements.Inflows, tx.Movements.Outflows...) {
			if strings.ToUpper(m.AssetSymbol) == symbol {
				keep = true
				break
			}
		}
		if keep {
			out = append(out, tx)
		}
	}
	return out
}

// persist writes back one enriched transaction, allocating any single
// platform fee across freshly priced inflows first. Allocation is guarded by
// a durable note, so repeat runs never compound the fee share.
func (e *Engine) persist(ctx context.Context, tx *models.Transaction) error {
	processor.AllocatePlatformFee(tx)
	return e.txs.UpdateEnrichment(ctx, tx)
}
