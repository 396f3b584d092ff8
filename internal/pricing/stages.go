package pricing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook-sub013/internal/events"
	"github.com/jbelanger/exitbook-sub013/internal/provider"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// stageDerivedTrade prices the crypto leg of simple trades from their fiat
// leg: price = |fiat| / |crypto|. No network calls; already-priced legs are
// untouched so repeat runs are no-ops.
func (e *Engine) stageDerivedTrade(ctx context.Context, txs []models.Transaction, sr *StageReport) error {
	for i := range txs {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &txs[i]
		if tx.Operation.Category != models.CategoryTrade {
			continue
		}
		sr.Processed++

		fiat, crypto := splitLegs(tx)
		if fiat == nil || len(crypto) != 1 {
			// multi-asset trades cannot be derived from one fiat leg
			sr.Skipped++
			continue
		}
		leg := crypto[0]
		if leg.PriceAtTxTime != nil {
			sr.Skipped++
			continue
		}
		if leg.GrossAmount.IsZero() {
			sr.Skipped++
			continue
		}
		leg.PriceAtTxTime = &models.PriceAtTime{
			Price:       fiat.GrossAmount.Abs().Div(leg.GrossAmount.Abs()),
			Currency:    strings.ToUpper(fiat.AssetSymbol),
			Source:      models.PriceSourceDerivedTrade,
			Granularity: models.GranularityExact,
			FetchedAt:   e.now(),
		}
		sr.MovementsUpdated++
		if err := e.persist(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}

// splitLegs returns the trade's single fiat movement (nil when absent or
// ambiguous) and its crypto movements, as mutable pointers into tx.
func splitLegs(tx *models.Transaction) (*models.AssetMovement, []*models.AssetMovement) {
	var fiat *models.AssetMovement
	fiatCount := 0
	var crypto []*models.AssetMovement
	sides := [][]models.AssetMovement{tx.Movements.Inflows, tx.Movements.Outflows}
	for _, side := range sides {
		for i := range side {
			m := &side[i]
			if models.IsFiatAssetID(m.AssetID) {
				fiat = m
				fiatCount++
			} else {
				crypto = append(crypto, m)
			}
		}
	}
	if fiatCount != 1 {
		return nil, crypto
	}
	return fiat, crypto
}

// stageFX normalizes every non-USD valuation to USD using historical FX
// rates, and gives fiat movements their identity price. Missing rates are
// recorded as failures, never fatal.
func (e *Engine) stageFX(ctx context.Context, txs []models.Transaction, sr *StageReport) error {
	for i := range txs {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &txs[i]
		dirty := false
		for _, m := range movements(tx) {
			switch {
			case m.PriceAtTxTime != nil && m.PriceAtTxTime.Currency != "USD":
				sr.Processed++
				if err := e.normalizeToUSD(ctx, tx, m, sr); err == nil {
					dirty = true
					sr.MovementsUpdated++
				}
			case m.PriceAtTxTime == nil && models.IsFiatAssetID(m.AssetID):
				sr.Processed++
				if e.priceFiat(ctx, tx, m, sr) {
					dirty = true
					sr.MovementsUpdated++
				}
			}
		}
		if dirty {
			if err := e.persist(ctx, tx); err != nil {
				return err
			}
		}
	}
	return nil
}

func movements(tx *models.Transaction) []*models.AssetMovement {
	var out []*models.AssetMovement
	for i := range tx.Movements.Inflows {
		out = append(out, &tx.Movements.Inflows[i])
	}
	for i := range tx.Movements.Outflows {
		out = append(out, &tx.Movements.Outflows[i])
	}
	return out
}

func (e *Engine) normalizeToUSD(ctx context.Context, tx *models.Transaction, m *models.AssetMovement, sr *StageReport) error {
	cur := m.PriceAtTxTime.Currency
	rate, source, err := e.fxRate(ctx, cur, tx.Datetime)
	if err != nil {
		sr.Failures++
		sr.Errors = append(sr.Errors, fmt.Sprintf("%s %s/USD: %v", tx.Fingerprint[:12], cur, err))
		return err
	}
	at := models.DayBucket(tx.Datetime)
	p := *m.PriceAtTxTime
	p.Price = p.Price.Mul(*rate)
	p.Currency = "USD"
	p.FxRateToUSD = rate
	p.FxSource = source
	p.FxTimestamp = &at
	m.PriceAtTxTime = &p
	return nil
}

func (e *Engine) priceFiat(ctx context.Context, tx *models.Transaction, m *models.AssetMovement, sr *StageReport) bool {
	iso := strings.ToUpper(m.AssetSymbol)
	if iso == "USD" {
		m.PriceAtTxTime = &models.PriceAtTime{
			Price:       decimal.NewFromInt(1),
			Currency:    "USD",
			Source:      "fiat-identity",
			Granularity: models.GranularityExact,
			FetchedAt:   e.now(),
		}
		return true
	}
	rate, source, err := e.fxRate(ctx, iso, tx.Datetime)
	if err != nil {
		sr.Failures++
		sr.Errors = append(sr.Errors, fmt.Sprintf("%s %s/USD: %v", tx.Fingerprint[:12], iso, err))
		return false
	}
	at := models.DayBucket(tx.Datetime)
	m.PriceAtTxTime = &models.PriceAtTime{
		Price:       *rate,
		Currency:    "USD",
		Source:      source,
		Granularity: models.GranularityDaily,
		FetchedAt:   e.now(),
		FxRateToUSD: rate,
		FxSource:    source,
		FxTimestamp: &at,
	}
	return true
}

// fxRate reads the cached historical rate or quotes the FX provider pool and
// caches the answer.
func (e *Engine) fxRate(ctx context.Context, base string, at time.Time) (*decimal.Decimal, string, error) {
	if rate, source, err := e.prices.GetFxRate(ctx, base, "USD", at); err != nil {
		return nil, "", err
	} else if rate != nil {
		return rate, source, nil
	}
	q, err := e.quotes.Quote(ctx, provider.ScopeFX, provider.QuoteRequest{
		AssetSymbol: base, Currency: "USD", At: at,
	}, fxCacheKey(base, at))
	if err != nil {
		return nil, "", err
	}
	if err := e.prices.SaveFxRate(ctx, base, "USD", at, q.Price, q.Provider); err != nil {
		return nil, "", err
	}
	rate := q.Price
	return &rate, q.Provider, nil
}

func fxCacheKey(base string, at time.Time) string {
	return "fx:" + base + ":USD:" + models.DayBucket(at).Format("2006-01-02")
}

var stablecoins = map[string]bool{
	"USDT": true, "USDC": true, "DAI": true, "BUSD": true, "TUSD": true, "USDP": true,
}

// stageMarket fetches USD prices for the movements still lacking one, with a
// read-through day-bucket cache and stablecoin conversion. Movements are
// priced sequentially; a run of consecutive provider failures aborts the
// stage early and marks the remainder failed.
func (e *Engine) stageMarket(ctx context.Context, txs []models.Transaction, sr *StageReport) error {
	type target struct {
		tx *models.Transaction
		m  *models.AssetMovement
	}
	var targets []target
	for i := range txs {
		tx := &txs[i]
		for _, m := range movements(tx) {
			if m.PriceAtTxTime == nil && !models.IsFiatAssetID(m.AssetID) {
				targets = append(targets, target{tx, m})
			}
		}
	}

	consecutive := 0
	for idx, t := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if consecutive >= e.cfg.MaxConsecutiveFailures {
			remaining := len(targets) - idx
			sr.Failures += remaining
			sr.Errors = append(sr.Errors, fmt.Sprintf("%d movement(s) not attempted: provider unavailability", remaining))
			break
		}
		sr.Processed++
		e.emitter.Emit(events.StageProgress, map[string]any{"stage": "market-prices", "processed": idx + 1, "total": len(targets)})

		price, err := e.marketPrice(ctx, strings.ToUpper(t.m.AssetSymbol), t.tx.Datetime, sr)
		if err != nil {
			consecutive++
			sr.Failures++
			sr.Errors = append(sr.Errors, fmt.Sprintf("%s %s: %v", t.tx.Fingerprint[:12], t.m.AssetSymbol, err))
			continue
		}
		consecutive = 0
		t.m.PriceAtTxTime = price
		sr.MovementsUpdated++
		if err := e.persist(ctx, t.tx); err != nil {
			return err
		}
	}
	return nil
}

// marketPrice resolves one (symbol, day) price: cache, then the market
// provider pool with stablecoin-denominated answers converted to USD.
func (e *Engine) marketPrice(ctx context.Context, symbol string, at time.Time, sr *StageReport) (*models.PriceAtTime, error) {
	if cached, err := e.prices.GetPrice(ctx, symbol, "USD", at); err != nil {
		return nil, err
	} else if cached != nil {
		return &models.PriceAtTime{
			Price:       cached.Price,
			Currency:    "USD",
			Source:      cached.Source,
			Granularity: cached.Granularity,
			FetchedAt:   cached.FetchedAt,
		}, nil
	}

	q, err := e.quotes.Quote(ctx, provider.ScopeMarket, provider.QuoteRequest{
		AssetSymbol: symbol, Currency: "USD", At: at,
	}, marketCacheKey(symbol, at))
	if err != nil {
		return nil, err
	}
	sr.PricesFetched++

	price := q.Price
	source := q.Provider
	quoted := strings.ToUpper(q.Currency)
	if quoted != "USD" && stablecoins[quoted] && !stablecoins[symbol] {
		// provider answered in a stablecoin: convert, or assume parity
		rq, rerr := e.quotes.Quote(ctx, provider.ScopeMarket, provider.QuoteRequest{
			AssetSymbol: quoted, Currency: "USD", At: at,
		}, marketCacheKey(quoted, at))
		if rerr == nil && rq.Price.IsPositive() {
			price = price.Mul(rq.Price)
			source = q.Provider + "+" + strings.ToLower(quoted) + "-rate"
		} else {
			source = q.Provider + "+assumed-" + strings.ToLower(quoted) + "-parity"
		}
	}

	rec := models.PriceRecord{
		AssetSymbol: symbol,
		Currency:    "USD",
		Timestamp:   at,
		Price:       price,
		Source:      source,
		Granularity: q.Granularity,
		FetchedAt:   e.now(),
	}
	if err := e.prices.SavePrice(ctx, rec); err != nil {
		return nil, err
	}
	return &models.PriceAtTime{
		Price:       price,
		Currency:    "USD",
		Source:      source,
		Granularity: q.Granularity,
		FetchedAt:   rec.FetchedAt,
	}, nil
}

func marketCacheKey(symbol string, at time.Time) string {
	return "market:" + symbol + ":USD:" + models.DayBucket(at).Format("2006-01-02")
}

// stagePropagate copies prices across confirmed links: a priced withdrawal
// prices the linked deposit. Suggested and rejected links are ignored.
func (e *Engine) stagePropagate(ctx context.Context, txs []models.Transaction, sr *StageReport) error {
	links, err := e.links.ByStatus(ctx, models.LinkConfirmed)
	if err != nil {
		return err
	}
	byFingerprint := map[string]*models.Transaction{}
	for i := range txs {
		byFingerprint[txs[i].Fingerprint] = &txs[i]
	}

	for _, l := range links {
		if err := ctx.Err(); err != nil {
			return err
		}
		src, ok := byFingerprint[l.SourceFingerprint]
		if !ok {
			continue
		}
		tgt, ok := byFingerprint[l.TargetFingerprint]
		if !ok {
			continue
		}
		sr.Processed++

		var priced *models.PriceAtTime
		for i := range src.Movements.Outflows {
			m := &src.Movements.Outflows[i]
			if strings.EqualFold(m.AssetSymbol, l.AssetSymbol) && m.PriceAtTxTime != nil {
				priced = m.PriceAtTxTime
				break
			}
		}
		if priced == nil {
			sr.Skipped++
			continue
		}

		dirty := false
		for i := range tgt.Movements.Inflows {
			m := &tgt.Movements.Inflows[i]
			if !strings.EqualFold(m.AssetSymbol, l.AssetSymbol) || m.PriceAtTxTime != nil {
				continue
			}
			m.PriceAtTxTime = &models.PriceAtTime{
				Price:       priced.Price,
				Currency:    priced.Currency,
				Source:      models.PriceSourceLinkPropagated,
				Granularity: priced.Granularity,
				FetchedAt:   e.now(),
				FxRateToUSD: priced.FxRateToUSD,
				FxSource:    priced.FxSource,
				FxTimestamp: priced.FxTimestamp,
			}
			dirty = true
			sr.MovementsUpdated++
		}
		if dirty {
			if err := e.persist(ctx, tgt); err != nil {
				return err
			}
		} else {
			sr.Skipped++
		}
	}
	return nil
}
