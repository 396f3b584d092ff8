package linker

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook-sub013/internal/storage"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// GapTxSource lists the transactions the coverage report scans.
type GapTxSource interface {
	List(ctx context.Context, f storage.TxFilter) ([]models.Transaction, error)
}

// GapLinkSource lists every stored link regardless of status.
type GapLinkSource interface {
	All(ctx context.Context) ([]models.TransactionLink, error)
}

// Gaps builds the read-only coverage report: deposits no link explains and
// withdrawals no link consumes, grouped by normalized asset symbol. Rejected
// links do not count as coverage.
func Gaps(ctx context.Context, txStore GapTxSource, linkStore GapLinkSource) (*models.GapReport, error) {
	txs, err := txStore.List(ctx, storage.TxFilter{Limit: 100000})
	if err != nil {
		return nil, err
	}
	links, err := linkStore.All(ctx)
	if err != nil {
		return nil, err
	}

	coveredSource := map[string]bool{} // source fingerprint + asset
	coveredTarget := map[string]bool{}
	for _, l := range links {
		if l.Status == models.LinkRejected {
			continue
		}
		coveredSource[l.SourceFingerprint+"|"+l.AssetSymbol] = true
		coveredTarget[l.TargetFingerprint+"|"+l.AssetSymbol] = true
	}

	gaps := map[string]*models.AssetGap{}
	get := func(symbol string) *models.AssetGap {
		g, ok := gaps[symbol]
		if !ok {
			g = &models.AssetGap{AssetSymbol: symbol, InflowAmount: decimal.Zero, OutflowAmount: decimal.Zero}
			gaps[symbol] = g
		}
		return g
	}

	for i := range txs {
		tx := &txs[i]
		for _, m := range tx.Movements.Inflows {
			if models.IsFiatAssetID(m.AssetID) {
				continue
			}
			sym := normalizeSymbol(m.AssetSymbol)
			if !coveredTarget[tx.Fingerprint+"|"+sym] {
				g := get(sym)
				g.UncoveredInflows++
				g.InflowAmount = g.InflowAmount.Add(m.GrossAmount)
			}
		}
		for _, m := range tx.Movements.Outflows {
			if models.IsFiatAssetID(m.AssetID) {
				continue
			}
			sym := normalizeSymbol(m.AssetSymbol)
			if !coveredSource[tx.Fingerprint+"|"+sym] {
				g := get(sym)
				g.UnmatchedOutflows++
				g.OutflowAmount = g.OutflowAmount.Add(m.GrossAmount)
			}
		}
	}

	report := &models.GapReport{GeneratedAt: time.Now().UTC()}
	for _, g := range gaps {
		report.Assets = append(report.Assets, *g)
	}
	sort.Slice(report.Assets, func(i, j int) bool { return report.Assets[i].AssetSymbol < report.Assets[j].AssetSymbol })
	return report, nil
}
