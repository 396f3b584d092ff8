package override

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/jbelanger/exitbook-sub013/internal/apperr"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// LinkReviewer is the link-store slice replay drives.
type LinkReviewer interface {
	ApplyReview(ctx context.Context, fingerprint string, status models.LinkStatus, reviewedBy string, at time.Time) error
}

// TxPriceStore is the transaction-store slice manual prices are written
// through.
type TxPriceStore interface {
	ByFingerprints(ctx context.Context, fps []string) ([]models.Transaction, error)
	UpdateEnrichment(ctx context.Context, t *models.Transaction) error
}

// Replayer applies the override history to the current link and transaction
// sets. Replay runs after matching and enrichment; applying the same history
// twice leaves the state unchanged.
type Replayer struct {
	log   *Log
	links LinkReviewer
	txs   TxPriceStore
}

func NewReplayer(l *Log, links LinkReviewer, txs TxPriceStore) *Replayer {
	return &Replayer{log: l, links: links, txs: txs}
}

// Report summarizes one replay pass. Unresolved events target fingerprints
// absent from the current set, usually because re-ingestion is partial; they
// stay in the log untouched and will resolve on a later run.
type Report struct {
	Applied    int      `json:"applied"`
	Unresolved []string `json:"unresolved,omitempty"` // event ids
}

func (r *Replayer) Run(ctx context.Context) (*Report, error) {
	events, err := r.log.All()
	if err != nil {
		return nil, err
	}
	report := &Report{}
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		var applyErr error
		switch ev.Scope {
		case models.OverrideLink:
			applyErr = r.applyLink(ctx, ev, models.LinkConfirmed)
		case models.OverrideUnlink:
			applyErr = r.applyLink(ctx, ev, models.LinkRejected)
		case models.OverridePrice:
			applyErr = r.applyPrice(ctx, ev)
		default:
			log.Printf("[Override] event %s has unknown scope %q, skipping", ev.ID, ev.Scope)
			continue
		}
		switch {
		case applyErr == nil:
			report.Applied++
		case apperr.IsKind(applyErr, apperr.NotFound):
			report.Unresolved = append(report.Unresolved, ev.ID)
		default:
			return report, applyErr
		}
	}
	if len(report.Unresolved) > 0 {
		log.Printf("[Override] %d event(s) unresolved, preserved for the next run", len(report.Unresolved))
	}
	return report, nil
}

func (r *Replayer) applyLink(ctx context.Context, ev models.OverrideEvent, status models.LinkStatus) error {
	p := ev.Payload
	fp := models.LinkFingerprint(p.SourceFingerprint, p.TargetFingerprint, strings.ToUpper(p.AssetSymbol))
	return r.links.ApplyReview(ctx, fp, status, ev.Actor, ev.CreatedAt)
}

// applyPrice sets a manual price on the addressed movement. Manual prices
// take precedence over every enrichment stage, so any existing price is
// overwritten.
func (r *Replayer) applyPrice(ctx context.Context, ev models.OverrideEvent) error {
	p := ev.Payload
	if p.Price == nil || p.Fingerprint == "" {
		return apperr.Newf(apperr.Validation, "price override %s is missing price or fingerprint", ev.ID)
	}
	txs, err := r.txs.ByFingerprints(ctx, []string{p.Fingerprint})
	if err != nil {
		return err
	}
	if len(txs) == 0 {
		return apperr.Newf(apperr.NotFound, "transaction %s not found", p.Fingerprint)
	}
	tx := &txs[0]

	side := tx.Movements.Inflows
	if p.Side == models.SideOutflow {
		side = tx.Movements.Outflows
	}
	found := false
	for i := range side {
		m := &side[i]
		if p.AssetID != "" && m.AssetID != p.AssetID {
			continue
		}
		currency := p.Currency
		if currency == "" {
			currency = "USD"
		}
		m.PriceAtTxTime = &models.PriceAtTime{
			Price:       *p.Price,
			Currency:    strings.ToUpper(currency),
			Source:      models.PriceSourceManual,
			Granularity: models.GranularityExact,
			FetchedAt:   ev.CreatedAt,
		}
		found = true
	}
	if !found {
		return apperr.Newf(apperr.NotFound, "movement %s/%s not found on %s", p.Side, p.AssetID, p.Fingerprint)
	}
	return r.txs.UpdateEnrichment(ctx, tx)
}
