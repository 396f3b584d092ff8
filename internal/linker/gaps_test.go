package linker

import (
	"context"
	"testing"

	"github.com/jbelanger/exitbook-sub013/internal/storage"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

type fakeGapTxs struct{ txs []models.Transaction }

func (f fakeGapTxs) List(_ context.Context, _ storage.TxFilter) ([]models.Transaction, error) {
	return f.txs, nil
}

type fakeGapLinks struct{ links []models.TransactionLink }

func (f fakeGapLinks) All(_ context.Context) ([]models.TransactionLink, error) {
	return f.links, nil
}

func coverage(src, tgt models.Transaction, symbol string, status models.LinkStatus) models.TransactionLink {
	return models.TransactionLink{
		SourceFingerprint: src.Fingerprint,
		TargetFingerprint: tgt.Fingerprint,
		AssetSymbol:       symbol,
		Status:            status,
	}
}

func TestGapsReportsUncoveredFlows(t *testing.T) {
	w1 := withdrawal(1, "kraken", "BTC", "1.0", 0)
	d1 := deposit(2, "bitcoin", "BTC", "0.999", 2*hourMS)
	orphan := deposit(3, "ethereum", "WETH", "5", 4*hourMS)
	orphan.Fingerprint = models.Fingerprint("ethereum", "orphan")
	fiat := models.Transaction{
		ID: 4, Source: "kraken", Fingerprint: models.Fingerprint("kraken", "usd"),
		Movements: models.Movements{Inflows: []models.AssetMovement{{
			AssetID: models.FiatAssetID("USD"), AssetSymbol: "USD",
			GrossAmount: dec("100"), NetAmount: dec("100"),
		}}},
	}

	report, err := Gaps(context.Background(),
		fakeGapTxs{txs: []models.Transaction{w1, d1, orphan, fiat}},
		fakeGapLinks{links: []models.TransactionLink{
			coverage(w1, d1, "BTC", models.LinkSuggested),
		}})
	if err != nil {
		t.Fatalf("gaps: %v", err)
	}

	// the suggested link covers both BTC sides; only the wrapped-ETH deposit
	// remains, under its normalized symbol, and fiat never appears
	if len(report.Assets) != 1 {
		t.Fatalf("assets = %+v, want only ETH", report.Assets)
	}
	eth := report.Assets[0]
	if eth.AssetSymbol != "ETH" {
		t.Errorf("symbol = %s, want ETH", eth.AssetSymbol)
	}
	if eth.UncoveredInflows != 1 || eth.UnmatchedOutflows != 0 {
		t.Errorf("counts = %d in / %d out", eth.UncoveredInflows, eth.UnmatchedOutflows)
	}
	if !eth.InflowAmount.Equal(dec("5")) {
		t.Errorf("inflow amount = %s", eth.InflowAmount)
	}
}

func TestGapsRejectedLinksDoNotCover(t *testing.T) {
	w := withdrawal(1, "kraken", "BTC", "1.0", 0)
	d := deposit(2, "bitcoin", "BTC", "0.999", 2*hourMS)
	txs := fakeGapTxs{txs: []models.Transaction{w, d}}

	rejected, err := Gaps(context.Background(), txs,
		fakeGapLinks{links: []models.TransactionLink{coverage(w, d, "BTC", models.LinkRejected)}})
	if err != nil {
		t.Fatalf("gaps: %v", err)
	}
	if len(rejected.Assets) != 1 {
		t.Fatalf("rejected link must leave both sides uncovered, got %+v", rejected.Assets)
	}
	btc := rejected.Assets[0]
	if btc.UncoveredInflows != 1 || btc.UnmatchedOutflows != 1 {
		t.Errorf("counts = %d in / %d out, want 1/1", btc.UncoveredInflows, btc.UnmatchedOutflows)
	}
	if !btc.OutflowAmount.Equal(dec("1.0")) || !btc.InflowAmount.Equal(dec("0.999")) {
		t.Errorf("amounts = %s out / %s in", btc.OutflowAmount, btc.InflowAmount)
	}

	confirmed, err := Gaps(context.Background(), txs,
		fakeGapLinks{links: []models.TransactionLink{coverage(w, d, "BTC", models.LinkConfirmed)}})
	if err != nil {
		t.Fatalf("gaps: %v", err)
	}
	if len(confirmed.Assets) != 0 {
		t.Errorf("confirmed link covers both sides, got %+v", confirmed.Assets)
	}
}
