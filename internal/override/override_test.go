package override

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook-sub013/internal/apperr"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

func tempLog(t *testing.T) *Log {
	t.Helper()
	return OpenLog(filepath.Join(t.TempDir(), "overrides.jsonl"))
}

func TestLogAppendStampsEvent(t *testing.T) {
	l := tempLog(t)
	ev, err := l.Append(models.OverrideEvent{Actor: "cli", Scope: models.OverrideLink})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if ev.ID == "" {
		t.Error("append must assign an id")
	}
	if ev.CreatedAt.IsZero() {
		t.Error("append must stamp createdAt")
	}
}

func TestLogAllOrdersByCreatedAtThenID(t *testing.T) {
	l := tempLog(t)
	base := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	// appended out of order, with an id tie on the shared timestamp
	for _, ev := range []models.OverrideEvent{
		{ID: "c", CreatedAt: base.Add(time.Hour), Scope: models.OverridePrice},
		{ID: "b", CreatedAt: base, Scope: models.OverrideUnlink},
		{ID: "a", CreatedAt: base, Scope: models.OverrideLink},
	} {
		if _, err := l.Append(ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	events, err := l.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	var got []string
	for _, ev := range events {
		got = append(got, ev.ID)
	}
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestLogAllSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.jsonl")
	content := `{"id":"a","scope":"link","createdAt":"2024-03-15T12:00:00Z"}
not json at all
{"id":"b","scope":"price","createdAt":"2024-03-15T13:00:00Z"}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	events, err := OpenLog(path).All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("a corrupt line must not block the rest, got %d events", len(events))
	}
	if events[0].ID != "a" || events[1].ID != "b" {
		t.Errorf("events = %v", events)
	}
}

func TestLogAllMissingFile(t *testing.T) {
	events, err := tempLog(t).All()
	if err != nil {
		t.Fatalf("an absent log is an empty history, got %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events = %d", len(events))
	}
}

type reviewCall struct {
	fingerprint string
	status      models.LinkStatus
	actor       string
}

type fakeReviewer struct {
	calls []reviewCall
	err   error
}

func (f *fakeReviewer) ApplyReview(_ context.Context, fp string, status models.LinkStatus, actor string, _ time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, reviewCall{fp, status, actor})
	return nil
}

type fakeTxs struct {
	txs     map[string]models.Transaction
	updated []models.Transaction
}

func (f *fakeTxs) ByFingerprints(_ context.Context, fps []string) ([]models.Transaction, error) {
	var out []models.Transaction
	for _, fp := range fps {
		if tx, ok := f.txs[fp]; ok {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (f *fakeTxs) UpdateEnrichment(_ context.Context, t *models.Transaction) error {
	f.updated = append(f.updated, *t)
	return nil
}

func TestReplayAppliesLinkDecisions(t *testing.T) {
	l := tempLog(t)
	payload := models.OverridePayload{
		SourceFingerprint: "src-fp", TargetFingerprint: "tgt-fp", AssetSymbol: "btc",
	}
	if _, err := l.Append(models.OverrideEvent{Actor: "alice", Scope: models.OverrideLink, Payload: payload}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Append(models.OverrideEvent{Actor: "bob", Scope: models.OverrideUnlink, Payload: payload}); err != nil {
		t.Fatal(err)
	}

	reviewer := &fakeReviewer{}
	report, err := NewReplayer(l, reviewer, &fakeTxs{}).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Applied != 2 {
		t.Errorf("applied = %d", report.Applied)
	}
	if len(reviewer.calls) != 2 {
		t.Fatalf("review calls = %d", len(reviewer.calls))
	}
	wantFP := models.LinkFingerprint("src-fp", "tgt-fp", "BTC")
	if reviewer.calls[0].fingerprint != wantFP || reviewer.calls[0].status != models.LinkConfirmed {
		t.Errorf("first call = %+v", reviewer.calls[0])
	}
	if reviewer.calls[1].status != models.LinkRejected || reviewer.calls[1].actor != "bob" {
		t.Errorf("second call = %+v", reviewer.calls[1])
	}
}

func TestReplayPreservesUnresolvedEvents(t *testing.T) {
	l := tempLog(t)
	ev, err := l.Append(models.OverrideEvent{Scope: models.OverrideLink, Payload: models.OverridePayload{
		SourceFingerprint: "gone", TargetFingerprint: "also-gone", AssetSymbol: "BTC",
	}})
	if err != nil {
		t.Fatal(err)
	}

	reviewer := &fakeReviewer{err: apperr.Newf(apperr.NotFound, "link not found")}
	report, runErr := NewReplayer(l, reviewer, &fakeTxs{}).Run(context.Background())
	if runErr != nil {
		t.Fatalf("an unresolvable event must not fail the run: %v", runErr)
	}
	if report.Applied != 0 {
		t.Errorf("applied = %d", report.Applied)
	}
	if len(report.Unresolved) != 1 || report.Unresolved[0] != ev.ID {
		t.Errorf("unresolved = %v, want [%s]", report.Unresolved, ev.ID)
	}
}

func TestReplayManualPrice(t *testing.T) {
	l := tempLog(t)
	price := decimal.RequireFromString("123.45")
	if _, err := l.Append(models.OverrideEvent{Actor: "cli", Scope: models.OverridePrice, Payload: models.OverridePayload{
		Fingerprint: "tx-fp", Side: models.SideInflow,
		AssetID: models.ExchangeAssetID("kraken", "SOL"), Price: &price,
	}}); err != nil {
		t.Fatal(err)
	}

	txs := &fakeTxs{txs: map[string]models.Transaction{
		"tx-fp": {
			Fingerprint: "tx-fp",
			Movements: models.Movements{Inflows: []models.AssetMovement{{
				AssetID: models.ExchangeAssetID("kraken", "SOL"), AssetSymbol: "SOL",
				GrossAmount: decimal.NewFromInt(10), NetAmount: decimal.NewFromInt(10),
				PriceAtTxTime: &models.PriceAtTime{Price: decimal.NewFromInt(99), Currency: "USD", Source: "coingecko"},
			}}},
		},
	}}
	report, err := NewReplayer(l, &fakeReviewer{}, txs).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Applied != 1 {
		t.Errorf("applied = %d", report.Applied)
	}
	if len(txs.updated) != 1 {
		t.Fatalf("updates = %d", len(txs.updated))
	}
	p := txs.updated[0].Movements.Inflows[0].PriceAtTxTime
	if !p.Price.Equal(price) {
		t.Errorf("price = %s, the manual value must overwrite the provider one", p.Price)
	}
	if p.Source != models.PriceSourceManual || p.Currency != "USD" || p.Granularity != models.GranularityExact {
		t.Errorf("price attribution = %+v", p)
	}
}

func TestReplayPriceMissingFieldsFails(t *testing.T) {
	l := tempLog(t)
	if _, err := l.Append(models.OverrideEvent{Scope: models.OverridePrice, Payload: models.OverridePayload{
		Fingerprint: "tx-fp", // no price
	}}); err != nil {
		t.Fatal(err)
	}

	_, err := NewReplayer(l, &fakeReviewer{}, &fakeTxs{}).Run(context.Background())
	if !apperr.IsKind(err, apperr.Validation) {
		t.Errorf("expected a validation failure, got %v", err)
	}
}
