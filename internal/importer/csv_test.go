package importer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook-sub013/internal/apperr"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func writeCSV(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func collectBatches(t *testing.T, ch <-chan Result) ([]Batch, error) {
	t.Helper()
	var batches []Batch
	for res := range ch {
		if res.Err != nil {
			return batches, res.Err
		}
		batches = append(batches, res.Batch)
	}
	return batches, nil
}

const ledgersHeader = "txid,refid,time,type,asset,amount,fee\n"

func TestCSVImportLedgers(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "ledgers.csv", ledgersHeader+
		"L1,R1,2024-03-15 10:00:00,trade,XXBT,1.0,0\n"+
		"L2,R1,2024-03-15 10:00:00,trade,ZUSD,-65000,12.5\n"+
		"L3,R2,not-a-time,trade,XETH,2,0\n")

	imp := NewCSVImporter("kraken")
	batches, err := collectBatches(t, imp.ImportStreaming(context.Background(),
		models.ImportParams{CSVDirectories: []string{dir}}, nil))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("one file yields one batch, got %d", len(batches))
	}
	b := batches[0]
	if b.OperationType != "csv:ledgers.csv" {
		t.Errorf("operation type = %q", b.OperationType)
	}
	if b.Stats.Fetched != 2 || b.Stats.Invalid != 1 {
		t.Errorf("stats = %+v, want 2 fetched / 1 invalid", b.Stats)
	}
	if !b.IsComplete || !b.Cursor.IsComplete {
		t.Error("file batches are always complete")
	}
	if b.Cursor.Metadata["fileName"] != "ledgers.csv" || b.Cursor.Metadata["schema"] != "ledgers" {
		t.Errorf("cursor metadata = %v", b.Cursor.Metadata)
	}
	if b.Cursor.Metadata["rowCount"] != "3" {
		t.Errorf("rowCount = %q, the invalid row still counts as read", b.Cursor.Metadata["rowCount"])
	}

	rec := b.Records[0].Normalized
	if rec.ExternalID != "L1" || rec.OrderID != "R1" || rec.RowType != "trade" {
		t.Errorf("normalized = %+v", rec)
	}
	if got := rec.Changes[0].AssetSymbol; got != "BTC" {
		t.Errorf("legacy XXBT must normalize to BTC, got %q", got)
	}
	usd := b.Records[1].Normalized
	if usd.Changes[0].Kind != models.AssetKindFiat {
		t.Errorf("ZUSD kind = %s", usd.Changes[0].Kind)
	}
	if len(usd.Fees) != 1 || !usd.Fees[0].Amount.Equal(dec("12.5")) || usd.Fees[0].Scope != models.FeeScopePlatform {
		t.Errorf("fees = %+v", usd.Fees)
	}
	if b.Records[0].Fingerprint != models.Fingerprint("kraken", "L1") {
		t.Errorf("fingerprint = %q", b.Records[0].Fingerprint)
	}
}

func TestCSVRecoversFromUnreadableRow(t *testing.T) {
	// a bare quote makes row L2 unreadable; rows after it must still import
	dir := t.TempDir()
	writeCSV(t, dir, "ledgers.csv", ledgersHeader+
		"L1,R1,2024-03-15 10:00:00,deposit,XXBT,1,0\n"+
		"L2,R2,2024-03-15 10:30:00,tr\"ade,ZUSD,-65000,0\n"+
		"L3,R3,2024-03-15 11:00:00,deposit,XXBT,2,0\n")

	imp := NewCSVImporter("kraken")
	batches, err := collectBatches(t, imp.ImportStreaming(context.Background(),
		models.ImportParams{CSVDirectories: []string{dir}}, nil))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	b := batches[0]
	if b.Stats.Fetched != 2 || b.Stats.Invalid != 1 {
		t.Fatalf("stats = %+v, want 2 fetched / 1 invalid", b.Stats)
	}
	if len(b.Records) != 2 {
		t.Fatalf("records = %d, want the rows around the unreadable one", len(b.Records))
	}
	if b.Records[0].ExternalID != "L1" || b.Records[1].ExternalID != "L3" {
		t.Errorf("kept records = %s, %s", b.Records[0].ExternalID, b.Records[1].ExternalID)
	}
}

func TestCSVImportFills(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "fills.csv", "trade id,order id,created at,product,side,size,price,fee,total\n"+
		"T1,O1,2024-03-15T10:00:00Z,BTC-USD,BUY,0.5,65000,10,32500\n"+
		"T2,O2,2024-03-15T11:00:00Z,ETH-USD,SELL,2,3000,5,6000\n")

	imp := NewCSVImporter("coinbase")
	batches, err := collectBatches(t, imp.ImportStreaming(context.Background(),
		models.ImportParams{CSVDirectories: []string{dir}}, nil))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	buy := batches[0].Records[0].Normalized
	if buy.RowType != "advanced_trade_fill" {
		t.Errorf("row type = %q", buy.RowType)
	}
	if !buy.Changes[0].Amount.Equal(dec("0.5")) || buy.Changes[0].AssetSymbol != "BTC" {
		t.Errorf("buy base change = %+v", buy.Changes[0])
	}
	if !buy.Changes[1].Amount.Equal(dec("-32500")) || buy.Changes[1].AssetSymbol != "USD" {
		t.Errorf("buy quote change = %+v", buy.Changes[1])
	}
	sell := batches[0].Records[1].Normalized
	if !sell.Changes[0].Amount.Equal(dec("-2")) || !sell.Changes[1].Amount.Equal(dec("6000")) {
		t.Errorf("sell changes = %+v", sell.Changes)
	}
}

func TestCSVSkipsCompletedFiles(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "a.csv", ledgersHeader+"L1,R1,2024-03-15 10:00:00,deposit,XXBT,1,0\n")
	writeCSV(t, dir, "b.csv", ledgersHeader+"L2,R2,2024-03-15 11:00:00,deposit,XXBT,2,0\n")

	cursors := map[string]*models.Cursor{
		"csv:a.csv": {IsComplete: true},
	}
	imp := NewCSVImporter("kraken")
	batches, err := collectBatches(t, imp.ImportStreaming(context.Background(),
		models.ImportParams{CSVDirectories: []string{dir}}, cursors))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("completed files must be skipped, got %d batches", len(batches))
	}
	if batches[0].OperationType != "csv:b.csv" {
		t.Errorf("remaining batch = %q", batches[0].OperationType)
	}
}

func TestCSVTimeWindowFilter(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "ledgers.csv", ledgersHeader+
		"L1,R1,2024-01-01 00:00:00,deposit,XXBT,1,0\n"+
		"L2,R2,2024-06-01 00:00:00,deposit,XXBT,2,0\n"+
		"L3,R3,2024-12-01 00:00:00,deposit,XXBT,3,0\n")

	since := int64(1709251200000) // 2024-03-01
	until := int64(1727740800000) // 2024-10-01
	imp := NewCSVImporter("kraken")
	batches, err := collectBatches(t, imp.ImportStreaming(context.Background(),
		models.ImportParams{CSVDirectories: []string{dir}, SinceMS: since, UntilMS: until}, nil))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if got := len(batches[0].Records); got != 1 {
		t.Fatalf("records inside the window = %d, want 1", got)
	}
	if batches[0].Records[0].ExternalID != "L2" {
		t.Errorf("kept record = %s", batches[0].Records[0].ExternalID)
	}
}

func TestCSVUnknownSchemaFails(t *testing.T) {
	dir := t.TempDir()
	writeCSV(t, dir, "mystery.csv", "foo,bar\n1,2\n")

	imp := NewCSVImporter("kraken")
	_, err := collectBatches(t, imp.ImportStreaming(context.Background(),
		models.ImportParams{CSVDirectories: []string{dir}}, nil))
	if !apperr.IsKind(err, apperr.Validation) {
		t.Errorf("expected a validation failure, got %v", err)
	}
}

func TestCSVValidateParams(t *testing.T) {
	imp := NewCSVImporter("kraken")
	if err := imp.ValidateParams(models.ImportParams{}); !apperr.IsKind(err, apperr.InvalidArgs) {
		t.Errorf("missing --csv-dir must be rejected, got %v", err)
	}
	if err := imp.ValidateParams(models.ImportParams{CSVDirectories: []string{"/does/not/exist"}}); !apperr.IsKind(err, apperr.InvalidArgs) {
		t.Errorf("missing directory must be rejected, got %v", err)
	}
}
