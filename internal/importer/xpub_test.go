package importer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/jbelanger/exitbook-sub013/internal/apperr"
	"github.com/jbelanger/exitbook-sub013/internal/provider"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// a BIP-32 test-vector extended public key, safe to derive from in tests
const testXpub = "xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8NqtwybGhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"

func testBranchKey(t *testing.T, branch uint32) *hdkeychain.ExtendedKey {
	t.Helper()
	key, err := hdkeychain.NewKeyFromString(testXpub)
	if err != nil {
		t.Fatal(err)
	}
	bk, err := key.Derive(branch)
	if err != nil {
		t.Fatal(err)
	}
	return bk
}

// derivedAddress resolves the address GapScan will see at one index.
func derivedAddress(t *testing.T, branch, index uint32) string {
	t.Helper()
	child, err := testBranchKey(t, branch).Derive(index)
	if err != nil {
		t.Fatal(err)
	}
	addr, err := child.Address(&chaincfg.MainNetParams)
	if err != nil {
		t.Fatal(err)
	}
	return addr.EncodeAddress()
}

func TestGapScanStopsAfterGap(t *testing.T) {
	activeIdx := map[int]bool{0: true, 2: true}
	probed := 0
	probe := func(context.Context, string) (bool, error) {
		used := activeIdx[probed]
		probed++
		return used, nil
	}

	active, scanned, err := GapScan(context.Background(), testBranchKey(t, 0), &chaincfg.MainNetParams, 3, probe)
	if err != nil {
		t.Fatalf("GapScan: %v", err)
	}
	// index 2 is active and resets the run; indexes 3,4,5 are empty and end it
	if scanned != 6 {
		t.Errorf("scanned = %d, want 6", scanned)
	}
	if len(active) != 2 {
		t.Errorf("active = %v, want the two used addresses", active)
	}
	if active[0] != derivedAddress(t, 0, 0) || active[1] != derivedAddress(t, 0, 2) {
		t.Errorf("active = %v", active)
	}
}

func TestGapScanDefaultsGap(t *testing.T) {
	probe := func(context.Context, string) (bool, error) { return false, nil }
	_, scanned, err := GapScan(context.Background(), testBranchKey(t, 0), &chaincfg.MainNetParams, 0, probe)
	if err != nil {
		t.Fatalf("GapScan: %v", err)
	}
	if scanned != DefaultAddressGap {
		t.Errorf("scanned = %d, want the default gap of %d", scanned, DefaultAddressGap)
	}
}

func TestXpubValidateParams(t *testing.T) {
	x := NewXpubImporter("bitcoin", nil)
	cases := []struct {
		name   string
		params models.ImportParams
		wantOK bool
	}{
		{"xpub accepted", models.ImportParams{Address: testXpub}, true},
		{"zpub accepted", models.ImportParams{Address: "zpub6rFR7y4Q2AijBEqTUquhVz398htDFrtymD9xYYfG1m4wAcvPhXNfE3EfH1r1ADqtfSdVCToUG868RvUUkgDKf31mGDtKsAYz2oz2AGutZYs"}, true},
		{"plain address rejected", models.ImportParams{Address: "bc1qxyz"}, false},
		{"negative gap rejected", models.ImportParams{Address: testXpub, AddressGap: -1}, false},
		{"missing address rejected", models.ImportParams{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := x.ValidateParams(tc.params)
			if ok := err == nil; ok != tc.wantOK {
				t.Errorf("err = %v, want ok=%v", err, tc.wantOK)
			}
			if err != nil && !apperr.IsKind(err, apperr.InvalidArgs) {
				t.Errorf("kind = %v, want InvalidArgs", err)
			}
		})
	}
}

type fakeChain struct {
	active  map[string]bool
	records []provider.TxRecord
}

func (f *fakeChain) HasActivity(_ context.Context, _ string, address string) (bool, error) {
	return f.active[address], nil
}

func (f *fakeChain) ExecuteStreaming(_ context.Context, _ string, req provider.StreamRequest) <-chan provider.StreamResult {
	ch := make(chan provider.StreamResult, 1)
	ch <- provider.StreamResult{Batch: provider.StreamBatch{
		Provider:   "esplora",
		Operation:  req.Operation,
		Records:    f.records,
		Cursor:     models.Cursor{ProviderName: "esplora"},
		IsComplete: true,
		Stats:      provider.BatchStats{Fetched: len(f.records)},
	}}
	close(ch)
	return ch
}

func TestXpubImportDedupsAcrossRecords(t *testing.T) {
	addr0 := derivedAddress(t, branchReceive, 0)
	raw := json.RawMessage(`{}`)
	chain := &fakeChain{
		active: map[string]bool{addr0: true},
		records: []provider.TxRecord{
			{ExternalID: "tx1", Raw: raw, Normalized: &models.NormalizedRecord{ExternalID: "tx1"}},
			{ExternalID: "tx1", Raw: raw, Normalized: &models.NormalizedRecord{ExternalID: "tx1"}},
			{ExternalID: "tx2", Raw: raw, Normalized: &models.NormalizedRecord{ExternalID: "tx2"}},
		},
	}

	x := NewXpubImporter("bitcoin", chain)
	batches, err := collectBatches(t, x.ImportStreaming(context.Background(),
		models.ImportParams{Address: testXpub, AddressGap: 2}, nil))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("batches = %d", len(batches))
	}
	b := batches[0]
	if len(b.Records) != 2 || b.Stats.Deduped != 1 {
		t.Errorf("records = %d deduped = %d, the repeated id must collapse", len(b.Records), b.Stats.Deduped)
	}
	if b.Records[0].SourceAddress != addr0 {
		t.Errorf("source address = %q", b.Records[0].SourceAddress)
	}
	if b.Records[0].Fingerprint != models.Fingerprint("bitcoin-xpub", "tx1") {
		t.Errorf("fingerprint = %q, records belong to the xpub source", b.Records[0].Fingerprint)
	}
	if !b.IsComplete || b.Cursor.Metadata["completedAddresses"] != addr0 {
		t.Errorf("cursor = %+v", b.Cursor)
	}
}

func TestXpubImportNoActivity(t *testing.T) {
	x := NewXpubImporter("bitcoin", &fakeChain{active: map[string]bool{}})
	batches, err := collectBatches(t, x.ImportStreaming(context.Background(),
		models.ImportParams{Address: testXpub, AddressGap: 2}, nil))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(batches) != 1 || len(batches[0].Records) != 0 || !batches[0].IsComplete {
		t.Errorf("an unused key still completes cleanly: %+v", batches)
	}
}
