package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

type fakeResolver struct {
	meta  map[string]models.TokenMetadata
	calls [][]string
}

func (f *fakeResolver) Resolve(_ context.Context, _ string, contracts []string) (map[string]models.TokenMetadata, error) {
	f.calls = append(f.calls, contracts)
	return f.meta, nil
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func nativeChange(symbol, amount string) models.BalanceChange {
	return models.BalanceChange{AssetSymbol: symbol, Kind: models.AssetKindNative, Amount: dec(amount)}
}

func TestProcessBlockchainReceive(t *testing.T) {
	p := New(nil)
	inputs := []Input{{
		Fingerprint:   "fp1",
		SourceAddress: "bc1qUser",
		Normalized: &models.NormalizedRecord{
			ExternalID:    "tx1",
			TxHash:        "abc123",
			Timestamp:     1700000000000,
			Status:        models.StatusSuccess,
			OperationType: "getAddressTransactions",
			Changes:       []models.BalanceChange{nativeChange("BTC", "0.5")},
		},
	}}

	txs, err := p.ProcessBlockchain(context.Background(), "bitcoin", "bitcoin", inputs)
	if err != nil {
		t.Fatalf("ProcessBlockchain: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txs))
	}
	tx := txs[0]
	if tx.ExternalID != "abc123" {
		t.Errorf("external id = %q, want the tx hash", tx.ExternalID)
	}
	if tx.Fingerprint != models.Fingerprint("bitcoin", "abc123") {
		t.Errorf("fingerprint mismatch: %s", tx.Fingerprint)
	}
	if len(tx.Movements.Inflows) != 1 || len(tx.Movements.Outflows) != 0 {
		t.Fatalf("movements = %d in / %d out, want 1/0", len(tx.Movements.Inflows), len(tx.Movements.Outflows))
	}
	in := tx.Movements.Inflows[0]
	if in.AssetID != models.NativeAssetID("bitcoin") {
		t.Errorf("asset id = %q", in.AssetID)
	}
	if !in.GrossAmount.Equal(dec("0.5")) {
		t.Errorf("gross = %s, want 0.5", in.GrossAmount)
	}
	if tx.Operation.Type != models.OpDeposit {
		t.Errorf("operation = %v, want deposit", tx.Operation)
	}
	if tx.Blockchain == nil || !tx.Blockchain.IsConfirmed {
		t.Error("expected confirmed blockchain info")
	}
}

func TestProcessBlockchainSendWithNetworkFee(t *testing.T) {
	p := New(nil)
	inputs := []Input{{
		SourceAddress: "0xuser",
		Normalized: &models.NormalizedRecord{
			ExternalID:    "tx2",
			TxHash:        "0xdead",
			Timestamp:     1700000000000,
			Status:        models.StatusSuccess,
			From:          "0xUser",
			To:            "0xpeer",
			OperationType: "getAddressTransactions",
			Changes:       []models.BalanceChange{nativeChange("ETH", "-1.2")},
			Fees: []models.RecordFee{{
				AssetSymbol: "ETH", Kind: models.AssetKindNative,
				Amount: dec("0.002"), Scope: models.FeeScopeNetwork,
			}},
		},
	}}

	txs, err := p.ProcessBlockchain(context.Background(), "ethereum", "ethereum", inputs)
	if err != nil {
		t.Fatalf("ProcessBlockchain: %v", err)
	}
	tx := txs[0]
	if len(tx.Fees) != 1 {
		t.Fatalf("expected the network fee to be attributed, got %d fees", len(tx.Fees))
	}
	if tx.Fees[0].Settlement != models.FeeSettlementBalance {
		t.Errorf("fee settlement = %s", tx.Fees[0].Settlement)
	}
	if tx.Operation.Type != models.OpWithdrawal {
		t.Errorf("operation = %v, want withdrawal", tx.Operation)
	}

	// net delta must equal -(amount + fee)
	net := tx.NetByAsset()[models.NativeAssetID("ethereum")]
	if !net.Equal(dec("-1.202")) {
		t.Errorf("net delta = %s, want -1.202", net)
	}
}

func TestProcessBlockchainFeeNotChargedToRecipient(t *testing.T) {
	p := New(nil)
	inputs := []Input{{
		SourceAddress: "0xuser",
		Normalized: &models.NormalizedRecord{
			ExternalID:    "tx3",
			TxHash:        "0xbeef",
			Timestamp:     1700000000000,
			Status:        models.StatusSuccess,
			From:          "0xsender",
			To:            "0xuser",
			OperationType: "getAddressTransactions",
			Changes:       []models.BalanceChange{nativeChange("ETH", "3")},
			Fees: []models.RecordFee{{
				AssetSymbol: "ETH", Kind: models.AssetKindNative,
				Amount: dec("0.001"), Scope: models.FeeScopeNetwork, PaidBy: "0xsender",
			}},
		},
	}}

	txs, err := p.ProcessBlockchain(context.Background(), "ethereum", "ethereum", inputs)
	if err != nil {
		t.Fatalf("ProcessBlockchain: %v", err)
	}
	if len(txs[0].Fees) != 0 {
		t.Errorf("recipient must not be charged the sender's gas, got %d fees", len(txs[0].Fees))
	}
}

func TestProcessBlockchainGroupsByHash(t *testing.T) {
	resolver := &fakeResolver{meta: map[string]models.TokenMetadata{
		"0xc0ffee": {Chain: "ethereum", ContractAddress: "0xc0ffee", Symbol: "USDC", Decimals: 6},
	}}
	p := New(resolver)
	// one swap observed as a native record and a token record of the same hash
	inputs := []Input{
		{
			SourceAddress: "0xuser",
			Normalized: &models.NormalizedRecord{
				ExternalID:    "native-1",
				TxHash:        "0xswap",
				Timestamp:     1700000000000,
				Status:        models.StatusSuccess,
				From:          "0xuser",
				Method:        "swapExactTokensForETH",
				OperationType: "getAddressTransactions",
				Changes:       []models.BalanceChange{nativeChange("ETH", "-2")},
			},
		},
		{
			SourceAddress: "0xuser",
			Normalized: &models.NormalizedRecord{
				ExternalID:    "token-1",
				TxHash:        "0xswap",
				Timestamp:     1700000000000,
				Status:        models.StatusSuccess,
				OperationType: "getTokenTransactions",
				Changes: []models.BalanceChange{{
					AssetSymbol: "usdc", ContractAddress: "0xC0FFEE",
					Kind: models.AssetKindToken, Amount: dec("4000"),
				}},
			},
		},
	}

	txs, err := p.ProcessBlockchain(context.Background(), "ethereum", "ethereum", inputs)
	if err != nil {
		t.Fatalf("ProcessBlockchain: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("records sharing a hash must collapse into one transaction, got %d", len(txs))
	}
	tx := txs[0]
	if tx.Operation.Category != models.CategoryTrade || tx.Operation.Type != models.OpSwap {
		t.Errorf("operation = %v, want trade/swap", tx.Operation)
	}
	if len(tx.Movements.Inflows) != 1 || len(tx.Movements.Outflows) != 1 {
		t.Fatalf("movements = %d in / %d out, want 1/1", len(tx.Movements.Inflows), len(tx.Movements.Outflows))
	}
	if got := tx.Movements.Inflows[0].AssetID; got != models.TokenAssetID("ethereum", "0xc0ffee") {
		t.Errorf("token asset id = %q", got)
	}
	if got := tx.Movements.Inflows[0].AssetSymbol; got != "USDC" {
		t.Errorf("symbol = %q, want metadata symbol USDC", got)
	}
	if len(resolver.calls) != 1 {
		t.Errorf("metadata must be resolved in one batch call, got %d", len(resolver.calls))
	}
}

func TestProcessBlockchainTokenWithoutContractFailsBatch(t *testing.T) {
	p := New(nil)
	inputs := []Input{{
		SourceAddress: "0xuser",
		Normalized: &models.NormalizedRecord{
			ExternalID:    "tx4",
			TxHash:        "0xbad",
			Timestamp:     1700000000000,
			Status:        models.StatusSuccess,
			OperationType: "getTokenTransactions",
			Changes: []models.BalanceChange{{
				AssetSymbol: "MYSTERY", Kind: models.AssetKindToken, Amount: dec("10"),
			}},
		},
	}}

	_, err := p.ProcessBlockchain(context.Background(), "ethereum", "ethereum", inputs)
	var be *BatchError
	if !errors.As(err, &be) {
		t.Fatalf("expected BatchError, got %v", err)
	}
	if len(be.Failures) != 1 || be.Failures[0].GroupKey != "0xbad" {
		t.Errorf("failures = %+v", be.Failures)
	}
}

func TestProcessBlockchainZeroImpactFiltered(t *testing.T) {
	p := New(nil)
	inputs := []Input{{
		Normalized: &models.NormalizedRecord{
			ExternalID:    "tx5",
			TxHash:        "0xnoop",
			Timestamp:     1700000000000,
			Status:        models.StatusSuccess,
			OperationType: "getAddressTransactions",
			Changes: []models.BalanceChange{
				nativeChange("ETH", "1"),
				nativeChange("ETH", "-1"),
			},
		},
	}}

	txs, err := p.ProcessBlockchain(context.Background(), "ethereum", "ethereum", inputs)
	if err != nil {
		t.Fatalf("ProcessBlockchain: %v", err)
	}
	if len(txs) != 0 {
		t.Errorf("self-cancelling group must be filtered, got %d transactions", len(txs))
	}
}

func TestGroupStatusWorstWins(t *testing.T) {
	cases := []struct {
		name string
		in   []models.TransactionStatus
		want models.TransactionStatus
	}{
		{"all success", []models.TransactionStatus{models.StatusSuccess, models.StatusSuccess}, models.StatusSuccess},
		{"pending beats success", []models.TransactionStatus{models.StatusSuccess, models.StatusPending}, models.StatusPending},
		{"failed beats all", []models.TransactionStatus{models.StatusPending, models.StatusFailed, models.StatusSuccess}, models.StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			group := make([]Input, 0, len(tc.in))
			for _, st := range tc.in {
				group = append(group, Input{Normalized: &models.NormalizedRecord{Status: st}})
			}
			if got := groupStatus(group); got != tc.want {
				t.Errorf("groupStatus = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestScamDetectorFlagsPhishingInflow(t *testing.T) {
	p := New(nil)
	inputs := []Input{{
		Normalized: &models.NormalizedRecord{
			ExternalID:    "tx6",
			TxHash:        "0xspam",
			Timestamp:     1700000000000,
			Status:        models.StatusSuccess,
			OperationType: "getTokenTransactions",
			Changes: []models.BalanceChange{{
				AssetSymbol:     "Visit rewards-eth.xyz",
				ContractAddress: "0xspamcoin",
				Kind:            models.AssetKindToken,
				Amount:          dec("9999"),
			}},
		},
	}}

	txs, err := p.ProcessBlockchain(context.Background(), "ethereum", "ethereum", inputs)
	if err != nil {
		t.Fatalf("ProcessBlockchain: %v", err)
	}
	if !txs[0].HasNote(models.NoteScamToken) {
		t.Error("expected a SCAM_TOKEN note on the unsolicited inflow")
	}
}

func TestScamDetectorIgnoresOutflows(t *testing.T) {
	d := NewScamDetector()
	tx := &models.Transaction{Movements: models.Movements{
		Outflows: []models.AssetMovement{{AssetSymbol: "FREE"}},
	}}
	if notes := d.Inspect(tx, nil, nil); len(notes) != 0 {
		t.Errorf("tokens the user spends are never flagged, got %d notes", len(notes))
	}
}
