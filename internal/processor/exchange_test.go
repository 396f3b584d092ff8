package processor

import (
	"testing"

	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

func ledgerRow(id, orderID, rowType, symbol, amount string, kind models.AssetKind) Input {
	return Input{Normalized: &models.NormalizedRecord{
		ExternalID: id,
		OrderID:    orderID,
		RowType:    rowType,
		Timestamp:  1700000000000,
		Status:     models.StatusSuccess,
		Changes: []models.BalanceChange{{
			AssetSymbol: symbol, Kind: kind, Amount: dec(amount),
		}},
	}}
}

func TestProcessExchangeTradeLegsCollapse(t *testing.T) {
	p := New(nil)
	// a BTC/USD buy split over two ledger rows sharing one refid
	inputs := []Input{
		ledgerRow("L1", "ORD-1", "trade", "USD", "-50000", models.AssetKindFiat),
		ledgerRow("L2", "ORD-1", "trade", "BTC", "1", models.AssetKindToken),
	}

	txs, err := p.ProcessExchange("kraken", inputs)
	if err != nil {
		t.Fatalf("ProcessExchange: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("legs of one order must collapse, got %d transactions", len(txs))
	}
	tx := txs[0]
	if tx.ExternalID != "ORD-1" {
		t.Errorf("external id = %q, want the order id", tx.ExternalID)
	}
	if tx.Operation.Category != models.CategoryTrade || tx.Operation.Type != models.OpSwap {
		t.Errorf("operation = %v, want trade/swap", tx.Operation)
	}
	if len(tx.Movements.Inflows) != 1 || len(tx.Movements.Outflows) != 1 {
		t.Fatalf("movements = %d in / %d out", len(tx.Movements.Inflows), len(tx.Movements.Outflows))
	}
	if got := tx.Movements.Outflows[0].AssetID; got != models.FiatAssetID("USD") {
		t.Errorf("fiat leg asset id = %q", got)
	}
	if got := tx.Movements.Inflows[0].AssetID; got != models.ExchangeAssetID("kraken", "BTC") {
		t.Errorf("crypto leg asset id = %q", got)
	}
}

func TestProcessExchangeFeeDedupAcrossLegs(t *testing.T) {
	p := New(nil)
	withFee := func(in Input) Input {
		in.Normalized.Fees = []models.RecordFee{{
			AssetSymbol: "USD", Kind: models.AssetKindFiat,
			Amount: dec("10"), Scope: models.FeeScopePlatform,
		}}
		return in
	}
	inputs := []Input{
		withFee(ledgerRow("L1", "ORD-2", "trade", "USD", "-1000", models.AssetKindFiat)),
		withFee(ledgerRow("L2", "ORD-2", "trade", "ETH", "0.4", models.AssetKindToken)),
	}

	txs, err := p.ProcessExchange("kraken", inputs)
	if err != nil {
		t.Fatalf("ProcessExchange: %v", err)
	}
	if len(txs[0].Fees) != 1 {
		t.Errorf("identical fee repeated per leg must be charged once, got %d", len(txs[0].Fees))
	}
}

func TestProcessExchangeFeeOnlyRow(t *testing.T) {
	p := New(nil)
	in := ledgerRow("L3", "", "margin", "USD", "-2.5", models.AssetKindFiat)
	in.Normalized.Fees = []models.RecordFee{{
		AssetSymbol: "USD", Kind: models.AssetKindFiat,
		Amount: dec("2.5"), Scope: models.FeeScopePlatform,
	}}

	txs, err := p.ProcessExchange("kraken", []Input{in})
	if err != nil {
		t.Fatalf("ProcessExchange: %v", err)
	}
	tx := txs[0]
	if tx.Operation.Category != models.CategoryFee || tx.Operation.Type != models.OpFee {
		t.Errorf("operation = %v, want fee/fee", tx.Operation)
	}
	if len(tx.Movements.Inflows)+len(tx.Movements.Outflows) != 0 {
		t.Error("fee-only rows keep no movements")
	}
	if !tx.HasNote(models.NoteFeeOnlyRow) {
		t.Error("expected the fee-only annotation")
	}
	// the balance debit survives through the balance-settled fee
	if net := tx.NetByAsset()[models.FiatAssetID("USD")]; !net.Equal(dec("-2.5")) {
		t.Errorf("net delta = %s, want -2.5", net)
	}
}

func TestProcessExchangeRowTypeClassification(t *testing.T) {
	cases := []struct {
		rowType string
		symbol  string
		amount  string
		kind    models.AssetKind
		want    models.Operation
	}{
		{"interest", "DOT", "1.2", models.AssetKindToken, models.Operation{Category: models.CategoryStaking, Type: models.OpReward}},
		{"fiat_deposit", "EUR", "500", models.AssetKindFiat, models.Operation{Category: models.CategoryTransfer, Type: models.OpDeposit}},
		{"withdrawal", "BTC", "-0.1", models.AssetKindToken, models.Operation{Category: models.CategoryTransfer, Type: models.OpWithdrawal}},
		{"airdrop", "JUP", "100", models.AssetKindToken, models.Operation{Category: models.CategoryTransfer, Type: models.OpAirdrop}},
	}
	p := New(nil)
	for _, tc := range cases {
		t.Run(tc.rowType, func(t *testing.T) {
			txs, err := p.ProcessExchange("kraken", []Input{
				ledgerRow("L-"+tc.rowType, "", tc.rowType, tc.symbol, tc.amount, tc.kind),
			})
			if err != nil {
				t.Fatalf("ProcessExchange: %v", err)
			}
			if txs[0].Operation != tc.want {
				t.Errorf("operation = %v, want %v", txs[0].Operation, tc.want)
			}
		})
	}
}

func TestProcessExchangeOnChainLegKeepsHash(t *testing.T) {
	p := New(nil)
	in := ledgerRow("L5", "", "withdrawal", "BTC", "-0.2", models.AssetKindToken)
	in.Normalized.Network = "Bitcoin"
	in.Normalized.TxHash = "deadbeef"

	txs, err := p.ProcessExchange("kraken", []Input{in})
	if err != nil {
		t.Fatalf("ProcessExchange: %v", err)
	}
	bc := txs[0].Blockchain
	if bc == nil || bc.Name != "bitcoin" || bc.TransactionHash != "deadbeef" {
		t.Errorf("blockchain info = %+v", bc)
	}
}
