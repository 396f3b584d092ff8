package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestAssetIDConstruction(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"native", NativeAssetID("Ethereum"), "blockchain:ethereum:native"},
		{"token lowercases contract", TokenAssetID("ethereum", "0xA0b86991C6218b36c1d19D4a2e9Eb0cE3606eB48"), "blockchain:ethereum:0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"},
		{"secondary native by symbol", TokenAssetID("vechain", "VTHO"), "blockchain:vechain:vtho"},
		{"exchange", ExchangeAssetID("Kraken", "BTC"), "exchange:kraken:btc"},
		{"fiat", FiatAssetID("EUR"), "fiat:eur"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestSplitAssetID(t *testing.T) {
	ns, scope, ref, err := SplitAssetID("blockchain:bitcoin:native")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ns != "blockchain" || scope != "bitcoin" || ref != "native" {
		t.Errorf("got (%s,%s,%s)", ns, scope, ref)
	}

	ns, scope, ref, err = SplitAssetID("fiat:usd")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ns != "fiat" || scope != "usd" || ref != "" {
		t.Errorf("got (%s,%s,%s)", ns, scope, ref)
	}

	if _, _, _, err := SplitAssetID("bitcoin"); err == nil {
		t.Error("malformed id accepted")
	}
}

func TestAssetIDPredicates(t *testing.T) {
	if !IsFiatAssetID("fiat:usd") || IsFiatAssetID("blockchain:bitcoin:native") {
		t.Error("IsFiatAssetID misclassifies")
	}
	if !IsNativeAssetID("blockchain:bitcoin:native") || IsNativeAssetID("blockchain:ethereum:0xdead") {
		t.Error("IsNativeAssetID misclassifies")
	}
}

func TestNetByAsset(t *testing.T) {
	btc := NativeAssetID("bitcoin")
	tx := Transaction{
		Movements: Movements{
			Inflows:  []AssetMovement{{AssetID: btc, NetAmount: decimal.RequireFromString("1.5")}},
			Outflows: []AssetMovement{{AssetID: btc, NetAmount: decimal.RequireFromString("0.5")}},
		},
		Fees: []Fee{
			{AssetID: btc, Amount: decimal.RequireFromString("0.0001"), Settlement: FeeSettlementBalance},
			{AssetID: btc, Amount: decimal.RequireFromString("9.9"), Settlement: FeeSettlementExternal},
		},
	}
	net := tx.NetByAsset()
	want := decimal.RequireFromString("0.9999")
	if !net[btc].Equal(want) {
		t.Errorf("net = %s, want %s (external fees must not settle against balance)", net[btc], want)
	}
}
