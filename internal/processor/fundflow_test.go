package processor

import (
	"testing"

	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

func pricedInflow(assetID, symbol, amount, price string) models.AssetMovement {
	return models.AssetMovement{
		AssetID:     assetID,
		AssetSymbol: symbol,
		GrossAmount: dec(amount),
		NetAmount:   dec(amount),
		PriceAtTxTime: &models.PriceAtTime{
			Price:    dec(price),
			Currency: "USD",
			Source:   "derived-trade",
		},
	}
}

func TestAllocatePlatformFeeByValueWeight(t *testing.T) {
	// a $100,000 purchase of 1 BTC + 20 ETH with a single $100 platform fee:
	// each side carries $50,000 of value, so each absorbs $50 of the fee
	tx := &models.Transaction{
		Movements: models.Movements{Inflows: []models.AssetMovement{
			pricedInflow(models.ExchangeAssetID("kraken", "BTC"), "BTC", "1", "50000"),
			pricedInflow(models.ExchangeAssetID("kraken", "ETH"), "ETH", "20", "2500"),
		}},
		Fees: []models.Fee{{
			AssetID:     models.FiatAssetID("USD"),
			AssetSymbol: "USD",
			Amount:      dec("100"),
			Scope:       models.FeeScopePlatform,
			Settlement:  models.FeeSettlementBalance,
		}},
	}

	AllocatePlatformFee(tx)

	if got := tx.Movements.Inflows[0].PriceAtTxTime.Price; !got.Equal(dec("50050")) {
		t.Errorf("BTC basis = %s, want 50050", got)
	}
	if got := tx.Movements.Inflows[1].PriceAtTxTime.Price; !got.Equal(dec("2502.5")) {
		t.Errorf("ETH basis = %s, want 2502.5", got)
	}
	if !tx.HasNote(models.NoteFeeAllocated) {
		t.Error("allocation must be recorded on the transaction")
	}
}

func TestAllocatePlatformFeeIdempotent(t *testing.T) {
	tx := &models.Transaction{
		Movements: models.Movements{Inflows: []models.AssetMovement{
			pricedInflow(models.ExchangeAssetID("kraken", "BTC"), "BTC", "1", "50000"),
			pricedInflow(models.ExchangeAssetID("kraken", "ETH"), "ETH", "20", "2500"),
		}},
		Fees: []models.Fee{{
			AssetID:    models.FiatAssetID("USD"),
			Amount:     dec("100"),
			Scope:      models.FeeScopePlatform,
			Settlement: models.FeeSettlementBalance,
		}},
	}

	AllocatePlatformFee(tx)
	first := tx.Movements.Inflows[0].PriceAtTxTime.Price
	AllocatePlatformFee(tx)
	if got := tx.Movements.Inflows[0].PriceAtTxTime.Price; !got.Equal(first) {
		t.Errorf("second allocation changed the price: %s -> %s", first, got)
	}
}

func unpricedInflow(assetID, symbol, amount string) models.AssetMovement {
	return models.AssetMovement{
		AssetID:     assetID,
		AssetSymbol: symbol,
		GrossAmount: dec(amount),
		NetAmount:   dec(amount),
	}
}

func TestAllocatePlatformFeeByAssetCountWhenUnpriced(t *testing.T) {
	// no inflow carries a price yet, so a $75 fee splits equally: $37.50
	// recorded against each asset for the lot engine to fold in later
	tx := &models.Transaction{
		Movements: models.Movements{Inflows: []models.AssetMovement{
			unpricedInflow(models.ExchangeAssetID("kraken", "BTC"), "BTC", "1"),
			unpricedInflow(models.ExchangeAssetID("kraken", "ETH"), "ETH", "10"),
		}},
		Fees: []models.Fee{{
			AssetID:    models.FiatAssetID("USD"),
			Amount:     dec("75"),
			Scope:      models.FeeScopePlatform,
			Settlement: models.FeeSettlementBalance,
		}},
	}

	AllocatePlatformFee(tx)

	for i, symbol := range []string{"BTC", "ETH"} {
		m := tx.Movements.Inflows[i]
		if m.FeeShareValue == nil {
			t.Fatalf("%s inflow carries no fee share", symbol)
		}
		if !m.FeeShareValue.Equal(dec("37.5")) {
			t.Errorf("%s fee share = %s, want 37.5", symbol, m.FeeShareValue)
		}
		if m.PriceAtTxTime != nil {
			t.Errorf("%s must stay unpriced, got %s", symbol, m.PriceAtTxTime.Price)
		}
	}
	if !tx.HasNote(models.NoteFeeAllocated) {
		t.Error("allocation must be recorded on the transaction")
	}
}

func TestAllocatePlatformFeeEqualSplitPartiallyPriced(t *testing.T) {
	// mixed pricing falls back to the equal split: the priced inflow folds
	// its half into the basis, the unpriced one records the share
	tx := &models.Transaction{
		Movements: models.Movements{Inflows: []models.AssetMovement{
			pricedInflow(models.ExchangeAssetID("kraken", "BTC"), "BTC", "1", "50000"),
			unpricedInflow(models.ExchangeAssetID("kraken", "ETH"), "ETH", "20"),
		}},
		Fees: []models.Fee{{
			AssetID:    models.FiatAssetID("USD"),
			Amount:     dec("100"),
			Scope:      models.FeeScopePlatform,
			Settlement: models.FeeSettlementBalance,
		}},
	}

	AllocatePlatformFee(tx)

	if got := tx.Movements.Inflows[0].PriceAtTxTime.Price; !got.Equal(dec("50050")) {
		t.Errorf("BTC basis = %s, want 50050", got)
	}
	if tx.Movements.Inflows[0].FeeShareValue != nil {
		t.Error("priced inflow folds the share into its basis, not FeeShareValue")
	}
	eth := tx.Movements.Inflows[1]
	if eth.FeeShareValue == nil || !eth.FeeShareValue.Equal(dec("50")) {
		t.Errorf("ETH fee share = %v, want 50", eth.FeeShareValue)
	}
	if !tx.HasNote(models.NoteFeeAllocated) {
		t.Error("allocation must be recorded on the transaction")
	}

	// the note blocks a second pass once prices arrive later
	tx.Movements.Inflows[1].PriceAtTxTime = &models.PriceAtTime{Price: dec("2500"), Currency: "USD", Source: "coingecko"}
	AllocatePlatformFee(tx)
	if got := tx.Movements.Inflows[0].PriceAtTxTime.Price; !got.Equal(dec("50050")) {
		t.Errorf("re-run changed the BTC basis: %s", got)
	}
}

func TestAllocatePlatformFeeSingleInflowUntouched(t *testing.T) {
	tx := &models.Transaction{
		Movements: models.Movements{Inflows: []models.AssetMovement{
			pricedInflow(models.ExchangeAssetID("kraken", "BTC"), "BTC", "1", "50000"),
		}},
		Fees: []models.Fee{{
			AssetID:    models.FiatAssetID("USD"),
			Amount:     dec("100"),
			Scope:      models.FeeScopePlatform,
			Settlement: models.FeeSettlementBalance,
		}},
	}
	AllocatePlatformFee(tx)
	if got := tx.Movements.Inflows[0].PriceAtTxTime.Price; !got.Equal(dec("50000")) {
		t.Errorf("single-inflow fees stay separate, price = %s", got)
	}
}
