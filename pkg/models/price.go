package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceRecord is one stored market or FX price point in the prices store.
// Timestamp is bucketed to the granularity (midnight UTC for daily).
type PriceRecord struct {
	AssetSymbol string           `json:"assetSymbol"` // upper-case, or ISO code for FX rows
	Currency    string           `json:"currency"`
	Timestamp   time.Time        `json:"timestamp"`
	Price       decimal.Decimal  `json:"price"` // > 0 enforced at write
	Source      string           `json:"source"`
	Granularity PriceGranularity `json:"granularity"`
	FetchedAt   time.Time        `json:"fetchedAt"`
}

// DayBucket truncates a time to midnight UTC, the market-price cache key.
func DayBucket(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// TokenMetadata is the cached identity of a contract-addressed token.
type TokenMetadata struct {
	Chain           string    `json:"chain"`
	ContractAddress string    `json:"contractAddress"` // lower-case
	Symbol          string    `json:"symbol"`
	Name            string    `json:"name,omitempty"`
	Decimals        int       `json:"decimals"`
	PossibleSpam    bool      `json:"possibleSpam"`
	MarketCapRank   int       `json:"marketCapRank,omitempty"`
	Source          string    `json:"source"`
	RefreshedAt     time.Time `json:"refreshedAt"`
}
