package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is the settlement state of a transaction at its source.
type TransactionStatus string

const (
	StatusSuccess TransactionStatus = "success"
	StatusFailed  TransactionStatus = "failed"
	StatusPending TransactionStatus = "pending"
)

// OperationCategory is the coarse accounting bucket of a transaction.
type OperationCategory string

const (
	CategoryTrade    OperationCategory = "trade"
	CategoryTransfer OperationCategory = "transfer"
	CategoryStaking  OperationCategory = "staking"
	CategoryFee      OperationCategory = "fee"
	CategoryReward   OperationCategory = "reward"
	CategoryOther    OperationCategory = "other"
)

// OperationType refines the category into the concrete action.
type OperationType string

const (
	OpBuy        OperationType = "buy"
	OpSell       OperationType = "sell"
	OpSwap       OperationType = "swap"
	OpDeposit    OperationType = "deposit"
	OpWithdrawal OperationType = "withdrawal"
	OpTransfer   OperationType = "transfer"
	OpStake      OperationType = "stake"
	OpUnstake    OperationType = "unstake"
	OpReward     OperationType = "reward"
	OpFee        OperationType = "fee"
	OpAirdrop    OperationType = "airdrop"
)

// Operation pairs the accounting category with the concrete action type.
type Operation struct {
	Category OperationCategory `json:"category"`
	Type     OperationType     `json:"type"`
}

// PriceGranularity describes how precisely a price matches the tx timestamp.
type PriceGranularity string

const (
	GranularityExact        PriceGranularity = "exact"
	GranularityInterpolated PriceGranularity = "interpolated"
	GranularityDaily        PriceGranularity = "daily"
)

// Price source markers written by the enrichment stages. Market-stage prices
// use the provider name (possibly suffixed with a stablecoin conversion tag).
const (
	PriceSourceDerivedTrade   = "derived-trade"
	PriceSourceLinkPropagated = "link-propagated"
	PriceSourceManual         = "manual-override"
)

// PriceAtTime is the fiat valuation of one movement at transaction time.
type PriceAtTime struct {
	Price       decimal.Decimal  `json:"price"`
	Currency    string           `json:"currency"` // ISO code, upper-case
	Source      string           `json:"source"`
	Granularity PriceGranularity `json:"granularity"`
	FetchedAt   time.Time        `json:"fetchedAt"`
	FxRateToUSD *decimal.Decimal `json:"fxRateToUsd,omitempty"` // set when converted from a non-USD quote
	FxSource    string           `json:"fxSource,omitempty"`
	FxTimestamp *time.Time       `json:"fxTimestamp,omitempty"`
}

// AssetMovement is one credit or debit of one asset within a transaction.
type AssetMovement struct {
	AssetID       string          `json:"assetId"`
	AssetSymbol   string          `json:"assetSymbol"`
	GrossAmount   decimal.Decimal `json:"grossAmount"`
	NetAmount     decimal.Decimal `json:"netAmount"`
	PriceAtTxTime *PriceAtTime    `json:"priceAtTxTime,omitempty"`
	// FeeShareValue is this movement's slice of an allocated platform fee,
	// in the fee's fiat currency. Set only when the movement had no price at
	// allocation time, so the share could not be folded into PriceAtTxTime.
	FeeShareValue *decimal.Decimal `json:"feeShareValue,omitempty"`
}

// Movements groups a transaction's flows from the user's perspective.
type Movements struct {
	Inflows  []AssetMovement `json:"inflows"`
	Outflows []AssetMovement `json:"outflows"`
}

// FeeScope distinguishes exchange/platform fees from on-chain network fees.
type FeeScope string

const (
	FeeScopePlatform FeeScope = "platform"
	FeeScopeNetwork  FeeScope = "network"
)

// FeeSettlement records whether a fee reduced a tracked balance.
type FeeSettlement string

const (
	FeeSettlementBalance  FeeSettlement = "balance"
	FeeSettlementExternal FeeSettlement = "external"
)

// Fee is one fee charged on a transaction.
type Fee struct {
	AssetID       string          `json:"assetId"`
	AssetSymbol   string          `json:"assetSymbol"`
	Amount        decimal.Decimal `json:"amount"`
	Scope         FeeScope        `json:"scope"`
	Settlement    FeeSettlement   `json:"settlement"`
	PriceAtTxTime *PriceAtTime    `json:"priceAtTxTime,omitempty"`
}

// NoteSeverity grades a processor annotation.
type NoteSeverity string

const (
	SeverityInfo    NoteSeverity = "info"
	SeverityWarning NoteSeverity = "warning"
	SeverityError   NoteSeverity = "error"
)

// Note types attached by the processor.
const (
	NoteScamToken      = "SCAM_TOKEN"
	NoteDust           = "DUST"
	NoteAmbiguousClass = "AMBIGUOUS_CLASSIFICATION"
	NoteFeeOnlyRow     = "FEE_ONLY_ROW"
	NoteFxUnavailable  = "FX_UNAVAILABLE"
	NoteFeeAllocated   = "FEE_ALLOCATED"
)

// Note is a structured processor annotation carried on the transaction.
type Note struct {
	Type     string         `json:"type"`
	Severity NoteSeverity   `json:"severity"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// BlockchainInfo is present on transactions observed on-chain.
type BlockchainInfo struct {
	Name            string `json:"name"`
	BlockHeight     int64  `json:"blockHeight,omitempty"`
	TransactionHash string `json:"transactionHash"`
	IsConfirmed     bool   `json:"isConfirmed"`
}

// Transaction is the canonical accounting-grade transaction produced by the
// processor. Downstream components mutate only movement prices (enrichment)
// and never touch identity or flows.
type Transaction struct {
	ID          int64             `json:"id"`
	Source      string            `json:"source"`
	ExternalID  string            `json:"externalId"`
	Fingerprint string            `json:"fingerprint"`
	Datetime    time.Time         `json:"datetime"`
	Timestamp   int64             `json:"timestamp"` // unix milliseconds
	Status      TransactionStatus `json:"status"`
	From        string            `json:"from,omitempty"` // lower-cased where applicable
	To          string            `json:"to,omitempty"`
	Movements   Movements         `json:"movements"`
	Fees        []Fee             `json:"fees"`
	Operation   Operation         `json:"operation"`
	Blockchain  *BlockchainInfo   `json:"blockchain,omitempty"`
	Notes       []Note            `json:"notes,omitempty"`
}

// HasNote reports whether a note of the given type is attached.
func (t *Transaction) HasNote(noteType string) bool {
	for _, n := range t.Notes {
		if n.Type == noteType {
			return true
		}
	}
	return false
}

// NetByAsset folds inflows minus outflows minus balance-settled fees into a
// per-assetId delta map.
func (t *Transaction) NetByAsset() map[string]decimal.Decimal {
	net := make(map[string]decimal.Decimal)
	for _, m := range t.Movements.Inflows {
		net[m.AssetID] = net[m.AssetID].Add(m.NetAmount)
	}
	for _, m := range t.Movements.Outflows {
		net[m.AssetID] = net[m.AssetID].Sub(m.NetAmount)
	}
	for _, f := range t.Fees {
		if f.Settlement == FeeSettlementBalance {
			net[f.AssetID] = net[f.AssetID].Sub(f.Amount)
		}
	}
	return net
}
