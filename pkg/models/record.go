package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// AssetKind tags what a balance change is denominated in.
type AssetKind string

const (
	AssetKindNative AssetKind = "native"
	AssetKindToken  AssetKind = "token"
	AssetKindFiat   AssetKind = "fiat"
)

// BalanceChange is one observed per-address delta inside a normalized record.
// Amount is signed from the address's perspective: credits positive, debits
// negative. Token changes must carry ContractAddress; the processor treats a
// token change without one as a hard error.
type BalanceChange struct {
	Address         string          `json:"address,omitempty"`
	AssetSymbol     string          `json:"assetSymbol"`
	ContractAddress string          `json:"contractAddress,omitempty"`
	Kind            AssetKind       `json:"kind"`
	Amount          decimal.Decimal `json:"amount"`
	Decimals        int             `json:"decimals,omitempty"`
	PossibleSpam    bool            `json:"possibleSpam,omitempty"` // provider-declared spam flag
}

// RecordFee is a fee observation inside a normalized record.
type RecordFee struct {
	AssetSymbol     string          `json:"assetSymbol"`
	ContractAddress string          `json:"contractAddress,omitempty"`
	Kind            AssetKind       `json:"kind"`
	Amount          decimal.Decimal `json:"amount"`
	Scope           FeeScope        `json:"scope"`
	PaidBy          string          `json:"paidBy,omitempty"` // address that settled the fee
}

// NormalizedRecord is the schema-validated form of one provider record.
// Blockchain records arrive one per (hash, operationType) and are regrouped
// by the processor; exchange records arrive one per ledger row.
type NormalizedRecord struct {
	ExternalID    string            `json:"externalId"`
	Timestamp     int64             `json:"timestamp"` // unix milliseconds
	Status        TransactionStatus `json:"status"`
	From          string            `json:"from,omitempty"`
	To            string            `json:"to,omitempty"`
	Changes       []BalanceChange   `json:"changes"`
	Fees          []RecordFee       `json:"fees,omitempty"`
	BlockHeight   int64             `json:"blockHeight,omitempty"`
	TxHash        string            `json:"txHash,omitempty"`
	Method        string            `json:"method,omitempty"`  // instruction or method name, classification input
	OrderID       string            `json:"orderId,omitempty"` // exchange order correlation key
	RowType       string            `json:"rowType,omitempty"` // exchange ledger row type
	Network       string            `json:"network,omitempty"` // exchange-declared chain for on-chain legs
	OperationType string            `json:"operationType"`
}

// ExternalRecord is one fetched transaction as emitted by an importer:
// the provider's raw payload plus its normalized form, under one fingerprint.
type ExternalRecord struct {
	ProviderName        string            `json:"providerName"`
	SourceAddress       string            `json:"sourceAddress,omitempty"`
	ExternalID          string            `json:"externalId"`
	Fingerprint         string            `json:"fingerprint"`
	TransactionTypeHint string            `json:"transactionTypeHint,omitempty"`
	ProviderData        json.RawMessage   `json:"providerData"`
	Normalized          *NormalizedRecord `json:"normalized"`
	ReceivedAt          time.Time         `json:"receivedAt"`
}

// NewExternalRecord stamps the fingerprint from (source, externalID).
func NewExternalRecord(source, providerName, externalID string, raw json.RawMessage, normalized *NormalizedRecord) ExternalRecord {
	return ExternalRecord{
		ProviderName: providerName,
		ExternalID:   externalID,
		Fingerprint:  Fingerprint(source, externalID),
		ProviderData: raw,
		Normalized:   normalized,
		ReceivedAt:   time.Now().UTC(),
	}
}
