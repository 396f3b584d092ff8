package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LinkStatus is the review state of a transaction link. suggested may move to
// confirmed or rejected; both are terminal.
type LinkStatus string

const (
	LinkSuggested LinkStatus = "suggested"
	LinkConfirmed LinkStatus = "confirmed"
	LinkRejected  LinkStatus = "rejected"
)

// LinkType names what kind of cross-source relation a link asserts.
type LinkType string

// LinkCryptoTransfer pairs a withdrawal on one source with the matching
// deposit on another.
const LinkCryptoTransfer LinkType = "crypto_transfer"

// MatchCriteria records the signals behind a link's confidence score.
type MatchCriteria struct {
	AssetMatch       string          `json:"assetMatch"` // exact or normalized
	AmountSimilarity float64         `json:"amountSimilarity"`
	TimingFactor     float64         `json:"timingFactor"`
	GapHours         float64         `json:"gapHours"`
	AmountDelta      decimal.Decimal `json:"amountDelta"` // sourceAmount - targetAmount
}

// TransactionLink asserts that the user's outflow on the source transaction
// became the inflow on the target transaction. Direction follows time;
// sourceAmount >= targetAmount (transfer fees only lose value).
type TransactionLink struct {
	ID                  string          `json:"id"`
	Fingerprint         string          `json:"fingerprint"` // order-independent link fingerprint
	SourceTransactionID int64           `json:"sourceTransactionId"`
	TargetTransactionID int64           `json:"targetTransactionId"`
	SourceFingerprint   string          `json:"sourceFingerprint"`
	TargetFingerprint   string          `json:"targetFingerprint"`
	AssetSymbol         string          `json:"assetSymbol"`
	SourceAmount        decimal.Decimal `json:"sourceAmount"`
	TargetAmount        decimal.Decimal `json:"targetAmount"`
	LinkType            LinkType        `json:"linkType"`
	ConfidenceScore     float64         `json:"confidenceScore"`
	MatchCriteria       MatchCriteria   `json:"matchCriteria"`
	Status              LinkStatus      `json:"status"`
	ReviewedBy          string          `json:"reviewedBy,omitempty"`
	ReviewedAt          *time.Time      `json:"reviewedAt,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
}

// IsTerminal reports whether the link's status can no longer change.
func (l *TransactionLink) IsTerminal() bool {
	return l.Status == LinkConfirmed || l.Status == LinkRejected
}

// AssetGap is one asset's unmatched flows in the gap report.
type AssetGap struct {
	AssetSymbol       string          `json:"assetSymbol"`
	UncoveredInflows  int             `json:"uncoveredInflows"`
	UnmatchedOutflows int             `json:"unmatchedOutflows"`
	InflowAmount      decimal.Decimal `json:"inflowAmount"`
	OutflowAmount     decimal.Decimal `json:"outflowAmount"`
}

// GapReport is the read-only view of flows no link accounts for.
type GapReport struct {
	GeneratedAt time.Time  `json:"generatedAt"`
	Assets      []AssetGap `json:"assets"`
}
