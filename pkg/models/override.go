package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OverrideScope names the kind of user decision an override records.
type OverrideScope string

const (
	OverrideLink   OverrideScope = "link"   // confirm a suggested link
	OverrideUnlink OverrideScope = "unlink" // reject a link
	OverridePrice  OverrideScope = "price"  // set a manual movement price
)

// MovementSide addresses one side of a transaction's movements.
type MovementSide string

const (
	SideInflow  MovementSide = "inflow"
	SideOutflow MovementSide = "outflow"
)

// OverridePayload carries the decision's target, always by fingerprint so the
// decision survives re-ingestion. Link scopes use the two endpoint
// fingerprints plus asset; price scope uses one fingerprint plus movement
// coordinates.
type OverridePayload struct {
	SourceFingerprint string           `json:"sourceFingerprint,omitempty"`
	TargetFingerprint string           `json:"targetFingerprint,omitempty"`
	AssetSymbol       string           `json:"assetSymbol,omitempty"`
	Fingerprint       string           `json:"fingerprint,omitempty"` // price target transaction
	Side              MovementSide     `json:"side,omitempty"`
	AssetID           string           `json:"assetId,omitempty"` // price target movement
	Price             *decimal.Decimal `json:"price,omitempty"`
	Currency          string           `json:"currency,omitempty"`
}

// OverrideEvent is one append-only user decision. Events replay in createdAt
// order, ties broken by id, and replaying an event twice is a no-op.
type OverrideEvent struct {
	ID        string          `json:"id"`
	Actor     string          `json:"actor"`
	CreatedAt time.Time       `json:"createdAt"`
	Scope     OverrideScope   `json:"scope"`
	Payload   OverridePayload `json:"payload"`
}
