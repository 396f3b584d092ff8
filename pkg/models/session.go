package models

import (
	"strconv"
	"time"
)

// SourceType distinguishes how a source is reached.
type SourceType string

const (
	SourceBlockchain  SourceType = "blockchain"
	SourceExchangeCSV SourceType = "exchange-csv"
	SourceExchangeAPI SourceType = "exchange-api"
)

// SessionStatus is the lifecycle state of an import session. Transitions are
// started → {completed, failed, cancelled}; terminal states never change.
type SessionStatus string

const (
	SessionStarted   SessionStatus = "started"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// APICredentials hold exchange API access. Secrets never serialize.
type APICredentials struct {
	APIKey     string `json:"apiKey"`
	APISecret  string `json:"-"`
	Passphrase string `json:"-"`
}

// ImportParams are the caller-supplied inputs of one import run. The set of
// populated fields depends on the source type.
type ImportParams struct {
	Address        string          `json:"address,omitempty"` // plain address or xpub/ypub/zpub
	Addresses      []string        `json:"addresses,omitempty"`
	CSVDirectories []string        `json:"csvDirectories,omitempty"`
	Credentials    *APICredentials `json:"credentials,omitempty"`
	SinceMS        int64           `json:"since,omitempty"`
	UntilMS        int64           `json:"until,omitempty"`
	AddressGap     int             `json:"addressGap,omitempty"` // xpub gap-scan limit, default 20
	ProviderName   string          `json:"providerName,omitempty"`
}

// CursorKind names what the primary cursor value measures.
type CursorKind string

const (
	CursorTimestamp CursorKind = "timestamp"
	CursorBlock     CursorKind = "blockNumber"
	CursorPageToken CursorKind = "pageToken"
	CursorSlot      CursorKind = "slot"
)

// CursorPosition is the primary resume marker. Numeric kinds encode base-10.
type CursorPosition struct {
	Kind  CursorKind `json:"kind"`
	Value string     `json:"value"`
}

// Int64 decodes a numeric cursor value.
func (p CursorPosition) Int64() (int64, error) {
	return strconv.ParseInt(p.Value, 10, 64)
}

// BlockCursor builds a blockNumber position.
func BlockCursor(height int64) CursorPosition {
	return CursorPosition{Kind: CursorBlock, Value: strconv.FormatInt(height, 10)}
}

// TimestampCursor builds a timestamp position (unix milliseconds).
func TimestampCursor(ms int64) CursorPosition {
	return CursorPosition{Kind: CursorTimestamp, Value: strconv.FormatInt(ms, 10)}
}

// Cursor is the resumable position of one (source, operationType) stream.
type Cursor struct {
	Primary           CursorPosition    `json:"primary"`
	LastTransactionID string            `json:"lastTransactionId,omitempty"`
	TotalFetched      int64             `json:"totalFetched"`
	ProviderName      string            `json:"providerName,omitempty"`
	UpdatedAt         time.Time         `json:"updatedAt"`
	IsComplete        bool              `json:"isComplete"`
	Metadata          map[string]string `json:"metadata,omitempty"` // provider-private extras, fileName for CSV
}

// ImportSession is one run of an import with parameters, status and cursors.
type ImportSession struct {
	ID                   string             `json:"id"`
	SourceID             string             `json:"sourceId"`
	SourceType           SourceType         `json:"sourceType"`
	Status               SessionStatus      `json:"status"`
	Params               ImportParams       `json:"importParams"`
	Cursors              map[string]*Cursor `json:"cursors,omitempty"` // keyed by operationType
	VerificationMetadata map[string]any     `json:"verificationMetadata,omitempty"`
	StartedAt            time.Time          `json:"startedAt"`
	CompletedAt          *time.Time         `json:"completedAt,omitempty"`
	Error                string             `json:"error,omitempty"`
	ImportedCount        int64              `json:"importedCount"`
	SkippedCount         int64              `json:"skippedCount"`
}

// IsTerminal reports whether the session reached a final status.
func (s *ImportSession) IsTerminal() bool {
	return s.Status == SessionCompleted || s.Status == SessionFailed || s.Status == SessionCancelled
}
