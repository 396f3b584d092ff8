package storage

import (
	"context"
	"encoding/json"

	"github.com/jbelanger/exitbook-sub013/internal/apperr"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// IngestStore is the append-only home of raw + normalized records. Raw rows
// are never updated after insert; a duplicate fingerprint keeps the existing
// row, which makes SaveBatch idempotent across re-imports and retries.
type IngestStore struct {
	db *DB
}

func NewIngestStore(db *DB) *IngestStore { return &IngestStore{db: db} }

// SaveBatch inserts one batch atomically and reports how many rows were new.
func (s *IngestStore) SaveBatch(ctx context.Context, sessionID, sourceID string, records []models.ExternalRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.db.pool.Begin(ctx)
	if err != nil {
		return 0, dbErr("begin save batch", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted := 0
	for _, rec := range records {
		normJSON, err := json.Marshal(rec.Normalized)
		if err != nil {
			return 0, apperr.Wrap(apperr.Internal, "encode normalized record", err)
		}
		raw := rec.ProviderData
		if len(raw) == 0 {
			raw = []byte("{}")
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO external_transactions
				(session_id, source_id, provider_name, source_address, external_id, fingerprint, type_hint, raw_payload, normalized, received_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, NULLIF($7, ''), $8, $9, $10)
			ON CONFLICT (fingerprint) DO NOTHING`,
			sessionID, sourceID, rec.ProviderName, rec.SourceAddress, rec.ExternalID,
			rec.Fingerprint, rec.TransactionTypeHint, raw, normJSON, rec.ReceivedAt)
		if err != nil {
			return 0, dbErr("insert external transaction", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, dbErr("commit save batch", err)
	}
	return inserted, nil
}

// MarkAsProcessed flags records as consumed by the processor. Idempotent.
func (s *IngestStore) MarkAsProcessed(ctx context.Context, sourceID string, fingerprints []string) error {
	if len(fingerprints) == 0 {
		return nil
	}
	_, err := s.db.pool.Exec(ctx, `
		UPDATE external_transactions SET processed = TRUE
		WHERE source_id = $1 AND fingerprint = ANY($2)`,
		sourceID, fingerprints)
	if err != nil {
		return dbErr("mark processed", err)
	}
	return nil
}

// LoadFilter narrows a normalized-record load.
type LoadFilter struct {
	SourceID      string
	ProviderName  string
	OnlyPending   bool // processed = false
	OperationType string
	Limit         int
}

// StoredRecord is one loaded row: the normalized form plus envelope fields
// the processor needs.
type StoredRecord struct {
	Fingerprint   string
	SourceID      string
	ProviderName  string
	SourceAddress string
	TypeHint      string
	Normalized    *models.NormalizedRecord
}

// Load returns normalized records matching the filter, oldest first.
func (s *IngestStore) Load(ctx context.Context, f LoadFilter) ([]StoredRecord, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100000 {
		limit = 100000
	}
	rows, err := s.db.pool.Query(ctx, `
		SELECT fingerprint, source_id, provider_name, COALESCE(source_address, ''), COALESCE(type_hint, ''), normalized
		FROM external_transactions
		WHERE ($1 = '' OR source_id = $1)
		  AND ($2 = '' OR provider_name = $2)
		  AND (NOT $3 OR processed = FALSE)
		  AND ($4 = '' OR normalized->>'operationType' = $4)
		ORDER BY id LIMIT $5`,
		f.SourceID, f.ProviderName, f.OnlyPending, f.OperationType, limit)
	if err != nil {
		return nil, dbErr("load normalized records", err)
	}
	defer rows.Close()

	out := make([]StoredRecord, 0)
	for rows.Next() {
		var rec StoredRecord
		var normJSON []byte
		if err := rows.Scan(&rec.Fingerprint, &rec.SourceID, &rec.ProviderName, &rec.SourceAddress, &rec.TypeHint, &normJSON); err != nil {
			return nil, dbErr("scan external transaction", err)
		}
		if len(normJSON) > 0 && string(normJSON) != "null" {
			rec.Normalized = &models.NormalizedRecord{}
			if err := json.Unmarshal(normJSON, rec.Normalized); err != nil {
				return nil, apperr.Wrap(apperr.Internal, "decode normalized record", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
