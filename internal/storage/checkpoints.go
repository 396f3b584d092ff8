package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/jbelanger/exitbook-sub013/internal/apperr"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// CheckpointStore persists watch-mode cursors in subscription_checkpoints so
// a restarted watcher resumes from its last durable position instead of
// replaying the whole history.
type CheckpointStore struct {
	db *DB
}

func NewCheckpointStore(db *DB) *CheckpointStore { return &CheckpointStore{db: db} }

// Save upserts the cursor for one (source, operationType).
func (s *CheckpointStore) Save(ctx context.Context, sourceID, operationType string, cursor *models.Cursor) error {
	cursorJSON, err := json.Marshal(cursor)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode checkpoint cursor", err)
	}
	_, err = s.db.pool.Exec(ctx, `
		INSERT INTO subscription_checkpoints (source_id, operation_type, cursor, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (source_id, operation_type) DO UPDATE SET
			cursor = EXCLUDED.cursor, updated_at = NOW()`,
		sourceID, operationType, cursorJSON)
	if err != nil {
		return dbErr("save checkpoint", err)
	}
	return nil
}

// Load returns the stored cursor, or nil when none exists yet.
func (s *CheckpointStore) Load(ctx context.Context, sourceID, operationType string) (*models.Cursor, error) {
	var cursorJSON []byte
	err := s.db.pool.QueryRow(ctx, `
		SELECT cursor FROM subscription_checkpoints
		WHERE source_id = $1 AND operation_type = $2`,
		sourceID, operationType).Scan(&cursorJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, dbErr("load checkpoint", err)
	}
	var cursor models.Cursor
	if err := json.Unmarshal(cursorJSON, &cursor); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decode checkpoint cursor", err)
	}
	return &cursor, nil
}
