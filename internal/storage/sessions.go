package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jbelanger/exitbook-sub013/internal/apperr"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// SessionStore manages import_sessions rows. Cursor checkpoints are
// serialized per (session, operationType) by the single pipeline writer;
// the merge-update here lets multi-operation imports coexist in one map.
type SessionStore struct {
	db *DB
}

func NewSessionStore(db *DB) *SessionStore { return &SessionStore{db: db} }

// Start creates a new session in the started state and returns it.
func (s *SessionStore) Start(ctx context.Context, sourceID string, sourceType models.SourceType, params models.ImportParams) (*models.ImportSession, error) {
	sess := &models.ImportSession{
		ID:         uuid.NewString(),
		SourceID:   sourceID,
		SourceType: sourceType,
		Status:     models.SessionStarted,
		Params:     params,
		Cursors:    map[string]*models.Cursor{},
		StartedAt:  time.Now().UTC(),
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "encode import params", err)
	}
	_, err = s.db.pool.Exec(ctx, `
		INSERT INTO import_sessions (id, source_id, source_type, status, import_params, cursors, started_at)
		VALUES ($1, $2, $3, $4, $5, '{}', $6)`,
		sess.ID, sess.SourceID, string(sess.SourceType), string(sess.Status), paramsJSON, sess.StartedAt)
	if err != nil {
		return nil, dbErr("start session", err)
	}
	return sess, nil
}

// UpdateCursor merge-updates one operation's cursor into the session's map.
func (s *SessionStore) UpdateCursor(ctx context.Context, sessionID, operationType string, cursor *models.Cursor) error {
	cursorJSON, err := json.Marshal(cursor)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode cursor", err)
	}
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE import_sessions
		SET cursors = cursors || jsonb_build_object($2::text, $3::jsonb)
		WHERE id = $1`,
		sessionID, operationType, cursorJSON)
	if err != nil {
		return dbErr("update cursor", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("session %s not found", sessionID)
	}
	return nil
}

// AddCounts accumulates imported/skipped totals onto the session.
func (s *SessionStore) AddCounts(ctx context.Context, sessionID string, imported, skipped int64) error {
	_, err := s.db.pool.Exec(ctx, `
		UPDATE import_sessions
		SET imported_count = imported_count + $2, skipped_count = skipped_count + $3
		WHERE id = $1`,
		sessionID, imported, skipped)
	if err != nil {
		return dbErr("add session counts", err)
	}
	return nil
}

// SetVerificationMetadata stores importer-reported per-address stats.
func (s *SessionStore) SetVerificationMetadata(ctx context.Context, sessionID string, meta map[string]any) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode verification metadata", err)
	}
	if _, err := s.db.pool.Exec(ctx,
		`UPDATE import_sessions SET verification_metadata = $2 WHERE id = $1`,
		sessionID, metaJSON); err != nil {
		return dbErr("set verification metadata", err)
	}
	return nil
}

// Finalize moves a session to a terminal status. Terminal sessions stay
// terminal: a second finalize of an already-terminal session is rejected.
func (s *SessionStore) Finalize(ctx context.Context, sessionID string, status models.SessionStatus, errorMessage string) error {
	if status == models.SessionStarted {
		return apperr.Newf(apperr.InvalidArgs, "finalize requires a terminal status, got %s", status)
	}
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE import_sessions
		SET status = $2, error_message = NULLIF($3, ''), completed_at = NOW()
		WHERE id = $1 AND status = 'started'`,
		sessionID, string(status), errorMessage)
	if err != nil {
		return dbErr("finalize session", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.Newf(apperr.ConflictingState, "session %s is not in started state", sessionID)
	}
	return nil
}

// Get loads one session.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*models.ImportSession, error) {
	rows, err := s.db.pool.Query(ctx, sessionSelect+` WHERE id = $1`, sessionID)
	if err != nil {
		return nil, dbErr("get session", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, notFound("session %s not found", sessionID)
	}
	return scanSession(rows.Scan)
}

// List returns sessions for a source (all sources when sourceID is empty),
// newest first.
func (s *SessionStore) List(ctx context.Context, sourceID string, limit int) ([]*models.ImportSession, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.pool.Query(ctx, sessionSelect+`
		WHERE ($1 = '' OR source_id = $1)
		ORDER BY started_at DESC LIMIT $2`, sourceID, limit)
	if err != nil {
		return nil, dbErr("list sessions", err)
	}
	defer rows.Close()

	out := make([]*models.ImportSession, 0)
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// FindCompletedWithMatchingParams looks for a completed session of the same
// source whose import parameters match exactly, allowing the orchestrator to
// shortcut a full re-import.
func (s *SessionStore) FindCompletedWithMatchingParams(ctx context.Context, sourceID string, sourceType models.SourceType, params models.ImportParams) (*models.ImportSession, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "encode import params", err)
	}
	rows, err := s.db.pool.Query(ctx, sessionSelect+`
		WHERE source_id = $1 AND source_type = $2 AND status = 'completed' AND import_params = $3::jsonb
		ORDER BY started_at DESC LIMIT 1`,
		sourceID, string(sourceType), paramsJSON)
	if err != nil {
		return nil, dbErr("find matching session", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, nil
	}
	return scanSession(rows.Scan)
}

// LatestCursors returns the cursor map of the most recent session for the
// source, terminal or not, so an interrupted run resumes where it stopped.
func (s *SessionStore) LatestCursors(ctx context.Context, sourceID string) (map[string]*models.Cursor, error) {
	var cursorsJSON []byte
	err := s.db.pool.QueryRow(ctx, `
		SELECT cursors FROM import_sessions
		WHERE source_id = $1 ORDER BY started_at DESC LIMIT 1`, sourceID).Scan(&cursorsJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, dbErr("load latest cursors", err)
	}
	cursors := map[string]*models.Cursor{}
	if len(cursorsJSON) > 0 {
		if err := json.Unmarshal(cursorsJSON, &cursors); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "decode cursors", err)
		}
	}
	return cursors, nil
}

const sessionSelect = `
	SELECT id, source_id, source_type, status, import_params, cursors,
	       COALESCE(verification_metadata, 'null'), started_at, completed_at,
	       COALESCE(error_message, ''), imported_count, skipped_count
	FROM import_sessions`

func scanSession(scan func(...any) error) (*models.ImportSession, error) {
	var (
		sess        models.ImportSession
		sourceType  string
		status      string
		paramsJSON  []byte
		cursorsJSON []byte
		verifyJSON  []byte
	)
	if err := scan(&sess.ID, &sess.SourceID, &sourceType, &status, &paramsJSON, &cursorsJSON,
		&verifyJSON, &sess.StartedAt, &sess.CompletedAt, &sess.Error,
		&sess.ImportedCount, &sess.SkippedCount); err != nil {
		return nil, dbErr("scan session", err)
	}
	sess.SourceType = models.SourceType(sourceType)
	sess.Status = models.SessionStatus(status)
	if err := json.Unmarshal(paramsJSON, &sess.Params); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decode import params", err)
	}
	sess.Cursors = map[string]*models.Cursor{}
	if err := json.Unmarshal(cursorsJSON, &sess.Cursors); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decode cursors", err)
	}
	if string(verifyJSON) != "null" {
		_ = json.Unmarshal(verifyJSON, &sess.VerificationMetadata)
	}
	return &sess, nil
}
