package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook-sub013/internal/apperr"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// LinkStore persists transaction links. The status machine is enforced in
// SQL: a suggestion never overwrites a confirmed or rejected row, and status
// updates only move suggested rows forward.
type LinkStore struct {
	db *DB
}

func NewLinkStore(db *DB) *LinkStore { return &LinkStore{db: db} }

// UpsertSuggestions inserts matcher output. Rows whose link fingerprint
// already exists keep their stored status; only still-suggested rows take
// the fresh score and criteria. Returns how many rows are new.
func (s *LinkStore) UpsertSuggestions(ctx context.Context, links []models.TransactionLink) (int, error) {
	if len(links) == 0 {
		return 0, nil
	}
	tx, err := s.db.pool.Begin(ctx)
	if err != nil {
		return 0, dbErr("begin link upsert", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	inserted := 0
	for _, l := range links {
		criteriaJSON, err := json.Marshal(l.MatchCriteria)
		if err != nil {
			return 0, apperr.Wrap(apperr.Internal, "encode match criteria", err)
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO transaction_links
				(id, fingerprint, source_tx_id, target_tx_id, source_fp, target_fp, asset_symbol,
				 source_amount, target_amount, link_type, confidence_score, match_criteria, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (fingerprint) DO UPDATE SET
				source_tx_id = EXCLUDED.source_tx_id,
				target_tx_id = EXCLUDED.target_tx_id,
				confidence_score = EXCLUDED.confidence_score,
				match_criteria = EXCLUDED.match_criteria
			WHERE transaction_links.status = 'suggested'`,
			l.ID, l.Fingerprint, l.SourceTransactionID, l.TargetTransactionID,
			l.SourceFingerprint, l.TargetFingerprint, l.AssetSymbol,
			l.SourceAmount.String(), l.TargetAmount.String(), string(l.LinkType),
			l.ConfidenceScore, criteriaJSON, string(l.Status), l.CreatedAt)
		if err != nil {
			return 0, dbErr("upsert link", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, dbErr("commit link upsert", err)
	}
	return inserted, nil
}

// SetStatus reviews a link: suggested → confirmed|rejected. Updating an
// already-terminal link to the same status is a no-op; to a different
// terminal status it is a conflict.
func (s *LinkStore) SetStatus(ctx context.Context, linkID string, status models.LinkStatus, reviewedBy string, at time.Time) error {
	if status != models.LinkConfirmed && status != models.LinkRejected {
		return apperr.Newf(apperr.InvalidArgs, "link status must be confirmed or rejected, got %s", status)
	}
	var current string
	err := s.db.pool.QueryRow(ctx,
		`SELECT status FROM transaction_links WHERE id = $1`, linkID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound("link %s not found", linkID)
		}
		return dbErr("load link status", err)
	}
	if current == string(status) {
		return nil
	}
	if current != string(models.LinkSuggested) {
		return apperr.Newf(apperr.ConflictingState, "link %s is already %s", linkID, current)
	}
	_, err = s.db.pool.Exec(ctx, `
		UPDATE transaction_links SET status = $2, reviewed_by = $3, reviewed_at = $4
		WHERE id = $1 AND status = 'suggested'`,
		linkID, string(status), reviewedBy, at)
	if err != nil {
		return dbErr("set link status", err)
	}
	return nil
}

// SetStatusByFingerprint is SetStatus addressed by the link fingerprint,
// used by override replay. Returns NotFound when the link does not exist in
// the current set.
func (s *LinkStore) SetStatusByFingerprint(ctx context.Context, fingerprint string, status models.LinkStatus, reviewedBy string, at time.Time) error {
	var id string
	err := s.db.pool.QueryRow(ctx,
		`SELECT id FROM transaction_links WHERE fingerprint = $1`, fingerprint).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound("link with fingerprint %s not found", fingerprint)
		}
		return dbErr("lookup link by fingerprint", err)
	}
	return s.SetStatus(ctx, id, status, reviewedBy, at)
}

// ApplyReview sets a link's status by fingerprint on behalf of the override
// replay. Unlike SetStatus it moves between terminal states: the override
// log is the authoritative record of the user's latest decision. Returns
// NotFound when the link is absent from the current set.
func (s *LinkStore) ApplyReview(ctx context.Context, fingerprint string, status models.LinkStatus, reviewedBy string, at time.Time) error {
	if status != models.LinkConfirmed && status != models.LinkRejected {
		return apperr.Newf(apperr.InvalidArgs, "link status must be confirmed or rejected, got %s", status)
	}
	tag, err := s.db.pool.Exec(ctx, `
		UPDATE transaction_links SET status = $2, reviewed_by = $3, reviewed_at = $4
		WHERE fingerprint = $1 AND status != $2`,
		fingerprint, string(status), reviewedBy, at)
	if err != nil {
		return dbErr("apply link review", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.db.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM transaction_links WHERE fingerprint = $1)`, fingerprint).Scan(&exists); err != nil {
			return dbErr("check link existence", err)
		}
		if !exists {
			return notFound("link with fingerprint %s not found", fingerprint)
		}
	}
	return nil
}

// ByID loads one link.
func (s *LinkStore) ByID(ctx context.Context, linkID string) (*models.TransactionLink, error) {
	rows, err := s.db.pool.Query(ctx, linkSelect+` WHERE id = $1`, linkID)
	if err != nil {
		return nil, dbErr("load link", err)
	}
	defer rows.Close()
	links, err := collectLinks(rows)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, notFound("link %s not found", linkID)
	}
	return &links[0], nil
}

// LinkFilter narrows link listings.
type LinkFilter struct {
	Status        string
	MinConfidence float64
	MaxConfidence float64
	Limit         int
}

// List loads links newest first.
func (s *LinkStore) List(ctx context.Context, f LinkFilter) ([]models.TransactionLink, error) {
	limit := f.Limit
	if limit <= 0 || limit > 10000 {
		limit = 100
	}
	maxConf := f.MaxConfidence
	if maxConf == 0 {
		maxConf = 1.0
	}
	rows, err := s.db.pool.Query(ctx, linkSelect+`
		WHERE ($1 = '' OR status = $1)
		  AND confidence_score >= $2 AND confidence_score <= $3
		ORDER BY created_at DESC LIMIT $4`,
		f.Status, f.MinConfidence, maxConf, limit)
	if err != nil {
		return nil, dbErr("list links", err)
	}
	defer rows.Close()
	return collectLinks(rows)
}

// ByStatus loads every link in one status, oldest first. Used by the price
// propagation stage (confirmed) and the matcher (all, to respect terminals).
func (s *LinkStore) ByStatus(ctx context.Context, status models.LinkStatus) ([]models.TransactionLink, error) {
	rows, err := s.db.pool.Query(ctx, linkSelect+` WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, dbErr("load links by status", err)
	}
	defer rows.Close()
	return collectLinks(rows)
}

// All loads every link.
func (s *LinkStore) All(ctx context.Context) ([]models.TransactionLink, error) {
	rows, err := s.db.pool.Query(ctx, linkSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, dbErr("load links", err)
	}
	defer rows.Close()
	return collectLinks(rows)
}

const linkSelect = `
	SELECT id, fingerprint, source_tx_id, target_tx_id, source_fp, target_fp, asset_symbol,
	       source_amount, target_amount, link_type, confidence_score, match_criteria,
	       status, COALESCE(reviewed_by, ''), reviewed_at, created_at
	FROM transaction_links`

func collectLinks(rows pgx.Rows) ([]models.TransactionLink, error) {
	out := make([]models.TransactionLink, 0)
	for rows.Next() {
		var (
			l            models.TransactionLink
			srcAmt       string
			tgtAmt       string
			linkType     string
			status       string
			criteriaJSON []byte
		)
		if err := rows.Scan(&l.ID, &l.Fingerprint, &l.SourceTransactionID, &l.TargetTransactionID,
			&l.SourceFingerprint, &l.TargetFingerprint, &l.AssetSymbol,
			&srcAmt, &tgtAmt, &linkType, &l.ConfidenceScore, &criteriaJSON,
			&status, &l.ReviewedBy, &l.ReviewedAt, &l.CreatedAt); err != nil {
			return nil, dbErr("scan link", err)
		}
		var err error
		if l.SourceAmount, err = decimal.NewFromString(srcAmt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "decode source amount", err)
		}
		if l.TargetAmount, err = decimal.NewFromString(tgtAmt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "decode target amount", err)
		}
		if err := json.Unmarshal(criteriaJSON, &l.MatchCriteria); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "decode match criteria", err)
		}
		l.LinkType = models.LinkType(linkType)
		l.Status = models.LinkStatus(status)
		out = append(out, l)
	}
	return out, rows.Err()
}
