package storage

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/jbelanger/exitbook-sub013/internal/apperr"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// TransactionStore persists canonical transactions. The JSONB columns are
// the source of truth; transaction_movements is a flat projection kept in
// step for missing-price queries and link-candidate search.
type TransactionStore struct {
	db *DB
}

func NewTransactionStore(db *DB) *TransactionStore { return &TransactionStore{db: db} }

// SaveAll upserts transactions by fingerprint. Re-processing a source
// overwrites flows and classification but keeps the row id stable, so links
// referencing it stay valid. Returns the stored transactions with ids set.
func (s *TransactionStore) SaveAll(ctx context.Context, txs []models.Transaction) ([]models.Transaction, error) {
	if len(txs) == 0 {
		return nil, nil
	}
	tx, err := s.db.pool.Begin(ctx)
	if err != nil {
		return nil, dbErr("begin save transactions", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	out := make([]models.Transaction, 0, len(txs))
	for _, t := range txs {
		movJSON, feesJSON, notesJSON, chainJSON, err := encodeTx(&t)
		if err != nil {
			return nil, err
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO transactions
				(source_id, external_id, fingerprint, datetime, timestamp_ms, status,
				 from_address, to_address, movements, fees, op_category, op_type, blockchain, notes)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11, $12, $13, $14)
			ON CONFLICT (fingerprint) DO UPDATE SET
				datetime = EXCLUDED.datetime,
				timestamp_ms = EXCLUDED.timestamp_ms,
				status = EXCLUDED.status,
				from_address = EXCLUDED.from_address,
				to_address = EXCLUDED.to_address,
				movements = EXCLUDED.movements,
				fees = EXCLUDED.fees,
				op_category = EXCLUDED.op_category,
				op_type = EXCLUDED.op_type,
				blockchain = EXCLUDED.blockchain,
				notes = EXCLUDED.notes,
				updated_at = NOW()
			RETURNING id`,
			t.Source, t.ExternalID, t.Fingerprint, t.Datetime, t.Timestamp, string(t.Status),
			t.From, t.To, movJSON, feesJSON, string(t.Operation.Category), string(t.Operation.Type),
			chainJSON, notesJSON).Scan(&t.ID)
		if err != nil {
			return nil, dbErr("upsert transaction", err)
		}
		if err := projectMovements(ctx, tx, &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, dbErr("commit save transactions", err)
	}
	return out, nil
}

// UpdateEnrichment writes back a transaction's movements and fees after a
// pricing stage mutated them. Identity and classification are untouched.
func (s *TransactionStore) UpdateEnrichment(ctx context.Context, t *models.Transaction) error {
	movJSON, feesJSON, notesJSON, _, err := encodeTx(t)
	if err != nil {
		return err
	}
	tx, err := s.db.pool.Begin(ctx)
	if err != nil {
		return dbErr("begin enrichment update", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE transactions SET movements = $2, fees = $3, notes = $4, updated_at = NOW()
		WHERE id = $1`, t.ID, movJSON, feesJSON, notesJSON)
	if err != nil {
		return dbErr("update enrichment", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("transaction %d not found", t.ID)
	}
	if err := projectMovements(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// TxFilter narrows transaction loads.
type TxFilter struct {
	SourceID string
	Category string
	SinceMS  int64
	UntilMS  int64
	Limit    int
}

// List loads transactions matching the filter, oldest first.
func (s *TransactionStore) List(ctx context.Context, f TxFilter) ([]models.Transaction, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100000 {
		limit = 100000
	}
	rows, err := s.db.pool.Query(ctx, txSelect+`
		WHERE ($1 = '' OR source_id = $1)
		  AND ($2 = '' OR op_category = $2)
		  AND ($3 = 0 OR timestamp_ms >= $3)
		  AND ($4 = 0 OR timestamp_ms <= $4)
		ORDER BY timestamp_ms, id LIMIT $5`,
		f.SourceID, f.Category, f.SinceMS, f.UntilMS, limit)
	if err != nil {
		return nil, dbErr("list transactions", err)
	}
	defer rows.Close()
	return collectTxs(rows)
}

// ByFingerprints loads the transactions carrying the given fingerprints.
func (s *TransactionStore) ByFingerprints(ctx context.Context, fps []string) ([]models.Transaction, error) {
	if len(fps) == 0 {
		return nil, nil
	}
	rows, err := s.db.pool.Query(ctx, txSelect+` WHERE fingerprint = ANY($1)`, fps)
	if err != nil {
		return nil, dbErr("load transactions by fingerprint", err)
	}
	defer rows.Close()
	return collectTxs(rows)
}

// ByID loads one transaction.
func (s *TransactionStore) ByID(ctx context.Context, id int64) (*models.Transaction, error) {
	rows, err := s.db.pool.Query(ctx, txSelect+` WHERE id = $1`, id)
	if err != nil {
		return nil, dbErr("load transaction", err)
	}
	defer rows.Close()
	txs, err := collectTxs(rows)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, notFound("transaction %d not found", id)
	}
	return &txs[0], nil
}

const txSelect = `
	SELECT id, source_id, external_id, fingerprint, datetime, timestamp_ms, status,
	       COALESCE(from_address, ''), COALESCE(to_address, ''),
	       movements, fees, op_category, op_type, blockchain, notes
	FROM transactions`

func collectTxs(rows pgx.Rows) ([]models.Transaction, error) {
	out := make([]models.Transaction, 0)
	for rows.Next() {
		var (
			t          models.Transaction
			status     string
			category   string
			opType     string
			movJSON    []byte
			feesJSON   []byte
			chainJSON  []byte
			notesJSON  []byte
		)
		if err := rows.Scan(&t.ID, &t.Source, &t.ExternalID, &t.Fingerprint, &t.Datetime,
			&t.Timestamp, &status, &t.From, &t.To, &movJSON, &feesJSON,
			&category, &opType, &chainJSON, &notesJSON); err != nil {
			return nil, dbErr("scan transaction", err)
		}
		t.Status = models.TransactionStatus(status)
		t.Operation = models.Operation{Category: models.OperationCategory(category), Type: models.OperationType(opType)}
		if err := json.Unmarshal(movJSON, &t.Movements); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "decode movements", err)
		}
		if err := json.Unmarshal(feesJSON, &t.Fees); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "decode fees", err)
		}
		if len(chainJSON) > 0 && string(chainJSON) != "null" {
			t.Blockchain = &models.BlockchainInfo{}
			if err := json.Unmarshal(chainJSON, t.Blockchain); err != nil {
				return nil, apperr.Wrap(apperr.Internal, "decode blockchain info", err)
			}
		}
		if err := json.Unmarshal(notesJSON, &t.Notes); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "decode notes", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func encodeTx(t *models.Transaction) (mov, fees, notes, chain []byte, err error) {
	if mov, err = json.Marshal(t.Movements); err != nil {
		return nil, nil, nil, nil, apperr.Wrap(apperr.Internal, "encode movements", err)
	}
	if t.Fees == nil {
		t.Fees = []models.Fee{}
	}
	if fees, err = json.Marshal(t.Fees); err != nil {
		return nil, nil, nil, nil, apperr.Wrap(apperr.Internal, "encode fees", err)
	}
	if t.Notes == nil {
		notes = []byte("[]")
	} else if notes, err = json.Marshal(t.Notes); err != nil {
		return nil, nil, nil, nil, apperr.Wrap(apperr.Internal, "encode notes", err)
	}
	if t.Blockchain != nil {
		if chain, err = json.Marshal(t.Blockchain); err != nil {
			return nil, nil, nil, nil, apperr.Wrap(apperr.Internal, "encode blockchain info", err)
		}
	}
	return mov, fees, notes, chain, nil
}

func projectMovements(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	if _, err := tx.Exec(ctx, `DELETE FROM transaction_movements WHERE transaction_id = $1`, t.ID); err != nil {
		return dbErr("clear movement projection", err)
	}
	insert := func(direction string, list []models.AssetMovement) error {
		for i, m := range list {
			priced := m.PriceAtTxTime != nil
			source := ""
			if priced {
				source = m.PriceAtTxTime.Source
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO transaction_movements
					(transaction_id, direction, position, asset_id, asset_symbol, gross_amount, net_amount, priced, price_source)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))`,
				t.ID, direction, i, m.AssetID, m.AssetSymbol,
				m.GrossAmount.String(), m.NetAmount.String(), priced, source); err != nil {
				return dbErr("insert movement projection", err)
			}
		}
		return nil
	}
	if err := insert("inflow", t.Movements.Inflows); err != nil {
		return err
	}
	return insert("outflow", t.Movements.Outflows)
}
