package storage

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook-sub013/internal/apperr"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// PriceStore is the separate prices database: day-bucketed market prices and
// FX rates. It opens its own pool so price history survives an ingestion
// database reset.
type PriceStore struct {
	pool *pgxpool.Pool
}

// ConnectPrices opens the prices pool and applies its schema.
func ConnectPrices(ctx context.Context, connStr string) (*PriceStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, apperr.Wrap(apperr.Database, "unable to connect to prices database", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, apperr.Wrap(apperr.Database, "prices database ping failed", err)
	}
	if _, err := pool.Exec(ctx, pricesSchemaSQL); err != nil {
		pool.Close()
		return nil, apperr.Wrap(apperr.Database, "prices schema init failed", err)
	}
	log.Println("[Storage] prices store ready")
	return &PriceStore{pool: pool}, nil
}

func (s *PriceStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// SavePrice upserts one day-bucketed price point. Non-positive prices are a
// validation error, never stored.
func (s *PriceStore) SavePrice(ctx context.Context, rec models.PriceRecord) error {
	if !rec.Price.IsPositive() {
		return apperr.Newf(apperr.Validation, "price for %s/%s must be positive, got %s",
			rec.AssetSymbol, rec.Currency, rec.Price)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO prices (asset_symbol, currency, bucket, price, source, granularity, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (asset_symbol, currency, bucket) DO UPDATE SET
			price = EXCLUDED.price, source = EXCLUDED.source,
			granularity = EXCLUDED.granularity, fetched_at = EXCLUDED.fetched_at`,
		rec.AssetSymbol, rec.Currency, models.DayBucket(rec.Timestamp),
		rec.Price.String(), rec.Source, string(rec.Granularity), rec.FetchedAt)
	if err != nil {
		return dbErr("save price", err)
	}
	return nil
}

// GetPrice returns the stored price for the day bucket of t, or nil.
func (s *PriceStore) GetPrice(ctx context.Context, assetSymbol, currency string, t time.Time) (*models.PriceRecord, error) {
	var (
		rec         models.PriceRecord
		priceStr    string
		granularity string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT asset_symbol, currency, bucket, price, source, granularity, fetched_at
		FROM prices WHERE asset_symbol = $1 AND currency = $2 AND bucket = $3`,
		assetSymbol, currency, models.DayBucket(t)).
		Scan(&rec.AssetSymbol, &rec.Currency, &rec.Timestamp, &priceStr, &rec.Source, &granularity, &rec.FetchedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, dbErr("get price", err)
	}
	if rec.Price, err = decimal.NewFromString(priceStr); err != nil {
		return nil, apperr.Wrap(apperr.Internal, "decode price", err)
	}
	rec.Granularity = models.PriceGranularity(granularity)
	return &rec, nil
}

// SaveFxRate upserts one day-bucketed FX rate (base → quote).
func (s *PriceStore) SaveFxRate(ctx context.Context, base, quote string, t time.Time, rate decimal.Decimal, source string) error {
	if !rate.IsPositive() {
		return apperr.Newf(apperr.Validation, "fx rate %s/%s must be positive, got %s", base, quote, rate)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fx_rates (base, quote, bucket, rate, source, fetched_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (base, quote, bucket) DO UPDATE SET
			rate = EXCLUDED.rate, source = EXCLUDED.source, fetched_at = NOW()`,
		base, quote, models.DayBucket(t), rate.String(), source)
	if err != nil {
		return dbErr("save fx rate", err)
	}
	return nil
}

// GetFxRate returns the stored rate for the day bucket of t, or nil.
func (s *PriceStore) GetFxRate(ctx context.Context, base, quote string, t time.Time) (rate *decimal.Decimal, source string, err error) {
	var rateStr string
	err = s.pool.QueryRow(ctx, `
		SELECT rate, source FROM fx_rates WHERE base = $1 AND quote = $2 AND bucket = $3`,
		base, quote, models.DayBucket(t)).Scan(&rateStr, &source)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", nil
		}
		return nil, "", dbErr("get fx rate", err)
	}
	d, err := decimal.NewFromString(rateStr)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.Internal, "decode fx rate", err)
	}
	return &d, source, nil
}

// MissingPrices reports movement coordinates that still lack a price, for
// `prices view --missing-only`. Read from the main database's projection.
type MissingPrice struct {
	TransactionID int64  `json:"transactionId"`
	Direction     string `json:"direction"`
	AssetSymbol   string `json:"assetSymbol"`
	AssetID       string `json:"assetId"`
}

// MissingPrices lists unpriced movements from the main DB projection.
func MissingPrices(ctx context.Context, db *DB, limit int) ([]MissingPrice, error) {
	if limit <= 0 || limit > 10000 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx, `
		SELECT transaction_id, direction, asset_symbol, asset_id
		FROM transaction_movements WHERE priced = FALSE
		ORDER BY transaction_id LIMIT $1`, limit)
	if err != nil {
		return nil, dbErr("list missing prices", err)
	}
	defer rows.Close()

	out := make([]MissingPrice, 0)
	for rows.Next() {
		var m MissingPrice
		if err := rows.Scan(&m.TransactionID, &m.Direction, &m.AssetSymbol, &m.AssetID); err != nil {
			return nil, dbErr("scan missing price", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
