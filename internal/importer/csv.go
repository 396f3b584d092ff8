package importer

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook-sub013/internal/apperr"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// csvSchema declares one recognized export format: the headers that
// identify it and the row parser that normalizes it.
type csvSchema struct {
	Name            string
	RequiredHeaders []string
	Parse           func(source string, row map[string]string) (*models.NormalizedRecord, error)
}

// CSVImporter walks directories of exchange CSV exports. Each file emits
// one batch whose cursor records fileName and rowCount with
// isComplete=true, so files already completed in a prior run are skipped
// entirely on re-import.
type CSVImporter struct {
	source  string
	schemas []csvSchema
}

// NewCSVImporter builds the importer for one exchange source with the
// built-in schema set (ledger rows and advanced-trade fills).
func NewCSVImporter(source string) *CSVImporter {
	return &CSVImporter{
		source: source,
		schemas: []csvSchema{
			ledgersSchema(),
			fillsSchema(),
		},
	}
}

func (c *CSVImporter) SourceID() string { return c.source }

func (c *CSVImporter) SourceType() models.SourceType { return models.SourceExchangeCSV }

func (c *CSVImporter) ValidateParams(params models.ImportParams) error {
	if len(params.CSVDirectories) == 0 {
		return apperr.New(apperr.InvalidArgs, "csv import requires --csv-dir")
	}
	for _, dir := range params.CSVDirectories {
		info, err := os.Stat(dir)
		if err != nil {
			return apperr.Wrap(apperr.InvalidArgs, fmt.Sprintf("csv directory %s", dir), err)
		}
		if !info.IsDir() {
			return apperr.Newf(apperr.InvalidArgs, "%s is not a directory", dir)
		}
	}
	return nil
}

func (c *CSVImporter) ImportStreaming(ctx context.Context, params models.ImportParams, cursors map[string]*models.Cursor) <-chan Result {
	out := make(chan Result)
	go func() {
		defer close(out)
		if err := c.ValidateParams(params); err != nil {
			send(ctx, out, Result{Err: err})
			return
		}

		var files []string
		for _, dir := range params.CSVDirectories {
			entries, err := os.ReadDir(dir)
			if err != nil {
				send(ctx, out, Result{Err: apperr.Wrap(apperr.InvalidArgs, "list csv directory", err)})
				return
			}
			for _, e := range entries {
				if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
					files = append(files, filepath.Join(dir, e.Name()))
				}
			}
		}
		sort.Strings(files)

		for _, file := range files {
			if ctx.Err() != nil {
				send(ctx, out, Result{Err: ctx.Err()})
				return
			}
			opType := "csv:" + filepath.Base(file)
			if prior := cursors[opType]; prior != nil && prior.IsComplete {
				log.Printf("[CSVImporter] %s already imported, skipping", filepath.Base(file))
				continue
			}
			batch, err := c.importFile(file, opType, params)
			if err != nil {
				send(ctx, out, Result{Err: err})
				return
			}
			batch.IsComplete = true // file batches are always self-contained
			batch.Cursor.IsComplete = true
			if !send(ctx, out, Result{Batch: *batch}) {
				return
			}
		}
	}()
	return out
}

func (c *CSVImporter) importFile(path, opType string, params models.ImportParams) (*Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidArgs, "open csv file", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, fmt.Sprintf("read header of %s", filepath.Base(path)), err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.ToLower(header[i]))
	}

	schema, err := c.matchSchema(header, path)
	if err != nil {
		return nil, err
	}

	batch := &Batch{OperationType: opType}
	rowCount := 0
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		rowCount++
		if err != nil {
			// a malformed row is skipped; the reader resumes at the next record
			log.Printf("[CSVImporter] %s row %d unreadable: %v", filepath.Base(path), rowCount, err)
			batch.Stats.Invalid++
			continue
		}
		fields := map[string]string{}
		for i, v := range row {
			if i < len(header) {
				fields[header[i]] = strings.TrimSpace(v)
			}
		}
		rec, err := schema.Parse(c.source, fields)
		if err != nil {
			// individual bad rows are skipped, never fatal
			log.Printf("[CSVImporter] %s row %d invalid: %v", filepath.Base(path), rowCount, err)
			batch.Stats.Invalid++
			continue
		}
		if params.SinceMS > 0 && rec.Timestamp < params.SinceMS {
			continue
		}
		if params.UntilMS > 0 && rec.Timestamp > params.UntilMS {
			continue
		}
		rec.OperationType = opType
		raw, _ := json.Marshal(fields)
		batch.Records = append(batch.Records, models.NewExternalRecord(c.source, "csv", rec.ExternalID, raw, rec))
		batch.Stats.Fetched++
	}

	batch.Cursor = models.Cursor{
		Primary:      models.CursorPosition{Kind: models.CursorPageToken, Value: filepath.Base(path)},
		TotalFetched: int64(len(batch.Records)),
		ProviderName: "csv",
		UpdatedAt:    time.Now().UTC(),
		IsComplete:   true,
		Metadata: map[string]string{
			"fileName": filepath.Base(path),
			"schema":   schema.Name,
			"rowCount": strconv.Itoa(rowCount),
		},
	}
	return batch, nil
}

func (c *CSVImporter) matchSchema(header []string, path string) (*csvSchema, error) {
	for i := range c.schemas {
		s := &c.schemas[i]
		ok := true
		for _, req := range s.RequiredHeaders {
			if !contains(header, req) {
				ok = false
				break
			}
		}
		if ok {
			return s, nil
		}
	}
	return nil, apperr.Newf(apperr.Validation, "%s matches no known csv schema (headers: %s)",
		filepath.Base(path), strings.Join(header, ","))
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ledgersSchema parses kraken-style ledger exports: one row per balance
// entry, trades split over two rows sharing a refid.
func ledgersSchema() csvSchema {
	return csvSchema{
		Name:            "ledgers",
		RequiredHeaders: []string{"txid", "refid", "time", "type", "asset", "amount", "fee"},
		Parse: func(source string, row map[string]string) (*models.NormalizedRecord, error) {
			txid := row["txid"]
			if txid == "" {
				return nil, fmt.Errorf("missing txid")
			}
			ts, err := parseCSVTime(row["time"])
			if err != nil {
				return nil, fmt.Errorf("bad time %q: %w", row["time"], err)
			}
			amount, err := decimal.NewFromString(row["amount"])
			if err != nil {
				return nil, fmt.Errorf("bad amount %q", row["amount"])
			}
			asset := normalizeLedgerAsset(row["asset"])

			rec := &models.NormalizedRecord{
				ExternalID: txid,
				Timestamp:  ts,
				Status:     models.StatusSuccess,
				OrderID:    row["refid"],
				RowType:    strings.ToLower(row["type"]),
				Network:    row["network"],
				Changes: []models.BalanceChange{{
					AssetSymbol: asset,
					Kind:        assetKindOf(asset),
					Amount:      amount,
				}},
			}
			if feeStr := row["fee"]; feeStr != "" && feeStr != "0" {
				fee, err := decimal.NewFromString(feeStr)
				if err != nil {
					return nil, fmt.Errorf("bad fee %q", feeStr)
				}
				if fee.IsPositive() {
					rec.Fees = []models.RecordFee{{
						AssetSymbol: asset,
						Kind:        assetKindOf(asset),
						Amount:      fee,
						Scope:       models.FeeScopePlatform,
					}}
				}
			}
			return rec, nil
		},
	}
}

// fillsSchema parses advanced-trade fill exports: one row per order leg,
// legs of one order sharing the order id.
func fillsSchema() csvSchema {
	return csvSchema{
		Name:            "fills",
		RequiredHeaders: []string{"trade id", "order id", "created at", "product", "side", "size", "price", "fee", "total"},
		Parse: func(source string, row map[string]string) (*models.NormalizedRecord, error) {
			tradeID := row["trade id"]
			if tradeID == "" {
				return nil, fmt.Errorf("missing trade id")
			}
			ts, err := parseCSVTime(row["created at"])
			if err != nil {
				return nil, fmt.Errorf("bad created at %q: %w", row["created at"], err)
			}
			base, quote, err := splitProduct(row["product"])
			if err != nil {
				return nil, err
			}
			size, err := decimal.NewFromString(row["size"])
			if err != nil {
				return nil, fmt.Errorf("bad size %q", row["size"])
			}
			total, err := decimal.NewFromString(row["total"])
			if err != nil {
				return nil, fmt.Errorf("bad total %q", row["total"])
			}

			side := strings.ToLower(row["side"])
			baseChange := models.BalanceChange{AssetSymbol: base, Kind: assetKindOf(base), Amount: size}
			quoteChange := models.BalanceChange{AssetSymbol: quote, Kind: assetKindOf(quote), Amount: total.Abs().Neg()}
			if side == "sell" {
				baseChange.Amount = size.Neg()
				quoteChange.Amount = total.Abs()
			}

			rec := &models.NormalizedRecord{
				ExternalID: tradeID,
				Timestamp:  ts,
				Status:     models.StatusSuccess,
				OrderID:    row["order id"],
				RowType:    "advanced_trade_fill",
				Changes:    []models.BalanceChange{baseChange, quoteChange},
			}
			if feeStr := row["fee"]; feeStr != "" && feeStr != "0" {
				fee, err := decimal.NewFromString(feeStr)
				if err != nil {
					return nil, fmt.Errorf("bad fee %q", feeStr)
				}
				if fee.IsPositive() {
					rec.Fees = []models.RecordFee{{
						AssetSymbol: quote,
						Kind:        assetKindOf(quote),
						Amount:      fee,
						Scope:       models.FeeScopePlatform,
					}}
				}
			}
			return rec, nil
		},
	}
}

var csvTimeFormats = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05Z",
	"2006-01-02 15:04:05.0000",
	"2006-01-02",
}

func parseCSVTime(v string) (int64, error) {
	for _, layout := range csvTimeFormats {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC().UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unrecognized time format")
}

// normalizeLedgerAsset strips kraken's legacy X/Z prefixes: XXBT → BTC.
func normalizeLedgerAsset(asset string) string {
	a := strings.ToUpper(asset)
	switch a {
	case "XXBT", "XBT":
		return "BTC"
	case "XETH":
		return "ETH"
	case "ZUSD":
		return "USD"
	case "ZEUR":
		return "EUR"
	case "ZCAD":
		return "CAD"
	case "ZGBP":
		return "GBP"
	case "ZJPY":
		return "JPY"
	}
	return a
}

var fiatCodes = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "CAD": true, "JPY": true,
	"CHF": true, "AUD": true, "NZD": true,
}

func assetKindOf(symbol string) models.AssetKind {
	if fiatCodes[strings.ToUpper(symbol)] {
		return models.AssetKindFiat
	}
	return models.AssetKindToken
}

func splitProduct(product string) (base, quote string, err error) {
	parts := strings.Split(strings.ToUpper(product), "-")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("bad product %q", product)
	}
	return parts[0], parts[1], nil
}
