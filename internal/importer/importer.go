// Package importer hosts the per-source streaming producers. Each importer
// emits batches of (raw, normalized, cursor) tuples; the pipeline persists
// them and checkpoints the cursor at every batch boundary.
package importer

import (
	"context"

	"github.com/jbelanger/exitbook-sub013/internal/provider"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// BatchStats counts what happened inside one emitted batch.
type BatchStats struct {
	Fetched int `json:"fetched"`
	Invalid int `json:"invalid"` // rows that failed validation, logged and skipped
	Deduped int `json:"deduped"`
}

// Batch is one unit of importer output. Cursor is durable: persisting it
// and passing it back on the next run resumes strictly after this batch.
type Batch struct {
	Records       []models.ExternalRecord
	OperationType string
	Cursor        models.Cursor
	IsComplete    bool
	Stats         BatchStats
}

// Result is a batch or a terminal error. The stream channel closes after
// the last batch or the first error.
type Result struct {
	Batch Batch
	Err   error
}

// Importer is the capability contract of one source.
type Importer interface {
	// SourceID names the source this importer feeds ("bitcoin", "kraken", ...).
	SourceID() string
	SourceType() models.SourceType
	ValidateParams(params models.ImportParams) error
	// ImportStreaming emits batches until done. cursors carries the prior
	// durable cursor state keyed by operation type; nil starts fresh.
	ImportStreaming(ctx context.Context, params models.ImportParams, cursors map[string]*models.Cursor) <-chan Result
}

// ChainAccess is the slice of the provider manager the importers drive.
// Narrow by design so tests can fake it.
type ChainAccess interface {
	ExecuteStreaming(ctx context.Context, chain string, req provider.StreamRequest) <-chan provider.StreamResult
	HasActivity(ctx context.Context, chain, address string) (bool, error)
}

func send(ctx context.Context, out chan<- Result, r Result) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}
