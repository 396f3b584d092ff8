// Package pipeline composes the full run for one source:
// import → store → process → link → enrich → replay-overrides.
// Every stage is transactional over its own writes; an interrupted run
// resumes from the last persisted cursor and already-processed records are
// never reprocessed.
package pipeline

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/jbelanger/exitbook-sub013/internal/apperr"
	"github.com/jbelanger/exitbook-sub013/internal/events"
	"github.com/jbelanger/exitbook-sub013/internal/importer"
	"github.com/jbelanger/exitbook-sub013/internal/linker"
	"github.com/jbelanger/exitbook-sub013/internal/override"
	"github.com/jbelanger/exitbook-sub013/internal/pricing"
	"github.com/jbelanger/exitbook-sub013/internal/processor"
	"github.com/jbelanger/exitbook-sub013/internal/storage"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// Pipeline wires the stores and stages together.
type Pipeline struct {
	sessions *storage.SessionStore
	ingest   *storage.IngestStore
	txs      *storage.TransactionStore
	proc     *processor.Processor
	matcher  *linker.Matcher
	enricher *pricing.Engine
	replayer *override.Replayer
	emitter  events.Emitter
}

func New(sessions *storage.SessionStore, ingest *storage.IngestStore, txs *storage.TransactionStore,
	proc *processor.Processor, matcher *linker.Matcher, enricher *pricing.Engine,
	replayer *override.Replayer, emitter events.Emitter) *Pipeline {
	if emitter == nil {
		emitter = events.Discard
	}
	return &Pipeline{
		sessions: sessions, ingest: ingest, txs: txs,
		proc: proc, matcher: matcher, enricher: enricher,
		replayer: replayer, emitter: emitter,
	}
}

// ImportResult summarizes one import stage run.
type ImportResult struct {
	Session  *models.ImportSession `json:"session"`
	Imported int64                 `json:"imported"`
	Skipped  int64                 `json:"skipped"`
	Reused   bool                  `json:"reused"` // a completed identical run was found, nothing fetched
}

// Import drives one importer to completion, persisting every batch and
// checkpointing its cursor before the next batch is consumed. File-based
// sources shortcut entirely when an identical completed run exists; resumable
// sources restart from the latest stored cursors instead.
func (p *Pipeline) Import(ctx context.Context, imp importer.Importer, params models.ImportParams) (*ImportResult, error) {
	if imp.SourceType() == models.SourceExchangeCSV {
		prior, err := p.sessions.FindCompletedWithMatchingParams(ctx, imp.SourceID(), imp.SourceType(), params)
		if err != nil {
			return nil, err
		}
		if prior != nil && allComplete(prior.Cursors) {
			log.Printf("[Pipeline] %s: identical completed import %s found, skipping fetch", imp.SourceID(), prior.ID)
			return &ImportResult{Session: prior, Imported: prior.ImportedCount, Skipped: prior.SkippedCount, Reused: true}, nil
		}
	}

	cursors, err := p.sessions.LatestCursors(ctx, imp.SourceID())
	if err != nil {
		return nil, err
	}
	session, err := p.sessions.Start(ctx, imp.SourceID(), imp.SourceType(), params)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{Session: session}
	stream := imp.ImportStreaming(ctx, params, cursors)
	for res := range stream {
		if res.Err != nil {
			status := models.SessionFailed
			if errors.Is(res.Err, context.Canceled) || apperr.IsKind(res.Err, apperr.Cancelled) {
				status = models.SessionCancelled
			}
			if ferr := p.sessions.Finalize(ctx, session.ID, status, res.Err.Error()); ferr != nil {
				log.Printf("[Pipeline] finalize %s failed: %v", session.ID, ferr)
			}
			return result, res.Err
		}
		batch := res.Batch
		inserted, err := p.ingest.SaveBatch(ctx, session.ID, imp.SourceID(), batch.Records)
		if err != nil {
			_ = p.sessions.Finalize(ctx, session.ID, models.SessionFailed, err.Error())
			return result, err
		}
		skipped := int64(len(batch.Records)-inserted) + int64(batch.Stats.Deduped+batch.Stats.Invalid)
		if err := p.sessions.AddCounts(ctx, session.ID, int64(inserted), skipped); err != nil {
			return result, err
		}
		result.Imported += int64(inserted)
		result.Skipped += skipped
		p.emitter.Emit(events.StageProgress, map[string]any{
			"stage":     "import",
			"source":    imp.SourceID(),
			"operation": batch.OperationType,
			"imported":  result.Imported,
			"skipped":   result.Skipped,
		})
		// cursor checkpoint: the batch is durable before the position advances
		if err := p.sessions.UpdateCursor(ctx, session.ID, batch.OperationType, &batch.Cursor); err != nil {
			return result, err
		}
	}
	if err := ctx.Err(); err != nil {
		_ = p.sessions.Finalize(ctx, session.ID, models.SessionCancelled, err.Error())
		return result, apperr.Wrap(apperr.Cancelled, "import interrupted", err)
	}
	if err := p.sessions.Finalize(ctx, session.ID, models.SessionCompleted, ""); err != nil {
		return result, err
	}
	log.Printf("[Pipeline] %s: imported %d, skipped %d", imp.SourceID(), result.Imported, result.Skipped)
	return result, nil
}

func allComplete(cursors map[string]*models.Cursor) bool {
	if len(cursors) == 0 {
		return false
	}
	for _, c := range cursors {
		if c == nil || !c.IsComplete {
			return false
		}
	}
	return true
}

// Process converts the source's pending raw records into canonical
// transactions. Already-processed fingerprints are excluded by the load, so
// repeat runs add nothing.
func (p *Pipeline) Process(ctx context.Context, sourceID string, sourceType models.SourceType) (int, error) {
	records, err := p.ingest.Load(ctx, storage.LoadFilter{SourceID: sourceID, OnlyPending: true})
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		log.Printf("[Pipeline] %s: nothing to process", sourceID)
		return 0, nil
	}

	inputs := make([]processor.Input, 0, len(records))
	fingerprints := make([]string, 0, len(records))
	for _, r := range records {
		if r.Normalized == nil {
			continue
		}
		inputs = append(inputs, processor.Input{
			Fingerprint:   r.Fingerprint,
			SourceAddress: r.SourceAddress,
			TypeHint:      r.TypeHint,
			Normalized:    r.Normalized,
		})
		fingerprints = append(fingerprints, r.Fingerprint)
	}

	var txs []models.Transaction
	if sourceType == models.SourceBlockchain {
		txs, err = p.proc.ProcessBlockchain(ctx, sourceID, chainOf(sourceID), inputs)
	} else {
		txs, err = p.proc.ProcessExchange(sourceID, inputs)
	}
	if err != nil {
		return 0, err
	}

	saved, err := p.txs.SaveAll(ctx, txs)
	if err != nil {
		return 0, err
	}
	if err := p.ingest.MarkAsProcessed(ctx, sourceID, fingerprints); err != nil {
		return 0, err
	}
	log.Printf("[Pipeline] %s: %d raw record(s) became %d transaction(s)", sourceID, len(inputs), len(saved))
	return len(saved), nil
}

// chainOf strips derived-source suffixes: "bitcoin-xpub" transacts on
// "bitcoin".
func chainOf(sourceID string) string {
	return strings.TrimSuffix(sourceID, "-xpub")
}

// Link runs the cross-source matcher.
func (p *Pipeline) Link(ctx context.Context) (*linker.Report, error) {
	return p.matcher.Run(ctx)
}

// Enrich runs the four pricing stages.
func (p *Pipeline) Enrich(ctx context.Context) (*pricing.Report, error) {
	return p.enricher.Run(ctx)
}

// Replay applies the override history.
func (p *Pipeline) Replay(ctx context.Context) (*override.Report, error) {
	return p.replayer.Run(ctx)
}

// RunResult aggregates one full pipeline run.
type RunResult struct {
	Import       *ImportResult    `json:"import"`
	Transactions int              `json:"transactions"`
	Links        *linker.Report   `json:"links"`
	Enrichment   *pricing.Report  `json:"enrichment"`
	Overrides    *override.Report `json:"overrides"`
}

// Run composes the whole pipeline for one source. A stage failure stops the
// run; everything persisted by earlier stages stays.
func (p *Pipeline) Run(ctx context.Context, imp importer.Importer, params models.ImportParams) (*RunResult, error) {
	out := &RunResult{}
	var err error
	if out.Import, err = p.Import(ctx, imp, params); err != nil {
		return out, err
	}
	if out.Transactions, err = p.Process(ctx, imp.SourceID(), imp.SourceType()); err != nil {
		return out, err
	}
	if out.Links, err = p.Link(ctx); err != nil {
		return out, err
	}
	if out.Enrichment, err = p.Enrich(ctx); err != nil {
		return out, err
	}
	if out.Overrides, err = p.Replay(ctx); err != nil {
		return out, err
	}
	return out, nil
}
