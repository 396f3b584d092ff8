package provider

import (
	"context"
	"strconv"

	"github.com/jbelanger/exitbook-sub013/internal/apperr"
	"github.com/jbelanger/exitbook-sub013/internal/events"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// StreamRequest drives one paginated transaction stream for one operation.
type StreamRequest struct {
	Operation  Operation
	Address    string
	SinceMS    int64
	UntilMS    int64
	Resume     *models.Cursor // prior durable cursor, nil starts fresh
	BatchLimit int
}

// BatchStats reports per-page bookkeeping alongside the data.
type BatchStats struct {
	Fetched   int   `json:"fetched"` // before in-session dedup
	Deduped   int   `json:"deduped"`
	LatencyMS int64 `json:"latencyMs"`
}

// StreamBatch is one yielded page plus the durable cursor that resumes
// strictly after it.
type StreamBatch struct {
	Provider   string
	Operation  Operation
	Records    []TxRecord
	Cursor     models.Cursor
	IsComplete bool
	Stats      BatchStats
}

// StreamResult is a batch or a terminal error; the channel closes after
// either the final batch (IsComplete) or an error.
type StreamResult struct {
	Batch StreamBatch
	Err   error
}

// perStreamRateLimitStrikes bounds how often one provider may answer 429
// inside a single stream before it is treated as failed for the stream.
const perStreamRateLimitStrikes = 2

// ExecuteStreaming produces batches in order, checkpointing a self-contained
// cursor per batch. On a retriable provider failure mid-stream it fails over
// to the next candidate, widening the cursor by the replacement provider's
// replay window; in-session dedup by (operation, transactionId) keeps the
// replayed overlap out of the output.
func (m *Manager) ExecuteStreaming(ctx context.Context, chain string, req StreamRequest) <-chan StreamResult {
	out := make(chan StreamResult)
	go func() {
		defer close(out)

		p, err := m.pool(chain)
		if err != nil {
			emitResult(ctx, out, StreamResult{Err: err})
			return
		}

		position := models.CursorPosition{}
		private := map[string]string{}
		lastTxID := ""
		totalFetched := int64(0)
		author := ""
		if req.Resume != nil {
			position = req.Resume.Primary
			lastTxID = req.Resume.LastTransactionID
			totalFetched = req.Resume.TotalFetched
			author = req.Resume.ProviderName
			for k, v := range req.Resume.Metadata {
				private[k] = v
			}
		}

		seen := make(map[string]struct{})
		exhausted := make(map[string]bool)
		rateLimitStrikes := make(map[string]int)
		var attempts []*Error

		for {
			if ctx.Err() != nil {
				emitResult(ctx, out, StreamResult{Err: ctx.Err()})
				return
			}

			cands := p.candidates(req.Operation, m.clock(), m.cfg.CircuitCooldown, exhausted)
			if len(cands) == 0 {
				emitResult(ctx, out, StreamResult{Err: apperr.Wrap(apperr.ProviderUnavailable, "streaming exhausted",
					&AllFailedError{Chain: chain, Operation: req.Operation, Attempts: attempts})})
				return
			}
			ps := cands[0]
			name := ps.entry.Meta.Name

			if author != "" && name != author {
				adjusted := applyReplayWindow(position, ps.entry.Meta.ReplayWindow)
				if adjusted != position {
					m.emitter.Emit(events.ProviderCursorAdjusted, map[string]any{
						"chain": chain, "provider": name, "reason": "failover",
						"from": position.Value, "to": adjusted.Value,
					})
					position = adjusted
				}
			}
			author = name

			start := m.clock()
			page, err := ps.client.FetchPage(ctx, PageRequest{
				Operation: req.Operation,
				Address:   req.Address,
				Cursor:    position,
				Private:   private,
				SinceMS:   req.SinceMS,
				UntilMS:   req.UntilMS,
				Limit:     req.BatchLimit,
			})
			latency := m.clock().Sub(start).Milliseconds()

			if err != nil {
				perr := Classify(name, req.Operation, err)
				if perr.Kind == apperr.Cancelled {
					emitResult(ctx, out, StreamResult{Err: err})
					return
				}
				attempts = append(attempts, perr)
				switch {
				case perr.Kind == apperr.RateLimited:
					m.emitter.Emit(events.ProviderRateLimited, map[string]any{"chain": chain, "provider": name, "operation": string(req.Operation)})
					if p.recordRateLimited(ps, retryAfterOf(err), m.clock(), m.cfg.RateLimitGrace, m.cfg.RateLimitBackoff, m.cfg.FailureThreshold) {
						m.emitCircuitOpened(chain, name)
					}
					rateLimitStrikes[name]++
					if rateLimitStrikes[name] >= perStreamRateLimitStrikes {
						exhausted[name] = true
					}
				case perr.Retriable:
					if p.recordFailure(ps, perr, m.clock(), m.cfg.FailureThreshold) {
						m.emitCircuitOpened(chain, name)
					}
					exhausted[name] = true
				default:
					emitResult(ctx, out, StreamResult{Err: apperr.Wrap(perr.Kind, "streaming "+chain, perr)})
					return
				}
				continue
			}
			p.recordSuccess(ps, latency, m.clock())

			kept := make([]TxRecord, 0, len(page.Records))
			deduped := 0
			for _, rec := range page.Records {
				key := string(req.Operation) + ":" + rec.ExternalID
				if _, dup := seen[key]; dup {
					deduped++
					continue
				}
				seen[key] = struct{}{}
				kept = append(kept, rec)
			}
			if len(kept) > 0 {
				lastTxID = kept[len(kept)-1].ExternalID
				totalFetched += int64(len(kept))
			}
			position = page.Cursor
			for k, v := range page.Private {
				private[k] = v
			}

			cursorCopy := make(map[string]string, len(private))
			for k, v := range private {
				cursorCopy[k] = v
			}
			batch := StreamBatch{
				Provider:  name,
				Operation: req.Operation,
				Records:   kept,
				Cursor: models.Cursor{
					Primary:           position,
					LastTransactionID: lastTxID,
					TotalFetched:      totalFetched,
					ProviderName:      name,
					UpdatedAt:         m.clock(),
					IsComplete:        !page.HasMore,
					Metadata:          cursorCopy,
				},
				IsComplete: !page.HasMore,
				Stats:      BatchStats{Fetched: len(page.Records), Deduped: deduped, LatencyMS: latency},
			}
			if !emitResult(ctx, out, StreamResult{Batch: batch}) {
				return
			}
			if !page.HasMore {
				return
			}
		}
	}()
	return out
}

func emitResult(ctx context.Context, out chan<- StreamResult, r StreamResult) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

// applyReplayWindow widens a cursor conservatively for a provider that
// cannot trust another provider's exact position. Block cursors rewind by
// the declared block count, timestamp cursors by the declared duration.
// Page tokens are provider-private: a takeover resets them to a full resync,
// which the in-session dedup absorbs.
func applyReplayWindow(pos models.CursorPosition, w ReplayWindow) models.CursorPosition {
	if pos.Value == "" {
		return pos
	}
	switch pos.Kind {
	case models.CursorBlock, models.CursorSlot:
		if w.Blocks <= 0 {
			return pos
		}
		n, err := pos.Int64()
		if err != nil {
			return models.CursorPosition{Kind: pos.Kind}
		}
		n -= w.Blocks
		if n < 0 {
			n = 0
		}
		return models.CursorPosition{Kind: pos.Kind, Value: strconv.FormatInt(n, 10)}
	case models.CursorTimestamp:
		if w.Duration <= 0 {
			return pos
		}
		ms, err := pos.Int64()
		if err != nil {
			return models.CursorPosition{Kind: pos.Kind}
		}
		ms -= w.Duration.Milliseconds()
		if ms < 0 {
			ms = 0
		}
		return models.CursorPosition{Kind: pos.Kind, Value: strconv.FormatInt(ms, 10)}
	case models.CursorPageToken:
		return models.CursorPosition{Kind: models.CursorPageToken}
	}
	return pos
}
