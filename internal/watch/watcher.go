// Package watch polls a chain's addresses for new activity and feeds fresh
// transactions to the event bus for serve-mode websocket consumers. Watch
// mode is additive: everything it sees also lands in the ingestion store, so
// a later pipeline run picks the records up normally.
package watch

import (
	"context"
	"log"
	"time"

	"github.com/jbelanger/exitbook-sub013/internal/events"
	"github.com/jbelanger/exitbook-sub013/internal/provider"
	"github.com/jbelanger/exitbook-sub013/internal/storage"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// ChainSource is the provider-manager slice the watcher drives.
type ChainSource interface {
	ExecuteStreaming(ctx context.Context, chain string, req provider.StreamRequest) <-chan provider.StreamResult
}

// Config tunes one watcher.
type Config struct {
	Chain     string
	Addresses []string
	Interval  time.Duration // poll period, default 30s
}

// Watcher tails addresses on a ticker, checkpointing its cursor per address
// so a restart resumes instead of replaying history.
type Watcher struct {
	cfg         Config
	mgr         ChainSource
	sessions    *storage.SessionStore
	ingest      *storage.IngestStore
	checkpoints *storage.CheckpointStore
	emitter     events.Emitter
	seen        map[string]bool
	sessionID   string
}

func New(cfg Config, mgr ChainSource, sessions *storage.SessionStore, ingest *storage.IngestStore, checkpoints *storage.CheckpointStore, emitter events.Emitter) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if emitter == nil {
		emitter = events.Discard
	}
	return &Watcher{
		cfg:         cfg,
		mgr:         mgr,
		sessions:    sessions,
		ingest:      ingest,
		checkpoints: checkpoints,
		emitter:     emitter,
		seen:        make(map[string]bool),
	}
}

// Run polls until the context is cancelled. All observed records land in the
// ingestion store under one long-lived watch session.
func (w *Watcher) Run(ctx context.Context) error {
	session, err := w.sessions.Start(ctx, w.cfg.Chain, models.SourceBlockchain, models.ImportParams{Addresses: w.cfg.Addresses})
	if err != nil {
		return err
	}
	w.sessionID = session.ID
	log.Printf("[Watch] watching %d address(es) on %s every %s", len(w.cfg.Addresses), w.cfg.Chain, w.cfg.Interval)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	// reset the seen set periodically to bound memory; the checkpoint cursor
	// keeps restarts and resets from re-emitting old transactions
	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Println("[Watch] stopping")
			if err := w.sessions.Finalize(context.WithoutCancel(ctx), w.sessionID, models.SessionCancelled, ""); err != nil {
				log.Printf("[Watch] finalize session: %v", err)
			}
			return ctx.Err()
		case <-cleanup.C:
			w.seen = make(map[string]bool)
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watcher) tick(ctx context.Context) {
	for _, address := range w.cfg.Addresses {
		if ctx.Err() != nil {
			return
		}
		if err := w.pollAddress(ctx, address); err != nil {
			log.Printf("[Watch] %s: %v", address, err)
		}
	}
}

func (w *Watcher) pollAddress(ctx context.Context, address string) error {
	opKey := string(provider.OpAddressTransactions) + ":" + address
	resume, err := w.checkpoints.Load(ctx, w.cfg.Chain, opKey)
	if err != nil {
		return err
	}

	stream := w.mgr.ExecuteStreaming(ctx, w.cfg.Chain, provider.StreamRequest{
		Operation: provider.OpAddressTransactions,
		Address:   address,
		Resume:    resume,
	})
	for res := range stream {
		if res.Err != nil {
			return res.Err
		}
		fresh := make([]models.ExternalRecord, 0, len(res.Batch.Records))
		for _, rec := range res.Batch.Records {
			if w.seen[rec.ExternalID] {
				continue
			}
			w.seen[rec.ExternalID] = true
			ext := models.NewExternalRecord(w.cfg.Chain, res.Batch.Provider, rec.ExternalID, rec.Raw, rec.Normalized)
			ext.SourceAddress = address
			fresh = append(fresh, ext)
		}
		inserted, err := w.ingest.SaveBatch(ctx, w.sessionID, w.cfg.Chain, fresh)
		if err != nil {
			return err
		}
		for _, rec := range fresh {
			w.emitter.Emit(events.WatchTransaction, map[string]any{
				"chain":      w.cfg.Chain,
				"address":    address,
				"externalId": rec.ExternalID,
				"provider":   rec.ProviderName,
			})
		}
		if inserted > 0 {
			log.Printf("[Watch] %s: %d new transaction(s)", address, inserted)
		}
		cursor := res.Batch.Cursor
		if err := w.checkpoints.Save(ctx, w.cfg.Chain, opKey, &cursor); err != nil {
			return err
		}
	}
	return nil
}
