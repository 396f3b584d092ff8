package importer

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jbelanger/exitbook-sub013/internal/apperr"
	"github.com/jbelanger/exitbook-sub013/internal/provider"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// opFanout bounds how many operation types one import drives concurrently.
const opFanout = 3

// BlockchainImporter streams a chain address through the provider manager.
// One import may drive several operation types (native + token + internal)
// concurrently; each batch is tagged with its operation type and carries
// its own cursor, so the per-operation streams resume independently.
//
// Resume cursors are keyed by operation type only, so multi-address imports
// assume every address shares one chain-position cursor. That holds for the
// block-height cursors the chain providers emit; an address-local cursor
// kind would need per-address keying here and in the session cursor map.
type BlockchainImporter struct {
	chain  string
	source string
	ops    []provider.Operation
	mgr    ChainAccess
}

func NewBlockchainImporter(chain string, ops []provider.Operation, mgr ChainAccess) *BlockchainImporter {
	return &BlockchainImporter{chain: chain, source: chain, ops: ops, mgr: mgr}
}

func (b *BlockchainImporter) SourceID() string { return b.source }

func (b *BlockchainImporter) SourceType() models.SourceType { return models.SourceBlockchain }

func (b *BlockchainImporter) ValidateParams(params models.ImportParams) error {
	if params.Address == "" && len(params.Addresses) == 0 {
		return apperr.Newf(apperr.InvalidArgs, "%s import requires --address", b.chain)
	}
	if params.SinceMS != 0 && params.UntilMS != 0 && params.UntilMS < params.SinceMS {
		return apperr.New(apperr.InvalidArgs, "until must not precede since")
	}
	return nil
}

func (b *BlockchainImporter) ImportStreaming(ctx context.Context, params models.ImportParams, cursors map[string]*models.Cursor) <-chan Result {
	out := make(chan Result)
	go func() {
		defer close(out)
		if err := b.ValidateParams(params); err != nil {
			send(ctx, out, Result{Err: err})
			return
		}
		addresses := params.Addresses
		if len(addresses) == 0 {
			addresses = []string{params.Address}
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opFanout)
		var mu sync.Mutex // serializes sends from concurrent op streams
		for _, op := range b.ops {
			op := op
			g.Go(func() error {
				for _, address := range addresses {
					if err := b.streamOne(gctx, out, &mu, op, address, params, cursors[string(op)]); err != nil {
						return err
					}
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil && ctx.Err() == nil {
			send(ctx, out, Result{Err: err})
		}
	}()
	return out
}

func (b *BlockchainImporter) streamOne(ctx context.Context, out chan<- Result, mu *sync.Mutex, op provider.Operation, address string, params models.ImportParams, resume *models.Cursor) error {
	stream := b.mgr.ExecuteStreaming(ctx, b.chain, provider.StreamRequest{
		Operation: op,
		Address:   address,
		SinceMS:   params.SinceMS,
		UntilMS:   params.UntilMS,
		Resume:    resume,
	})
	for res := range stream {
		if res.Err != nil {
			return res.Err
		}
		records := make([]models.ExternalRecord, 0, len(res.Batch.Records))
		for _, rec := range res.Batch.Records {
			ext := models.NewExternalRecord(b.source, res.Batch.Provider, rec.ExternalID, rec.Raw, rec.Normalized)
			ext.SourceAddress = address
			records = append(records, ext)
		}
		batch := Batch{
			Records:       records,
			OperationType: string(op),
			Cursor:        res.Batch.Cursor,
			IsComplete:    res.Batch.IsComplete,
			Stats: BatchStats{
				Fetched: res.Batch.Stats.Fetched,
				Deduped: res.Batch.Stats.Deduped,
			},
		}
		mu.Lock()
		ok := send(ctx, out, Result{Batch: batch})
		mu.Unlock()
		if !ok {
			return ctx.Err()
		}
	}
	return nil
}
