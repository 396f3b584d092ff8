package importer

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/jbelanger/exitbook-sub013/internal/apperr"
	"github.com/jbelanger/exitbook-sub013/internal/provider"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// DefaultAddressGap is the BIP-44 convention: stop deriving after this many
// consecutive addresses with no history.
const DefaultAddressGap = 20

// branch indexes per BIP-44: external receive addresses and internal change.
const (
	branchReceive = 0
	branchChange  = 1
)

// XpubImporter expands an extended public key into its active address set
// via a sequential gap scan, then streams transactions for those addresses.
// Sweeps touch both branches, so records are deduplicated by transaction id
// across the whole derived set.
type XpubImporter struct {
	chain string
	mgr   ChainAccess
	net   *chaincfg.Params
}

func NewXpubImporter(chain string, mgr ChainAccess) *XpubImporter {
	return &XpubImporter{chain: chain, mgr: mgr, net: &chaincfg.MainNetParams}
}

func (x *XpubImporter) SourceID() string { return x.chain + "-xpub" }

func (x *XpubImporter) SourceType() models.SourceType { return models.SourceBlockchain }

func (x *XpubImporter) ValidateParams(params models.ImportParams) error {
	if params.Address == "" {
		return apperr.New(apperr.InvalidArgs, "xpub import requires --address with the extended public key")
	}
	prefix := strings.ToLower(params.Address[:4])
	if prefix != "xpub" && prefix != "ypub" && prefix != "zpub" {
		return apperr.Newf(apperr.InvalidArgs, "address %q is not an extended public key", params.Address)
	}
	if params.AddressGap < 0 {
		return apperr.New(apperr.InvalidArgs, "address gap must be non-negative")
	}
	return nil
}

// ActivityProbe answers whether an address has any history. Split out so
// the gap scan is testable without a provider pool.
type ActivityProbe func(ctx context.Context, address string) (bool, error)

// GapScan derives addresses 0,1,2,... on one branch until gap consecutive
// addresses without history are seen. Returns the active addresses and the
// total number scanned.
func GapScan(ctx context.Context, branchKey *hdkeychain.ExtendedKey, net *chaincfg.Params, gap int, probe ActivityProbe) (active []string, scanned int, err error) {
	if gap <= 0 {
		gap = DefaultAddressGap
	}
	emptyRun := 0
	for index := uint32(0); emptyRun < gap; index++ {
		if err := ctx.Err(); err != nil {
			return nil, scanned, err
		}
		child, err := branchKey.Derive(index)
		if err != nil {
			// a hardened-derivation miss is allowed by BIP-32; skip the index
			if err == hdkeychain.ErrInvalidChild {
				continue
			}
			return nil, scanned, fmt.Errorf("derive child %d: %w", index, err)
		}
		addr, err := child.Address(net)
		if err != nil {
			return nil, scanned, fmt.Errorf("address for child %d: %w", index, err)
		}
		scanned++
		used, err := probe(ctx, addr.EncodeAddress())
		if err != nil {
			return nil, scanned, err
		}
		if used {
			active = append(active, addr.EncodeAddress())
			emptyRun = 0
		} else {
			emptyRun++
		}
	}
	return active, scanned, nil
}

func (x *XpubImporter) ImportStreaming(ctx context.Context, params models.ImportParams, cursors map[string]*models.Cursor) <-chan Result {
	out := make(chan Result)
	go func() {
		defer close(out)
		if err := x.ValidateParams(params); err != nil {
			send(ctx, out, Result{Err: err})
			return
		}

		key, err := hdkeychain.NewKeyFromString(params.Address)
		if err != nil {
			send(ctx, out, Result{Err: apperr.Wrap(apperr.InvalidArgs, "parse extended public key", err)})
			return
		}

		probe := func(ctx context.Context, address string) (bool, error) {
			return x.mgr.HasActivity(ctx, x.chain, address)
		}

		var actives []string
		totalScanned := 0
		for _, branch := range []uint32{branchReceive, branchChange} {
			branchKey, err := key.Derive(branch)
			if err != nil {
				send(ctx, out, Result{Err: fmt.Errorf("derive branch %d: %w", branch, err)})
				return
			}
			found, scanned, err := GapScan(ctx, branchKey, x.net, params.AddressGap, probe)
			if err != nil {
				send(ctx, out, Result{Err: err})
				return
			}
			actives = append(actives, found...)
			totalScanned += scanned
		}
		log.Printf("[XpubImporter] gap scan done: %d addresses scanned, %d active", totalScanned, len(actives))
		if len(actives) == 0 {
			send(ctx, out, Result{Batch: Batch{
				OperationType: string(provider.OpAddressTransactions),
				IsComplete:    true,
				Cursor:        models.Cursor{IsComplete: true},
			}})
			return
		}

		resume := cursors[string(provider.OpAddressTransactions)]
		completed := map[string]bool{}
		if resume != nil {
			for _, a := range strings.Split(resume.Metadata["completedAddresses"], ",") {
				if a != "" {
					completed[a] = true
				}
			}
		}

		// one seen-set across all derived addresses: a sweep transaction
		// appears on both the change and receive paths
		seen := map[string]struct{}{}
		doneList := make([]string, 0, len(actives))
		for k := range completed {
			doneList = append(doneList, k)
		}

		for i, address := range actives {
			if completed[address] {
				continue
			}
			stream := x.mgr.ExecuteStreaming(ctx, x.chain, provider.StreamRequest{
				Operation: provider.OpAddressTransactions,
				Address:   address,
				SinceMS:   params.SinceMS,
				UntilMS:   params.UntilMS,
			})
			for res := range stream {
				if res.Err != nil {
					send(ctx, out, Result{Err: res.Err})
					return
				}
				records := make([]models.ExternalRecord, 0, len(res.Batch.Records))
				deduped := 0
				for _, rec := range res.Batch.Records {
					if _, dup := seen[rec.ExternalID]; dup {
						deduped++
						continue
					}
					seen[rec.ExternalID] = struct{}{}
					ext := models.NewExternalRecord(x.SourceID(), res.Batch.Provider, rec.ExternalID, rec.Raw, rec.Normalized)
					ext.SourceAddress = address
					records = append(records, ext)
				}

				cursor := res.Batch.Cursor
				if cursor.Metadata == nil {
					cursor.Metadata = map[string]string{}
				}
				addressDone := res.Batch.IsComplete
				if addressDone {
					doneList = append(doneList, address)
				}
				cursor.Metadata["completedAddresses"] = strings.Join(doneList, ",")
				lastAddress := i == len(actives)-1
				cursor.IsComplete = addressDone && lastAddress

				if !send(ctx, out, Result{Batch: Batch{
					Records:       records,
					OperationType: string(provider.OpAddressTransactions),
					Cursor:        cursor,
					IsComplete:    cursor.IsComplete,
					Stats: BatchStats{
						Fetched: res.Batch.Stats.Fetched,
						Deduped: res.Batch.Stats.Deduped + deduped,
					},
				}}) {
					return
				}
			}
		}
	}()
	return out
}
