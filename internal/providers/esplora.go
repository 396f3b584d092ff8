// Package providers ships the built-in provider adapters. Each file wires
// one upstream API into the registry's ApiClient surface; the manager does
// selection, failover and streaming on top.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook-sub013/internal/httpx"
	"github.com/jbelanger/exitbook-sub013/internal/provider"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// esploraClient speaks the Blockstream/mempool.space REST dialect. Both
// providers share this implementation; only name, base URL and replay
// window differ in their metadata.
type esploraClient struct {
	provider.BaseClient
	http  *httpx.Client
	chain string
}

func newEsploraClient(name string, cfg provider.Config) (provider.ApiClient, error) {
	client, err := httpx.New(cfg.HTTP)
	if err != nil {
		return nil, err
	}
	return &esploraClient{
		BaseClient: provider.BaseClient{ProviderName: name},
		http:       client,
		chain:      cfg.Chain,
	}, nil
}

type esploraTx struct {
	Txid   string `json:"txid"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
		BlockTime   int64 `json:"block_time"`
	} `json:"status"`
	Vin []struct {
		Prevout *struct {
			Address string `json:"scriptpubkey_address"`
			Value   int64  `json:"value"`
		} `json:"prevout"`
	} `json:"vin"`
	Vout []struct {
		Address string `json:"scriptpubkey_address"`
		Value   int64  `json:"value"`
	} `json:"vout"`
	Fee int64 `json:"fee"`
}

type esploraAddressStats struct {
	ChainStats struct {
		TxCount     int64 `json:"tx_count"`
		FundedSum   int64 `json:"funded_txo_sum"`
		SpentSum    int64 `json:"spent_txo_sum"`
		FundedCount int64 `json:"funded_txo_count"`
	} `json:"chain_stats"`
}

// FetchPage pages confirmed transactions oldest-block cursor semantics: the
// primary cursor tracks the last emitted block height; within a call the
// API's own last-seen-txid pagination advances via the private cursor.
func (c *esploraClient) FetchPage(ctx context.Context, req provider.PageRequest) (provider.Page, error) {
	path := "/address/" + req.Address + "/txs"
	if last := req.Private[c.ProviderName+":lastTxid"]; last != "" {
		path = "/address/" + req.Address + "/txs/chain/" + last
	}

	var raws []json.RawMessage
	if err := c.http.GetJSON(ctx, path, &raws); err != nil {
		return provider.Page{}, err
	}

	resumeHeight := int64(0)
	if req.Cursor.Kind == models.CursorBlock && req.Cursor.Value != "" {
		resumeHeight, _ = req.Cursor.Int64()
	}

	page := provider.Page{Private: map[string]string{}}
	lastTxid := ""
	maxHeight := resumeHeight
	for _, raw := range raws {
		var tx esploraTx
		if err := json.Unmarshal(raw, &tx); err != nil {
			return provider.Page{}, fmt.Errorf("decode esplora tx: %w", err)
		}
		lastTxid = tx.Txid
		if !tx.Status.Confirmed {
			continue // mempool entries have no stable cursor position
		}
		// resumeHeight rows were already durable before the resume; the
		// replay window deliberately re-fetches them for dedup upstream.
		if resumeHeight > 0 && tx.Status.BlockHeight < resumeHeight {
			continue
		}
		tsMS := tx.Status.BlockTime * 1000
		if req.SinceMS > 0 && tsMS < req.SinceMS {
			continue
		}
		if req.UntilMS > 0 && tsMS > req.UntilMS {
			continue
		}
		rec := c.normalize(&tx, req.Address, string(req.Operation))
		page.Records = append(page.Records, provider.TxRecord{ExternalID: tx.Txid, Raw: raw, Normalized: rec})
		if tx.Status.BlockHeight > maxHeight {
			maxHeight = tx.Status.BlockHeight
		}
	}

	page.HasMore = len(raws) >= 25 // esplora page size
	page.Cursor = models.BlockCursor(maxHeight)
	if page.HasMore {
		page.Private[c.ProviderName+":lastTxid"] = lastTxid
	} else {
		page.Private[c.ProviderName+":lastTxid"] = ""
	}
	return page, nil
}

// normalize folds vin/vout into one signed balance change for the queried
// address: sum(vouts to addr) - sum(vins from addr), in BTC.
func (c *esploraClient) normalize(tx *esploraTx, address, operationType string) *models.NormalizedRecord {
	var in, out int64
	from, to := "", ""
	for _, vin := range tx.Vin {
		if vin.Prevout == nil {
			continue // coinbase
		}
		if from == "" {
			from = vin.Prevout.Address
		}
		if vin.Prevout.Address == address {
			out += vin.Prevout.Value
		}
	}
	for _, vout := range tx.Vout {
		if to == "" && vout.Address != address {
			to = vout.Address
		}
		if vout.Address == address {
			in += vout.Value
		}
	}

	delta := decimal.NewFromInt(in - out).Shift(-8)
	rec := &models.NormalizedRecord{
		ExternalID:    tx.Txid,
		Timestamp:     tx.Status.BlockTime * 1000,
		Status:        models.StatusSuccess,
		From:          from,
		To:            to,
		BlockHeight:   tx.Status.BlockHeight,
		TxHash:        tx.Txid,
		OperationType: operationType,
		Changes: []models.BalanceChange{{
			Address:     address,
			AssetSymbol: "BTC",
			Kind:        models.AssetKindNative,
			Amount:      delta,
			Decimals:    8,
		}},
	}
	if out > 0 {
		// user spent inputs, so the network fee came out of their funds
		rec.Fees = []models.RecordFee{{
			AssetSymbol: "BTC",
			Kind:        models.AssetKindNative,
			Amount:      decimal.NewFromInt(tx.Fee).Shift(-8),
			Scope:       models.FeeScopeNetwork,
			PaidBy:      address,
		}}
	}
	return rec
}

func (c *esploraClient) HasActivity(ctx context.Context, address string) (bool, error) {
	var stats esploraAddressStats
	if err := c.http.GetJSON(ctx, "/address/"+address, &stats); err != nil {
		return false, err
	}
	return stats.ChainStats.TxCount > 0, nil
}

func (c *esploraClient) Balances(ctx context.Context, address string) ([]models.BalanceChange, error) {
	var stats esploraAddressStats
	if err := c.http.GetJSON(ctx, "/address/"+address, &stats); err != nil {
		return nil, err
	}
	sats := stats.ChainStats.FundedSum - stats.ChainStats.SpentSum
	return []models.BalanceChange{{
		Address:     address,
		AssetSymbol: "BTC",
		Kind:        models.AssetKindNative,
		Amount:      decimal.NewFromInt(sats).Shift(-8),
		Decimals:    8,
	}}, nil
}

func registerEsplora(reg *provider.Registry) error {
	return reg.Register(provider.Metadata{
		Name:            "esplora",
		DisplayName:     "Blockstream Esplora",
		SupportedChains: []string{"bitcoin"},
		Operations: []provider.Operation{
			provider.OpAddressTransactions,
			provider.OpHasAddressTransactions,
			provider.OpAddressBalances,
		},
		BaseURL:  "https://blockstream.info/api",
		Rate:     httpx.RateConfig{Burst: 2, PerSecond: 2},
		Timeout:  30 * time.Second,
		Priority: 1,
		// precise pagination, no replay window
	}, func(cfg provider.Config) (provider.ApiClient, error) {
		return newEsploraClient("esplora", cfg)
	})
}

func registerMempoolSpace(reg *provider.Registry) error {
	return reg.Register(provider.Metadata{
		Name:            "mempoolspace",
		DisplayName:     "mempool.space",
		SupportedChains: []string{"bitcoin"},
		Operations: []provider.Operation{
			provider.OpAddressTransactions,
			provider.OpHasAddressTransactions,
			provider.OpAddressBalances,
		},
		BaseURL:      "https://mempool.space/api",
		Rate:         httpx.RateConfig{Burst: 2, PerSecond: 2},
		Timeout:      30 * time.Second,
		ReplayWindow: provider.ReplayWindow{Blocks: 6},
		Priority:     2,
	}, func(cfg provider.Config) (provider.ApiClient, error) {
		return newEsploraClient("mempoolspace", cfg)
	})
}
