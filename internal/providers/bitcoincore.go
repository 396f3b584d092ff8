package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook-sub013/internal/httpx"
	"github.com/jbelanger/exitbook-sub013/internal/provider"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// bitcoincoreClient drives a local node over JSON-RPC. Address lookups use
// the addressindex RPCs (getaddresstxids / getaddressbalance), so the node
// must run with an address index; without one the calls fail with a clear
// RPC error instead of silently missing history. The typed rpcclient covers
// standard calls; RawRequest is the escape hatch for the index RPCs it does
// not wrap.
type bitcoincoreClient struct {
	provider.BaseClient
	rpc   *rpcclient.Client
	chain string
}

func newBitcoincoreClient(cfg provider.Config) (provider.ApiClient, error) {
	host := os.Getenv("BTC_RPC_HOST")
	user := os.Getenv("BTC_RPC_USER")
	pass := os.Getenv("BTC_RPC_PASS")
	if host == "" || user == "" {
		return nil, fmt.Errorf("bitcoincore: BTC_RPC_HOST and BTC_RPC_USER must be set")
	}
	connCfg := &rpcclient.ConnConfig{
		Host:         host,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true, // Bitcoin Core only supports HTTP POST mode
		DisableTLS:   true,
	}
	log.Printf("[BitcoinCore] connecting to node at %s...", host)
	rpc, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, err
	}
	height, err := rpc.GetBlockCount()
	if err != nil {
		rpc.Shutdown()
		return nil, fmt.Errorf("bitcoincore: node unreachable: %w", err)
	}
	log.Printf("[BitcoinCore] connected, block height %d", height)
	return &bitcoincoreClient{
		BaseClient: provider.BaseClient{ProviderName: "bitcoincore"},
		rpc:        rpc,
		chain:      cfg.Chain,
	}, nil
}

// addressTxids calls the addressindex getaddresstxids RPC with a height
// range. rpcclient has no typed wrapper, so this goes through RawRequest.
func (c *bitcoincoreClient) addressTxids(address string, startHeight, endHeight int64) ([]string, error) {
	arg, err := json.Marshal(map[string]any{
		"addresses": []string{address},
		"start":     startHeight,
		"end":       endHeight,
	})
	if err != nil {
		return nil, err
	}
	raw, err := c.rpc.RawRequest("getaddresstxids", []json.RawMessage{arg})
	if err != nil {
		return nil, err
	}
	var txids []string
	if err := json.Unmarshal(raw, &txids); err != nil {
		return nil, fmt.Errorf("decode getaddresstxids: %w", err)
	}
	return txids, nil
}

const bitcoincorePageTxids = 25

func (c *bitcoincoreClient) FetchPage(ctx context.Context, req provider.PageRequest) (provider.Page, error) {
	if err := ctx.Err(); err != nil {
		return provider.Page{}, err
	}
	tip, err := c.rpc.GetBlockCount()
	if err != nil {
		return provider.Page{}, err
	}
	startHeight := int64(0)
	if req.Cursor.Kind == models.CursorBlock && req.Cursor.Value != "" {
		startHeight, _ = req.Cursor.Int64()
	}

	txids, err := c.addressTxids(req.Address, startHeight, tip)
	if err != nil {
		return provider.Page{}, err
	}
	if len(txids) > bitcoincorePageTxids {
		txids = txids[:bitcoincorePageTxids]
	}

	page := provider.Page{}
	maxHeight := startHeight
	for _, txid := range txids {
		if err := ctx.Err(); err != nil {
			return provider.Page{}, err
		}
		hash, err := chainhash.NewHashFromStr(txid)
		if err != nil {
			continue
		}
		verbose, err := c.rpc.GetRawTransactionVerbose(hash)
		if err != nil {
			return provider.Page{}, err
		}
		rec, height, err := c.normalize(verbose, req)
		if err != nil {
			continue
		}
		raw, _ := json.Marshal(verbose)
		page.Records = append(page.Records, provider.TxRecord{ExternalID: txid, Raw: raw, Normalized: rec})
		if height > maxHeight {
			maxHeight = height
		}
	}
	page.HasMore = len(txids) == bitcoincorePageTxids
	if page.HasMore {
		maxHeight++
	}
	page.Cursor = models.BlockCursor(maxHeight)
	return page, nil
}

// normalize resolves the user-side value flow of one transaction. Input
// values require fetching each prevout; a local node makes that cheap.
func (c *bitcoincoreClient) normalize(tx *btcjson.TxRawResult, req provider.PageRequest) (*models.NormalizedRecord, int64, error) {
	var height int64
	if tx.BlockHash != "" {
		bh, err := chainhash.NewHashFromStr(tx.BlockHash)
		if err == nil {
			if hdr, err := c.rpc.GetBlockHeaderVerbose(bh); err == nil {
				height = int64(hdr.Height)
			}
		}
	}

	var inBTC, outBTC float64
	from, to := "", ""
	for _, vin := range tx.Vin {
		if vin.Txid == "" {
			continue // coinbase
		}
		prevHash, err := chainhash.NewHashFromStr(vin.Txid)
		if err != nil {
			continue
		}
		prev, err := c.rpc.GetRawTransactionVerbose(prevHash)
		if err != nil || int(vin.Vout) >= len(prev.Vout) {
			continue
		}
		prevOut := prev.Vout[vin.Vout]
		addr := firstAddress(prevOut.ScriptPubKey.Addresses, prevOut.ScriptPubKey.Address)
		if from == "" {
			from = addr
		}
		if addr == req.Address {
			outBTC += prevOut.Value
		}
	}
	for _, vout := range tx.Vout {
		addr := firstAddress(vout.ScriptPubKey.Addresses, vout.ScriptPubKey.Address)
		if to == "" && addr != req.Address {
			to = addr
		}
		if addr == req.Address {
			inBTC += vout.Value
		}
	}

	delta := decimal.NewFromFloat(inBTC).Sub(decimal.NewFromFloat(outBTC)).Round(8)
	rec := &models.NormalizedRecord{
		ExternalID:    tx.Txid,
		Timestamp:     tx.Blocktime * 1000,
		Status:        models.StatusSuccess,
		From:          from,
		To:            to,
		BlockHeight:   height,
		TxHash:        tx.Txid,
		OperationType: string(req.Operation),
		Changes: []models.BalanceChange{{
			Address:     req.Address,
			AssetSymbol: "BTC",
			Kind:        models.AssetKindNative,
			Amount:      delta,
			Decimals:    8,
		}},
	}
	return rec, height, nil
}

func firstAddress(addrs []string, single string) string {
	if len(addrs) > 0 {
		return addrs[0]
	}
	return single
}

func (c *bitcoincoreClient) HasActivity(ctx context.Context, address string) (bool, error) {
	txids, err := c.addressTxids(address, 0, 0)
	if err != nil {
		// an unindexed or never-seen address reports empty, not an error
		if strings.Contains(err.Error(), "No information") {
			return false, nil
		}
		return false, err
	}
	return len(txids) > 0, nil
}

func (c *bitcoincoreClient) Balances(ctx context.Context, address string) ([]models.BalanceChange, error) {
	arg, err := json.Marshal(map[string]any{"addresses": []string{address}})
	if err != nil {
		return nil, err
	}
	raw, err := c.rpc.RawRequest("getaddressbalance", []json.RawMessage{arg})
	if err != nil {
		return nil, err
	}
	var result struct {
		Balance int64 `json:"balance"` // satoshis
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode getaddressbalance: %w", err)
	}
	return []models.BalanceChange{{
		Address:     address,
		AssetSymbol: "BTC",
		Kind:        models.AssetKindNative,
		Amount:      decimal.NewFromInt(result.Balance).Shift(-8),
		Decimals:    8,
	}}, nil
}

func registerBitcoincore(reg *provider.Registry) error {
	return reg.Register(provider.Metadata{
		Name:            "bitcoincore",
		DisplayName:     "Bitcoin Core (local node)",
		SupportedChains: []string{"bitcoin"},
		Operations: []provider.Operation{
			provider.OpAddressTransactions,
			provider.OpHasAddressTransactions,
			provider.OpAddressBalances,
		},
		BaseURL: "http://localhost:8332",
		Rate:    httpx.RateConfig{Burst: 4, PerSecond: 20}, // local node, generous
		Timeout: 60 * time.Second,
		// sequential height scans on one node need no replay window
		Priority: 3,
	}, newBitcoincoreClient)
}
