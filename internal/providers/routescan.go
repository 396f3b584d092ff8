package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook-sub013/internal/httpx"
	"github.com/jbelanger/exitbook-sub013/internal/provider"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// routescanClient speaks the etherscan-family API: txlist for native
// transfers, tokentx for ERC-20, txlistinternal for internal calls. Block
// cursor with ascending sort; the page size is fixed by offset.
type routescanClient struct {
	provider.BaseClient
	http   *httpx.Client
	chain  string
	apiKey string
}

const routescanPageSize = 100

func newRoutescanClient(cfg provider.Config) (provider.ApiClient, error) {
	client, err := httpx.New(cfg.HTTP)
	if err != nil {
		return nil, err
	}
	return &routescanClient{
		BaseClient: provider.BaseClient{ProviderName: "routescan"},
		http:       client,
		chain:      cfg.Chain,
		apiKey:     cfg.APIKey,
	}, nil
}

type routescanEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type routescanTx struct {
	Hash            string `json:"hash"`
	BlockNumber     string `json:"blockNumber"`
	TimeStamp       string `json:"timeStamp"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	GasUsed         string `json:"gasUsed"`
	GasPrice        string `json:"gasPrice"`
	IsError         string `json:"isError"`
	ContractAddress string `json:"contractAddress"`
	TokenSymbol     string `json:"tokenSymbol"`
	TokenDecimal    string `json:"tokenDecimal"`
	FunctionName    string `json:"functionName"`
	TraceID         string `json:"traceId"`
}

func (c *routescanClient) action(op provider.Operation) (string, error) {
	switch op {
	case provider.OpAddressTransactions:
		return "txlist", nil
	case provider.OpTokenTransactions:
		return "tokentx", nil
	case provider.OpInternalTransactions:
		return "txlistinternal", nil
	}
	return "", fmt.Errorf("routescan: unsupported operation %s", op)
}

func (c *routescanClient) FetchPage(ctx context.Context, req provider.PageRequest) (provider.Page, error) {
	action, err := c.action(req.Operation)
	if err != nil {
		return provider.Page{}, err
	}
	startBlock := int64(0)
	if req.Cursor.Kind == models.CursorBlock && req.Cursor.Value != "" {
		startBlock, _ = req.Cursor.Int64()
	}

	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", action)
	q.Set("address", req.Address)
	q.Set("startblock", strconv.FormatInt(startBlock, 10))
	q.Set("endblock", "latest")
	q.Set("page", "1")
	q.Set("offset", strconv.Itoa(routescanPageSize))
	q.Set("sort", "asc")
	q.Set("apikey", c.apiKey)

	var env routescanEnvelope
	if err := c.http.GetJSON(ctx, "/api?"+q.Encode(), &env); err != nil {
		return provider.Page{}, err
	}
	// status "0" with "No transactions found" is an empty page, not an error
	if env.Status == "0" && !strings.Contains(env.Message, "No transactions") {
		return provider.Page{}, fmt.Errorf("routescan %s: %s", action, env.Message)
	}
	var txs []routescanTx
	if len(env.Result) > 0 && env.Result[0] == '[' {
		if err := json.Unmarshal(env.Result, &txs); err != nil {
			return provider.Page{}, fmt.Errorf("decode routescan result: %w", err)
		}
	}

	page := provider.Page{Cursor: req.Cursor}
	maxBlock := startBlock
	for _, tx := range txs {
		rec, err := c.normalize(&tx, req)
		if err != nil {
			continue // malformed row, reported via batch stats upstream
		}
		if req.SinceMS > 0 && rec.Timestamp < req.SinceMS {
			continue
		}
		if req.UntilMS > 0 && rec.Timestamp > req.UntilMS {
			continue
		}
		raw, _ := json.Marshal(tx)
		page.Records = append(page.Records, provider.TxRecord{ExternalID: rec.ExternalID, Raw: raw, Normalized: rec})
		if rec.BlockHeight > maxBlock {
			maxBlock = rec.BlockHeight
		}
	}
	page.HasMore = len(txs) >= routescanPageSize
	if page.HasMore {
		maxBlock++ // resume strictly after the last full block
	}
	page.Cursor = models.BlockCursor(maxBlock)
	return page, nil
}

func (c *routescanClient) normalize(tx *routescanTx, req provider.PageRequest) (*models.NormalizedRecord, error) {
	block, err := strconv.ParseInt(tx.BlockNumber, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad block number %q", tx.BlockNumber)
	}
	ts, err := strconv.ParseInt(tx.TimeStamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad timestamp %q", tx.TimeStamp)
	}
	value, err := decimal.NewFromString(tx.Value)
	if err != nil {
		return nil, fmt.Errorf("bad value %q", tx.Value)
	}

	addr := strings.ToLower(req.Address)
	from := strings.ToLower(tx.From)
	to := strings.ToLower(tx.To)

	status := models.StatusSuccess
	if tx.IsError == "1" {
		status = models.StatusFailed
	}

	externalID := tx.Hash
	if tx.TraceID != "" {
		externalID = tx.Hash + ":" + tx.TraceID
	}

	rec := &models.NormalizedRecord{
		ExternalID:    externalID,
		Timestamp:     ts * 1000,
		Status:        status,
		From:          from,
		To:            to,
		BlockHeight:   block,
		TxHash:        tx.Hash,
		Method:        methodName(tx.FunctionName),
		OperationType: string(req.Operation),
	}

	var change models.BalanceChange
	switch req.Operation {
	case provider.OpTokenTransactions:
		if tx.ContractAddress == "" {
			return nil, fmt.Errorf("token transfer %s without contract address", tx.Hash)
		}
		decimals, _ := strconv.Atoi(tx.TokenDecimal)
		change = models.BalanceChange{
			Address:         addr,
			AssetSymbol:     strings.ToUpper(tx.TokenSymbol),
			ContractAddress: strings.ToLower(tx.ContractAddress),
			Kind:            models.AssetKindToken,
			Amount:          value.Shift(int32(-decimals)),
			Decimals:        decimals,
		}
		if tx.ContractAddress != "" && externalID == tx.Hash {
			// several token events may share a hash; disambiguate
			rec.ExternalID = tx.Hash + ":" + strings.ToLower(tx.ContractAddress)
		}
	default:
		change = models.BalanceChange{
			Address:     addr,
			AssetSymbol: "ETH",
			Kind:        models.AssetKindNative,
			Amount:      value.Shift(-18),
			Decimals:    18,
		}
	}
	if from == addr {
		change.Amount = change.Amount.Neg()
	} else if to != addr {
		change.Amount = decimal.Zero // observed but neither side is ours
	}
	// failed sends move no value but still burn gas
	if status == models.StatusFailed {
		change.Amount = decimal.Zero
	}
	rec.Changes = []models.BalanceChange{change}

	if from == addr && req.Operation == provider.OpAddressTransactions {
		gasUsed, err1 := decimal.NewFromString(tx.GasUsed)
		gasPrice, err2 := decimal.NewFromString(tx.GasPrice)
		if err1 == nil && err2 == nil && gasUsed.IsPositive() {
			rec.Fees = []models.RecordFee{{
				AssetSymbol: "ETH",
				Kind:        models.AssetKindNative,
				Amount:      gasUsed.Mul(gasPrice).Shift(-18),
				Scope:       models.FeeScopeNetwork,
				PaidBy:      from,
			}}
		}
	}
	return rec, nil
}

// methodName strips the signature part of etherscan's functionName field:
// "transfer(address to, uint256 value)" → "transfer".
func methodName(fn string) string {
	if i := strings.IndexByte(fn, '('); i > 0 {
		return fn[:i]
	}
	return fn
}

func (c *routescanClient) HasActivity(ctx context.Context, address string) (bool, error) {
	page, err := c.FetchPage(ctx, provider.PageRequest{
		Operation: provider.OpAddressTransactions,
		Address:   address,
		Limit:     1,
	})
	if err != nil {
		return false, err
	}
	return len(page.Records) > 0, nil
}

func registerRoutescan(reg *provider.Registry) error {
	return reg.Register(provider.Metadata{
		Name:            "routescan",
		DisplayName:     "Routescan",
		SupportedChains: []string{"ethereum"},
		Operations: []provider.Operation{
			provider.OpAddressTransactions,
			provider.OpTokenTransactions,
			provider.OpInternalTransactions,
			provider.OpHasAddressTransactions,
		},
		RequiresAPIKey: true,
		APIKeyEnvVar:   "ETHERSCAN_API_KEY",
		BaseURL:        "https://api.routescan.io/v2/network/mainnet/evm/1/etherscan",
		Rate:           httpx.RateConfig{Burst: 1, PerSecond: 4},
		Timeout:        30 * time.Second,
		ReplayWindow:   provider.ReplayWindow{Blocks: 12},
		Priority:       1,
	}, newRoutescanClient)
}
