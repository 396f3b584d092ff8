package providers

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook-sub013/internal/httpx"
	"github.com/jbelanger/exitbook-sub013/internal/provider"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// coingeckoClient fetches historical daily prices. Demo and pro keys use
// different hosts and header names; the factory picks the right pair from
// the key prefix (pro keys start with "CG-" on the pro plan, demo keys work
// against the public host).
type coingeckoClient struct {
	provider.BaseClient
	http *httpx.Client
}

// coingeckoIDs maps common symbols to coingecko coin ids. Unknown symbols
// fall back to the lower-cased symbol, which matches for many smaller coins.
var coingeckoIDs = map[string]string{
	"BTC":   "bitcoin",
	"ETH":   "ethereum",
	"SOL":   "solana",
	"ADA":   "cardano",
	"DOT":   "polkadot",
	"AVAX":  "avalanche-2",
	"MATIC": "matic-network",
	"LTC":   "litecoin",
	"DOGE":  "dogecoin",
	"USDT":  "tether",
	"USDC":  "usd-coin",
	"DAI":   "dai",
	"XRP":   "ripple",
	"BNB":   "binancecoin",
	"LINK":  "chainlink",
	"UNI":   "uniswap",
	"ATOM":  "cosmos",
}

func newCoingeckoClient(cfg provider.Config) (provider.ApiClient, error) {
	headers := map[string]string{}
	if cfg.APIKey != "" {
		if strings.HasPrefix(cfg.BaseURL, "https://pro-api") {
			headers["x-cg-pro-api-key"] = cfg.APIKey
		} else {
			headers["x-cg-demo-api-key"] = cfg.APIKey
		}
	}
	httpCfg := cfg.HTTP
	httpCfg.Headers = headers
	client, err := httpx.New(httpCfg)
	if err != nil {
		return nil, err
	}
	return &coingeckoClient{
		BaseClient: provider.BaseClient{ProviderName: "coingecko"},
		http:       client,
	}, nil
}

type coingeckoHistory struct {
	MarketData *struct {
		CurrentPrice map[string]float64 `json:"current_price"`
	} `json:"market_data"`
}

// Quote returns the daily historical price via /coins/{id}/history. The
// endpoint snapshots 00:00 UTC of the requested day, so granularity is
// daily unless the movement itself sits on the bucket boundary.
func (c *coingeckoClient) Quote(ctx context.Context, req provider.QuoteRequest) (provider.Quote, error) {
	id, ok := coingeckoIDs[strings.ToUpper(req.AssetSymbol)]
	if !ok {
		id = strings.ToLower(req.AssetSymbol)
	}
	date := req.At.UTC().Format("02-01-2006")
	q := url.Values{}
	q.Set("date", date)
	q.Set("localization", "false")

	var hist coingeckoHistory
	if err := c.http.GetJSON(ctx, "/coins/"+id+"/history?"+q.Encode(), &hist); err != nil {
		return provider.Quote{}, err
	}
	if hist.MarketData == nil {
		return provider.Quote{}, fmt.Errorf("coingecko: no market data for %s on %s", id, date)
	}
	cur := strings.ToLower(req.Currency)
	price, ok := hist.MarketData.CurrentPrice[cur]
	if !ok || price <= 0 {
		return provider.Quote{}, fmt.Errorf("coingecko: no %s price for %s on %s", req.Currency, id, date)
	}
	return provider.Quote{
		Price:       decimal.NewFromFloat(price),
		Currency:    strings.ToUpper(req.Currency),
		Granularity: models.GranularityDaily,
		Provider:    "coingecko",
	}, nil
}

func registerCoingecko(reg *provider.Registry) error {
	return reg.Register(provider.Metadata{
		Name:            "coingecko",
		DisplayName:     "CoinGecko",
		SupportedChains: []string{provider.ScopeMarket},
		Operations:      []provider.Operation{provider.OpFetchPrice},
		RequiresAPIKey:  true,
		APIKeyEnvVar:    "COINGECKO_API_KEY",
		BaseURL:         "https://api.coingecko.com/api/v3",
		Rate:            httpx.RateConfig{Burst: 1, PerMinute: 30},
		Timeout:         30 * time.Second,
		Priority:        1,
	}, newCoingeckoClient)
}
