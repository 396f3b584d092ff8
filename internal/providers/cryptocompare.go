package providers

import (
	"context"
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

// cryptocompareClient fetches hourly historical closes, a finer granularity
// than coingecko's daily snapshots. Answers are exact when the requested
// instant falls inside the returned hour, interpolated otherwise.
type cryptocompareClient struct {
	provider.BaseClient
	http *httpx.Client
}

func newCryptocompareClient(cfg provider.Config) (provider.ApiClient, error) {
	httpCfg := cfg.HTTP
	if cfg.APIKey != "" {
		httpCfg.Headers = map[string]string{"authorization": "Apikey " + cfg.APIKey}
	}
	client, err := httpx.New(httpCfg)
	if err != nil {
		return nil, err
	}
	return &cryptocompareClient{
		BaseClient: provider.BaseClient{ProviderName: "cryptocompare"},
		http:       client,
	}, nil
}

type cryptocompareHisto struct {
	Response string `json:"Response"`
	Message  string `json:"Message"`
	Data     struct {
		Data []struct {
			Time  int64   `json:"time"`
			Close float64 `json:"close"`
		} `json:"Data"`
	} `json:"Data"`
}

func (c *cryptocompareClient) Quote(ctx context.Context, req provider.QuoteRequest) (provider.Quote, error) {
	ts := req.At.UTC().Unix()
	q := url.Values{}
	q.Set("fsym", strings.ToUpper(req.AssetSymbol))
	q.Set("tsym", strings.ToUpper(req.Currency))
	q.Set("limit", "1")
	q.Set("toTs", strconv.FormatInt(ts, 10))

	var histo cryptocompareHisto
	if err := c.http.GetJSON(ctx, "/data/v2/histohour?"+q.Encode(), &histo); err != nil {
		return provider.Quote{}, err
	}
	if histo.Response == "Error" {
		return provider.Quote{}, fmt.Errorf("cryptocompare: %s", histo.Message)
	}
	points := histo.Data.Data
	if len(points) == 0 {
		return provider.Quote{}, fmt.Errorf("cryptocompare: no data for %s/%s at %d", req.AssetSymbol, req.Currency, ts)
	}
	last := points[len(points)-1]
	if last.Close <= 0 {
		return provider.Quote{}, fmt.Errorf("cryptocompare: zero close for %s/%s at %d", req.AssetSymbol, req.Currency, ts)
	}
	granularity := models.GranularityInterpolated
	if ts-last.Time < 3600 {
		granularity = models.GranularityExact
	}
	return provider.Quote{
		Price:       decimal.NewFromFloat(last.Close),
		Currency:    strings.ToUpper(req.Currency),
		Granularity: granularity,
		Provider:    "cryptocompare",
	}, nil
}

func registerCryptocompare(reg *provider.Registry) error {
	return reg.Register(provider.Metadata{
		Name:            "cryptocompare",
		DisplayName:     "CryptoCompare",
		SupportedChains: []string{provider.ScopeMarket},
		Operations:      []provider.Operation{provider.OpFetchPrice, provider.OpFetchHistoricalRange},
		RequiresAPIKey:  true,
		APIKeyEnvVar:    "CRYPTOCOMPARE_API_KEY",
		BaseURL:         "https://min-api.cryptocompare.com",
		Rate:            httpx.RateConfig{Burst: 2, PerSecond: 5},
		Timeout:         30 * time.Second,
		Priority:        2,
	}, newCryptocompareClient)
}
