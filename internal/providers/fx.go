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

// ecbClient serves ECB daily reference rates (via the frankfurter.app
// mirror of the ECB feed). Authoritative for EUR crosses; always daily
// granularity. Preferred over the general-purpose fallback.
type ecbClient struct {
	provider.BaseClient
	http *httpx.Client
}

func newEcbClient(cfg provider.Config) (provider.ApiClient, error) {
	client, err := httpx.New(cfg.HTTP)
	if err != nil {
		return nil, err
	}
	return &ecbClient{
		BaseClient: provider.BaseClient{ProviderName: "ecb"},
		http:       client,
	}, nil
}

type frankfurterResponse struct {
	Rates map[string]float64 `json:"rates"`
	Date  string             `json:"date"`
}

// Quote returns the base→quote daily reference rate for the request date.
// The feed skips weekends and holidays; frankfurter answers with the last
// published banking day, which is the accepted daily-granularity behavior.
func (c *ecbClient) Quote(ctx context.Context, req provider.QuoteRequest) (provider.Quote, error) {
	base := strings.ToUpper(req.AssetSymbol)
	quote := strings.ToUpper(req.Currency)
	date := req.At.UTC().Format("2006-01-02")

	q := url.Values{}
	q.Set("from", base)
	q.Set("to", quote)
	var resp frankfurterResponse
	if err := c.http.GetJSON(ctx, "/"+date+"?"+q.Encode(), &resp); err != nil {
		return provider.Quote{}, err
	}
	rate, ok := resp.Rates[quote]
	if !ok || rate <= 0 {
		return provider.Quote{}, fmt.Errorf("ecb: no %s/%s rate for %s", base, quote, date)
	}
	return provider.Quote{
		Price:       decimal.NewFromFloat(rate),
		Currency:    quote,
		Granularity: models.GranularityDaily,
		Provider:    "ecb",
	}, nil
}

func registerECB(reg *provider.Registry) error {
	return reg.Register(provider.Metadata{
		Name:            "ecb",
		DisplayName:     "ECB reference rates",
		SupportedChains: []string{provider.ScopeFX},
		Operations:      []provider.Operation{provider.OpFetchPrice},
		BaseURL:         "https://api.frankfurter.app",
		Rate:            httpx.RateConfig{Burst: 2, PerSecond: 5},
		Timeout:         30 * time.Second,
		Priority:        1,
	}, newEcbClient)
}

// exchangerateClient is the general-purpose FX fallback for currencies the
// ECB feed does not publish.
type exchangerateClient struct {
	provider.BaseClient
	http   *httpx.Client
	apiKey string
}

func newExchangerateClient(cfg provider.Config) (provider.ApiClient, error) {
	client, err := httpx.New(cfg.HTTP)
	if err != nil {
		return nil, err
	}
	return &exchangerateClient{
		BaseClient: provider.BaseClient{ProviderName: "exchangerate"},
		http:       client,
		apiKey:     cfg.APIKey,
	}, nil
}

type exchangerateConvert struct {
	Success bool    `json:"success"`
	Result  float64 `json:"result"`
}

func (c *exchangerateClient) Quote(ctx context.Context, req provider.QuoteRequest) (provider.Quote, error) {
	base := strings.ToUpper(req.AssetSymbol)
	quote := strings.ToUpper(req.Currency)

	q := url.Values{}
	q.Set("from", base)
	q.Set("to", quote)
	q.Set("amount", "1")
	q.Set("date", req.At.UTC().Format("2006-01-02"))
	q.Set("access_key", c.apiKey)

	var resp exchangerateConvert
	if err := c.http.GetJSON(ctx, "/convert?"+q.Encode(), &resp); err != nil {
		return provider.Quote{}, err
	}
	if !resp.Success || resp.Result <= 0 {
		return provider.Quote{}, fmt.Errorf("exchangerate: no %s/%s rate", base, quote)
	}
	return provider.Quote{
		Price:       decimal.NewFromFloat(resp.Result),
		Currency:    quote,
		Granularity: models.GranularityDaily,
		Provider:    "exchangerate",
	}, nil
}

func registerExchangerate(reg *provider.Registry) error {
	return reg.Register(provider.Metadata{
		Name:            "exchangerate",
		DisplayName:     "exchangerate.host",
		SupportedChains: []string{provider.ScopeFX},
		Operations:      []provider.Operation{provider.OpFetchPrice},
		RequiresAPIKey:  true,
		APIKeyEnvVar:    "EXCHANGERATE_API_KEY",
		BaseURL:         "https://api.exchangerate.host",
		Rate:            httpx.RateConfig{Burst: 1, PerSecond: 2},
		Timeout:         30 * time.Second,
		Priority:        2,
	}, newExchangerateClient)
}
