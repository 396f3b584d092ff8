// Package provider hosts the provider registry and the per-chain manager
// that selects, monitors and fails over between competing data providers.
package provider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jbelanger/exitbook-sub013/internal/httpx"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

// Operation names one capability a provider may support.
type Operation string

const (
	OpAddressTransactions    Operation = "getAddressTransactions"
	OpTokenTransactions      Operation = "getTokenTransactions"
	OpInternalTransactions   Operation = "getInternalTransactions"
	OpAddressBalances        Operation = "getAddressBalances"
	OpHasAddressTransactions Operation = "hasAddressTransactions"
	OpTokenMetadata          Operation = "getTokenMetadata"
	OpFetchPrice             Operation = "fetchPrice"
	OpFetchHistoricalRange   Operation = "fetchHistoricalRange"
)

// Pseudo-chains under which non-blockchain providers register. Market price
// and FX providers go through the same registry, manager and failover logic
// as chain indexers.
const (
	ScopeMarket = "market"
	ScopeFX     = "fx"
)

// ReplayWindow is the conservative cursor rewind a provider requires when it
// resumes a stream authored by another provider. The zero value means the
// provider paginates precisely and needs no rewind.
type ReplayWindow struct {
	Blocks   int64         `json:"blocks,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

func (w ReplayWindow) IsZero() bool { return w.Blocks == 0 && w.Duration == 0 }

// Metadata describes a provider to the registry and the manager.
type Metadata struct {
	Name            string           `json:"name"`
	DisplayName     string           `json:"displayName,omitempty"`
	SupportedChains []string         `json:"supportedChains"`
	Operations      []Operation      `json:"operations"`
	RequiresAPIKey  bool             `json:"requiresApiKey"`
	APIKeyEnvVar    string           `json:"apiKeyEnvVar,omitempty"`
	BaseURL         string           `json:"baseUrl"`
	Rate            httpx.RateConfig `json:"rate"`
	Timeout         time.Duration    `json:"timeout,omitempty"`
	ReplayWindow    ReplayWindow     `json:"replayWindow,omitempty"`
	Priority        int              `json:"priority"` // lower is preferred
}

// Supports reports whether the metadata declares the operation.
func (m Metadata) Supports(op Operation) bool {
	for _, o := range m.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// Config is handed to a provider factory when the manager enrolls it.
type Config struct {
	Chain   string // the chain this instance is bound to
	APIKey  string
	BaseURL string // metadata BaseURL unless overridden
	HTTP    httpx.Config
}

// Factory builds a provider client bound to one chain.
type Factory func(cfg Config) (ApiClient, error)

// TxRecord is one provider-returned transaction: the raw payload verbatim
// plus its normalized form.
type TxRecord struct {
	ExternalID string
	Raw        json.RawMessage
	Normalized *models.NormalizedRecord
}

// PageRequest asks a provider for one page of transactions. Private carries
// provider-authored cursor extras (keyed "<provider>:<field>"); providers
// read only their own keys.
type PageRequest struct {
	Operation Operation
	Address   string
	Cursor    models.CursorPosition // zero Value starts from the beginning
	Private   map[string]string
	SinceMS   int64
	UntilMS   int64
	Limit     int
}

// Page is one provider page. Cursor is the self-contained resume position
// that yields strictly newer data when passed back; Private contributes
// provider-authored extras to the durable cursor metadata.
type Page struct {
	Records []TxRecord
	Cursor  models.CursorPosition
	Private map[string]string
	HasMore bool
}

// QuoteRequest asks a price provider for one asset price at one instant.
type QuoteRequest struct {
	AssetSymbol string // upper-case symbol, or ISO code for FX
	Currency    string // requested quote currency
	At          time.Time
}

// Quote is a provider price answer. Currency is what the provider actually
// quoted in; the enrichment engine handles stablecoin-denominated answers.
type Quote struct {
	Price       decimal.Decimal
	Currency    string
	Granularity models.PriceGranularity
	Provider    string // answering provider, for price source attribution
}

// ApiClient is the uniform surface the manager drives. Providers implement
// the operations their metadata declares and inherit Unsupported for the
// rest via BaseClient.
type ApiClient interface {
	Name() string
	FetchPage(ctx context.Context, req PageRequest) (Page, error)
	HasActivity(ctx context.Context, address string) (bool, error)
	Balances(ctx context.Context, address string) ([]models.BalanceChange, error)
	TokenMetadata(ctx context.Context, contracts []string) ([]models.TokenMetadata, error)
	Quote(ctx context.Context, req QuoteRequest) (Quote, error)
}

// BaseClient supplies Unsupported defaults so providers only implement what
// they declare.
type BaseClient struct {
	ProviderName string
}

func (b BaseClient) Name() string { return b.ProviderName }

func (b BaseClient) FetchPage(context.Context, PageRequest) (Page, error) {
	return Page{}, errUnsupported(b.ProviderName, "FetchPage")
}

func (b BaseClient) HasActivity(context.Context, string) (bool, error) {
	return false, errUnsupported(b.ProviderName, "HasActivity")
}

func (b BaseClient) Balances(context.Context, string) ([]models.BalanceChange, error) {
	return nil, errUnsupported(b.ProviderName, "Balances")
}

func (b BaseClient) TokenMetadata(context.Context, []string) ([]models.TokenMetadata, error) {
	return nil, errUnsupported(b.ProviderName, "TokenMetadata")
}

func (b BaseClient) Quote(context.Context, QuoteRequest) (Quote, error) {
	return Quote{}, errUnsupported(b.ProviderName, "Quote")
}
