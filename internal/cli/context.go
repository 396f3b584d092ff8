package cli

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	ucli "github.com/urfave/cli/v2"

	"github.com/jbelanger/exitbook-sub013/internal/apperr"
	"github.com/jbelanger/exitbook-sub013/internal/events"
	"github.com/jbelanger/exitbook-sub013/internal/importer"
	"github.com/jbelanger/exitbook-sub013/internal/linker"
	"github.com/jbelanger/exitbook-sub013/internal/override"
	"github.com/jbelanger/exitbook-sub013/internal/pipeline"
	"github.com/jbelanger/exitbook-sub013/internal/pricing"
	"github.com/jbelanger/exitbook-sub013/internal/processor"
	"github.com/jbelanger/exitbook-sub013/internal/provider"
	"github.com/jbelanger/exitbook-sub013/internal/providers"
	"github.com/jbelanger/exitbook-sub013/internal/storage"
	"github.com/jbelanger/exitbook-sub013/internal/tokenmeta"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

func requireEnv(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", apperr.Newf(apperr.Config, "required environment variable %s is not set", key).
			WithHint("export " + key + "=<value>")
	}
	return v, nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// runtime is the shared wiring of every command: database pools, provider
// manager, stores and the assembled pipeline. Opened lazily per command
// invocation and closed when the command returns.
type runtime struct {
	ctx  context.Context
	stop context.CancelFunc

	DB          *storage.DB
	Prices      *storage.PriceStore
	Bus         *events.Bus
	Registry    *provider.Registry
	Manager     *provider.Manager
	Sessions    *storage.SessionStore
	Ingest      *storage.IngestStore
	Txs         *storage.TransactionStore
	Links       *storage.LinkStore
	Checkpoints *storage.CheckpointStore
	Tokens      *tokenmeta.Service
	Overrides   *override.Log
	DataDir     string
}

// openRuntime connects everything a command might need. Interrupt and
// terminate signals cancel the returned context so in-flight work stops at
// the next checkpoint.
func openRuntime(c *ucli.Context) (*runtime, error) {
	connStr, err := requireEnv("EXITBOOK_DATABASE_URL")
	if err != nil {
		return nil, err
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)

	db, err := storage.Connect(ctx, connStr)
	if err != nil {
		stop()
		return nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		db.Close()
		stop()
		return nil, err
	}
	prices, err := storage.ConnectPrices(ctx, getEnvOrDefault("EXITBOOK_PRICES_DATABASE_URL", connStr))
	if err != nil {
		db.Close()
		stop()
		return nil, err
	}

	reg := provider.NewRegistry()
	if err := providers.RegisterAll(reg); err != nil {
		prices.Close()
		db.Close()
		stop()
		return nil, apperr.Wrap(apperr.Config, "provider registration failed", err)
	}

	bus := events.NewBus()
	dataDir := getEnvOrDefault("EXITBOOK_DATA_DIR", "data")

	return &runtime{
		ctx:         ctx,
		stop:        stop,
		DB:          db,
		Prices:      prices,
		Bus:         bus,
		Registry:    reg,
		Manager:     provider.NewManager(reg, bus, provider.ManagerConfig{}),
		Sessions:    storage.NewSessionStore(db),
		Ingest:      storage.NewIngestStore(db),
		Txs:         storage.NewTransactionStore(db),
		Links:       storage.NewLinkStore(db),
		Checkpoints: storage.NewCheckpointStore(db),
		Tokens:      tokenmeta.NewService(db.Pool()),
		Overrides:   override.OpenLog(filepath.Join(dataDir, "overrides.jsonl")),
		DataDir:     dataDir,
	}, nil
}

func (r *runtime) Close() {
	r.Prices.Close()
	r.DB.Close()
	r.stop()
}

// metadataResolver bridges the token metadata cache and the provider manager
// into the processor's resolver contract.
type metadataResolver struct {
	tokens *tokenmeta.Service
	mgr    *provider.Manager
}

func (m *metadataResolver) Resolve(ctx context.Context, chain string, contracts []string) (map[string]models.TokenMetadata, error) {
	return m.tokens.Resolve(ctx, chain, contracts, m.mgr.TokenMetadata)
}

// Processor builds the record processor with token metadata resolution.
func (r *runtime) Processor() *processor.Processor {
	return processor.New(&metadataResolver{tokens: r.Tokens, mgr: r.Manager})
}

// Enricher builds the pricing engine.
func (r *runtime) Enricher(cfg pricing.Config) *pricing.Engine {
	return pricing.NewEngine(r.Txs, r.Links, r.Prices, r.Manager, r.Bus, cfg)
}

// Pipeline assembles the full stage composition for one run.
func (r *runtime) Pipeline(enrichCfg pricing.Config) *pipeline.Pipeline {
	matcher := linker.NewMatcher(r.Txs, r.Links, linker.DefaultConfig())
	replayer := override.NewReplayer(r.Overrides, r.Links, r.Txs)
	return pipeline.New(r.Sessions, r.Ingest, r.Txs, r.Processor(), matcher, r.Enricher(enrichCfg), replayer, r.Bus)
}

// ImporterFor resolves a source name to its importer. Registered chains get
// the blockchain importer, "<chain>-xpub" the gap-scanning xpub importer, and
// anything else is treated as an exchange CSV source.
func (r *runtime) ImporterFor(source string) (importer.Importer, error) {
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" {
		return nil, apperr.New(apperr.InvalidArgs, "import requires --source")
	}
	if chainRegistered(r.Registry, source) {
		return importer.NewBlockchainImporter(source, streamOpsFor(r.Registry, source), r.Manager), nil
	}
	if chain := strings.TrimSuffix(source, "-xpub"); chain != source && chainRegistered(r.Registry, chain) {
		return importer.NewXpubImporter(chain, r.Manager), nil
	}
	return importer.NewCSVImporter(source), nil
}

func chainRegistered(reg *provider.Registry, chain string) bool {
	return len(reg.Providers(chain)) > 0
}

// streamOpsFor unions the chain's provider-declared transaction operations,
// so a chain with ERC-20 and internal-tx capable providers imports all three
// streams and a UTXO chain imports just the address stream.
func streamOpsFor(reg *provider.Registry, chain string) []provider.Operation {
	streamable := []provider.Operation{
		provider.OpAddressTransactions,
		provider.OpTokenTransactions,
		provider.OpInternalTransactions,
	}
	declared := map[provider.Operation]bool{}
	for _, e := range reg.Providers(chain) {
		for _, op := range e.Meta.Operations {
			declared[op] = true
		}
	}
	ops := make([]provider.Operation, 0, len(streamable))
	for _, op := range streamable {
		if declared[op] {
			ops = append(ops, op)
		}
	}
	return ops
}

var timeFlagFormats = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseTimeFlag accepts unix milliseconds, unix seconds or a calendar date
// and returns unix milliseconds.
func parseTimeFlag(name, v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		if n < 1e12 { // small enough to be seconds
			return n * 1000, nil
		}
		return n, nil
	}
	for _, layout := range timeFlagFormats {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC().UnixMilli(), nil
		}
	}
	return 0, apperr.Newf(apperr.InvalidArgs, "--%s: unrecognized timestamp %q", name, v).
		WithHint("use unix milliseconds or an RFC 3339 date")
}
