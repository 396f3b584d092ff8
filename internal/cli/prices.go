package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	ucli "github.com/urfave/cli/v2"

	"github.com/jbelanger/exitbook-sub013/internal/apperr"
	"github.com/jbelanger/exitbook-sub013/internal/override"
	"github.com/jbelanger/exitbook-sub013/internal/storage"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

func pricesCommand() *ucli.Command {
	return &ucli.Command{
		Name:  "prices",
		Usage: "inspect movement prices and set manual overrides",
		Subcommands: []*ucli.Command{
			{
				Name:  "view",
				Usage: "show movement prices, or unpriced movements with --missing-only",
				Flags: []ucli.Flag{
					&ucli.BoolFlag{Name: "missing-only", Usage: "list only movements without a price"},
					&ucli.IntFlag{Name: "limit", Value: 500},
				},
				Action: runPricesView,
			},
			{
				Name:  "set",
				Usage: "record a manual price override for one movement",
				Flags: []ucli.Flag{
					&ucli.StringFlag{Name: "fingerprint", Required: true, Usage: "target transaction fingerprint"},
					&ucli.StringFlag{Name: "side", Required: true, Usage: "inflow or outflow"},
					&ucli.StringFlag{Name: "asset-id", Usage: "movement asset id, required when the side is ambiguous"},
					&ucli.StringFlag{Name: "price", Required: true, Usage: "unit price"},
					&ucli.StringFlag{Name: "currency", Value: "USD"},
				},
				Action: runPricesSet,
			},
		},
	}
}

func runPricesView(c *ucli.Context) error {
	p := newPrinter(c, "prices view")
	rt, err := openRuntime(c)
	if err != nil {
		return p.fail(err)
	}
	defer rt.Close()

	if c.Bool("missing-only") {
		missing, err := storage.MissingPrices(rt.ctx, rt.DB, c.Int("limit"))
		if err != nil {
			return p.fail(err)
		}
		if !p.json {
			for _, m := range missing {
				fmt.Printf("tx %-8d %-8s %-8s %s\n", m.TransactionID, m.Direction, m.AssetSymbol, m.AssetID)
			}
			fmt.Printf("%d unpriced movement(s)\n", len(missing))
		}
		return p.ok(missing)
	}

	txs, err := rt.Txs.List(rt.ctx, storage.TxFilter{Limit: c.Int("limit")})
	if err != nil {
		return p.fail(err)
	}
	type pricedMovement struct {
		Fingerprint string             `json:"fingerprint"`
		Direction   string             `json:"direction"`
		AssetSymbol string             `json:"assetSymbol"`
		Amount      decimal.Decimal    `json:"amount"`
		Price       models.PriceAtTime `json:"price"`
	}
	out := make([]pricedMovement, 0)
	collect := func(tx *models.Transaction, direction string, moves []models.AssetMovement) {
		for _, m := range moves {
			if m.PriceAtTxTime == nil {
				continue
			}
			out = append(out, pricedMovement{
				Fingerprint: tx.Fingerprint,
				Direction:   direction,
				AssetSymbol: m.AssetSymbol,
				Amount:      m.GrossAmount,
				Price:       *m.PriceAtTxTime,
			})
		}
	}
	for i := range txs {
		collect(&txs[i], "inflow", txs[i].Movements.Inflows)
		collect(&txs[i], "outflow", txs[i].Movements.Outflows)
	}
	if !p.json {
		for _, m := range out {
			fmt.Printf("%-10s %-8s %-8s %s @ %s %s (%s, %s)\n",
				m.Fingerprint[:10], m.Direction, m.AssetSymbol, m.Amount,
				m.Price.Price, m.Price.Currency, m.Price.Source, m.Price.Granularity)
		}
		fmt.Printf("%d priced movement(s)\n", len(out))
	}
	return p.ok(out)
}

// runPricesSet appends a price override and replays the log so the decision
// takes effect immediately and survives re-ingestion.
func runPricesSet(c *ucli.Context) error {
	p := newPrinter(c, "prices set")
	rt, err := openRuntime(c)
	if err != nil {
		return p.fail(err)
	}
	defer rt.Close()

	side := models.MovementSide(c.String("side"))
	if side != models.SideInflow && side != models.SideOutflow {
		return p.fail(apperr.Newf(apperr.InvalidArgs, "--side must be inflow or outflow, got %q", c.String("side")))
	}
	price, err := decimal.NewFromString(c.String("price"))
	if err != nil || !price.IsPositive() {
		return p.fail(apperr.Newf(apperr.InvalidArgs, "--price must be a positive decimal, got %q", c.String("price")))
	}

	ev, err := rt.Overrides.Append(models.OverrideEvent{
		Actor: c.String("actor"),
		Scope: models.OverridePrice,
		Payload: models.OverridePayload{
			Fingerprint: c.String("fingerprint"),
			Side:        side,
			AssetID:     c.String("asset-id"),
			Price:       &price,
			Currency:    c.String("currency"),
		},
	})
	if err != nil {
		return p.fail(err)
	}

	report, err := override.NewReplayer(rt.Overrides, rt.Links, rt.Txs).Run(rt.ctx)
	if err != nil {
		return p.fail(err)
	}
	if !p.json {
		fmt.Printf("Override %s recorded, %d event(s) applied\n", ev.ID, report.Applied)
		for _, u := range report.Unresolved {
			fmt.Printf("  unresolved: %s\n", u)
		}
	}
	return p.ok(map[string]any{"overrideId": ev.ID, "replay": report})
}
