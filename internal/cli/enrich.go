package cli

import (
	"fmt"
	"strings"

	ucli "github.com/urfave/cli/v2"

	"github.com/jbelanger/exitbook-sub013/internal/pricing"
)

func enrichCommand() *ucli.Command {
	return &ucli.Command{
		Name:  "enrich",
		Usage: "derive and fetch historical prices for stored transactions",
		Subcommands: []*ucli.Command{
			{
				Name:  "prices",
				Usage: "run the four pricing stages over the transaction set",
				Flags: []ucli.Flag{
					&ucli.StringFlag{Name: "asset", Usage: "restrict enrichment to one asset symbol"},
					&ucli.IntFlag{Name: "batch-size", Value: 50, Usage: "movements per market-price batch"},
				},
				Action: runEnrichPrices,
			},
		},
	}
}

func runEnrichPrices(c *ucli.Context) error {
	p := newPrinter(c, "enrich prices")
	rt, err := openRuntime(c)
	if err != nil {
		return p.fail(err)
	}
	defer rt.Close()

	cfg := pricing.DefaultConfig()
	cfg.AssetFilter = strings.ToUpper(c.String("asset"))
	cfg.BatchSize = c.Int("batch-size")

	report, err := rt.Enricher(cfg).Run(rt.ctx)
	if err != nil {
		return p.fail(err)
	}
	if !p.json {
		for _, st := range report.Stages {
			fmt.Printf("%-18s %d processed, %d prices fetched, %d movements updated, %d skipped, %d failed\n",
				st.Stage+":", st.Processed, st.PricesFetched, st.MovementsUpdated, st.Skipped, st.Failures)
			for _, e := range st.Errors {
				fmt.Printf("  ! %s\n", e)
			}
		}
	}
	return p.ok(report)
}
