package cli

import (
	"fmt"

	ucli "github.com/urfave/cli/v2"

	"github.com/jbelanger/exitbook-sub013/internal/pipeline"
	"github.com/jbelanger/exitbook-sub013/internal/pricing"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

func importCommand() *ucli.Command {
	return &ucli.Command{
		Name:  "import",
		Usage: "fetch raw transactions from one source into the ingestion store",
		Flags: []ucli.Flag{
			&ucli.StringFlag{Name: "source", Required: true, Usage: "source id: a chain (bitcoin, ethereum), <chain>-xpub, or an exchange"},
			&ucli.StringFlag{Name: "address", Usage: "wallet address or extended public key"},
			&ucli.StringSliceFlag{Name: "csv-dir", Usage: "directory of CSV exports (repeatable)"},
			&ucli.StringFlag{Name: "since", Usage: "only records at or after this time"},
			&ucli.StringFlag{Name: "until", Usage: "only records at or before this time"},
			&ucli.IntFlag{Name: "address-gap", Usage: "xpub gap-scan limit (default 20)"},
			&ucli.StringFlag{Name: "provider", Usage: "pin one provider instead of the failover pool"},
			&ucli.BoolFlag{Name: "full", Usage: "continue through process, link, enrich and override replay"},
		},
		Action: runImport,
	}
}

func runImport(c *ucli.Context) error {
	p := newPrinter(c, "import")
	rt, err := openRuntime(c)
	if err != nil {
		return p.fail(err)
	}
	defer rt.Close()

	imp, err := rt.ImporterFor(c.String("source"))
	if err != nil {
		return p.fail(err)
	}
	since, err := parseTimeFlag("since", c.String("since"))
	if err != nil {
		return p.fail(err)
	}
	until, err := parseTimeFlag("until", c.String("until"))
	if err != nil {
		return p.fail(err)
	}
	params := models.ImportParams{
		Address:        c.String("address"),
		CSVDirectories: c.StringSlice("csv-dir"),
		SinceMS:        since,
		UntilMS:        until,
		AddressGap:     c.Int("address-gap"),
		ProviderName:   c.String("provider"),
	}

	pipe := rt.Pipeline(pricing.DefaultConfig())
	if c.Bool("full") {
		res, err := pipe.Run(rt.ctx, imp, params)
		if err != nil {
			return p.fail(err)
		}
		if !p.json {
			printImportResult(res.Import)
			fmt.Printf("Processed:  %d transaction(s)\n", res.Transactions)
			fmt.Printf("Links:      %d candidate(s), %d high-confidence, %d new\n",
				res.Links.Candidates, res.Links.HighConfidence, res.Links.NewSuggestions)
			for _, st := range res.Enrichment.Stages {
				fmt.Printf("Enrich %-18s %d processed, %d updated, %d failed\n",
					st.Stage+":", st.Processed, st.MovementsUpdated, st.Failures)
			}
			fmt.Printf("Overrides:  %d applied, %d unresolved\n", res.Overrides.Applied, len(res.Overrides.Unresolved))
		}
		return p.ok(res)
	}

	res, err := pipe.Import(rt.ctx, imp, params)
	if err != nil {
		return p.fail(err)
	}
	if !p.json {
		printImportResult(res)
	}
	return p.ok(res)
}

func printImportResult(res *pipeline.ImportResult) {
	if res.Reused {
		fmt.Printf("Import session %s already complete, nothing fetched\n", res.Session.ID)
		return
	}
	fmt.Printf("Imported:   %d record(s), %d skipped (session %s)\n", res.Imported, res.Skipped, res.Session.ID)
}

func processCommand() *ucli.Command {
	return &ucli.Command{
		Name:  "process",
		Usage: "turn pending raw records of one source into canonical transactions",
		Flags: []ucli.Flag{
			&ucli.StringFlag{Name: "source", Required: true, Usage: "source id to process"},
		},
		Action: runProcess,
	}
}

func runProcess(c *ucli.Context) error {
	p := newPrinter(c, "process")
	rt, err := openRuntime(c)
	if err != nil {
		return p.fail(err)
	}
	defer rt.Close()

	imp, err := rt.ImporterFor(c.String("source"))
	if err != nil {
		return p.fail(err)
	}
	pipe := rt.Pipeline(pricing.DefaultConfig())
	count, err := pipe.Process(rt.ctx, imp.SourceID(), imp.SourceType())
	if err != nil {
		return p.fail(err)
	}
	if !p.json {
		fmt.Printf("Processed %d transaction(s) from %s\n", count, imp.SourceID())
	}
	return p.ok(map[string]any{"source": imp.SourceID(), "transactions": count})
}
