package cli

import (
	"fmt"
	"time"

	ucli "github.com/urfave/cli/v2"

	"github.com/jbelanger/exitbook-sub013/internal/storage"
)

func viewCommand() *ucli.Command {
	return &ucli.Command{
		Name:  "view",
		Usage: "read-only listings of stored data",
		Subcommands: []*ucli.Command{
			{
				Name:  "sessions",
				Usage: "list import sessions, newest first",
				Flags: []ucli.Flag{
					&ucli.StringFlag{Name: "source", Usage: "restrict to one source id"},
					&ucli.IntFlag{Name: "limit", Value: 50},
				},
				Action: runViewSessions,
			},
			{
				Name:  "transactions",
				Usage: "list canonical transactions",
				Flags: []ucli.Flag{
					&ucli.StringFlag{Name: "source"},
					&ucli.StringFlag{Name: "category"},
					&ucli.StringFlag{Name: "since"},
					&ucli.StringFlag{Name: "until"},
					&ucli.IntFlag{Name: "limit", Value: 100},
				},
				Action: runViewTransactions,
			},
			{
				Name:  "links",
				Usage: "list transaction links",
				Flags: []ucli.Flag{
					&ucli.StringFlag{Name: "status"},
					&ucli.IntFlag{Name: "limit", Value: 100},
				},
				Action: runViewLinks,
			},
		},
	}
}

func runViewSessions(c *ucli.Context) error {
	p := newPrinter(c, "view sessions")
	rt, err := openRuntime(c)
	if err != nil {
		return p.fail(err)
	}
	defer rt.Close()

	sessions, err := rt.Sessions.List(rt.ctx, c.String("source"), c.Int("limit"))
	if err != nil {
		return p.fail(err)
	}
	if !p.json {
		for _, s := range sessions {
			fmt.Printf("%s  %-12s %-10s %6d imported %6d skipped  %s\n",
				s.ID, s.SourceID, s.Status, s.ImportedCount, s.SkippedCount,
				s.StartedAt.Format(time.RFC3339))
			if s.Error != "" {
				fmt.Printf("    error: %s\n", s.Error)
			}
		}
		fmt.Printf("%d session(s)\n", len(sessions))
	}
	return p.ok(sessions)
}

func runViewTransactions(c *ucli.Context) error {
	p := newPrinter(c, "view transactions")
	rt, err := openRuntime(c)
	if err != nil {
		return p.fail(err)
	}
	defer rt.Close()

	since, err := parseTimeFlag("since", c.String("since"))
	if err != nil {
		return p.fail(err)
	}
	until, err := parseTimeFlag("until", c.String("until"))
	if err != nil {
		return p.fail(err)
	}
	txs, err := rt.Txs.List(rt.ctx, storage.TxFilter{
		SourceID: c.String("source"),
		Category: c.String("category"),
		SinceMS:  since,
		UntilMS:  until,
		Limit:    c.Int("limit"),
	})
	if err != nil {
		return p.fail(err)
	}
	if !p.json {
		for _, t := range txs {
			fmt.Printf("%-8d %-12s %-8s/%-10s %s  in=%d out=%d fees=%d\n",
				t.ID, t.Source, t.Operation.Category, t.Operation.Type,
				t.Datetime.Format("2006-01-02 15:04"),
				len(t.Movements.Inflows), len(t.Movements.Outflows), len(t.Fees))
		}
		fmt.Printf("%d transaction(s)\n", len(txs))
	}
	return p.ok(txs)
}

func runViewLinks(c *ucli.Context) error {
	p := newPrinter(c, "view links")
	rt, err := openRuntime(c)
	if err != nil {
		return p.fail(err)
	}
	defer rt.Close()

	links, err := rt.Links.List(rt.ctx, storage.LinkFilter{
		Status: c.String("status"),
		Limit:  c.Int("limit"),
	})
	if err != nil {
		return p.fail(err)
	}
	if !p.json {
		for _, l := range links {
			fmt.Printf("%s  %-9s  %.3f  %s  %s -> %s\n",
				l.ID, l.Status, l.ConfidenceScore, l.AssetSymbol, l.SourceAmount, l.TargetAmount)
		}
		fmt.Printf("%d link(s)\n", len(links))
	}
	return p.ok(links)
}
