package cli

import (
	"fmt"
	"time"

	ucli "github.com/urfave/cli/v2"

	"github.com/jbelanger/exitbook-sub013/internal/apperr"
	"github.com/jbelanger/exitbook-sub013/internal/linker"
	"github.com/jbelanger/exitbook-sub013/internal/storage"
	"github.com/jbelanger/exitbook-sub013/pkg/models"
)

func linksCommand() *ucli.Command {
	return &ucli.Command{
		Name:  "links",
		Usage: "inspect and review cross-source transaction links",
		Subcommands: []*ucli.Command{
			{
				Name:  "match",
				Usage: "run the matcher over the stored transaction set",
				Action: func(c *ucli.Context) error {
					p := newPrinter(c, "links match")
					rt, err := openRuntime(c)
					if err != nil {
						return p.fail(err)
					}
					defer rt.Close()
					report, err := linker.NewMatcher(rt.Txs, rt.Links, linker.DefaultConfig()).Run(rt.ctx)
					if err != nil {
						return p.fail(err)
					}
					if !p.json {
						fmt.Printf("%d candidate(s): %d high-confidence, %d new suggestion(s)\n",
							report.Candidates, report.HighConfidence, report.NewSuggestions)
					}
					return p.ok(report)
				},
			},
			{
				Name:  "view",
				Usage: "list links, or the coverage gap report with --status gaps",
				Flags: []ucli.Flag{
					&ucli.StringFlag{Name: "status", Usage: "suggested, confirmed, rejected or gaps"},
					&ucli.Float64Flag{Name: "min-confidence", Usage: "lowest confidence to show"},
					&ucli.Float64Flag{Name: "max-confidence", Value: 1.0, Usage: "highest confidence to show"},
					&ucli.IntFlag{Name: "limit", Value: 100},
					&ucli.BoolFlag{Name: "verbose", Usage: "include match criteria per link"},
				},
				Action: runLinksView,
			},
			{
				Name:      "confirm",
				Usage:     "confirm a suggested link",
				ArgsUsage: "<link-id>",
				Action: func(c *ucli.Context) error {
					return runLinkReview(c, "links confirm", models.LinkConfirmed)
				},
			},
			{
				Name:      "reject",
				Usage:     "reject a suggested link",
				ArgsUsage: "<link-id>",
				Action: func(c *ucli.Context) error {
					return runLinkReview(c, "links reject", models.LinkRejected)
				},
			},
		},
	}
}

func runLinksView(c *ucli.Context) error {
	p := newPrinter(c, "links view")
	rt, err := openRuntime(c)
	if err != nil {
		return p.fail(err)
	}
	defer rt.Close()

	if c.String("status") == "gaps" {
		report, err := linker.Gaps(rt.ctx, rt.Txs, rt.Links)
		if err != nil {
			return p.fail(err)
		}
		if !p.json {
			if len(report.Assets) == 0 {
				fmt.Println("No coverage gaps")
			}
			for _, g := range report.Assets {
				fmt.Printf("%-8s %d uncovered inflow(s) (%s), %d unmatched outflow(s) (%s)\n",
					g.AssetSymbol, g.UncoveredInflows, g.InflowAmount, g.UnmatchedOutflows, g.OutflowAmount)
			}
		}
		return p.ok(report)
	}

	links, err := rt.Links.List(rt.ctx, storage.LinkFilter{
		Status:        c.String("status"),
		MinConfidence: c.Float64("min-confidence"),
		MaxConfidence: c.Float64("max-confidence"),
		Limit:         c.Int("limit"),
	})
	if err != nil {
		return p.fail(err)
	}
	if !p.json {
		for _, l := range links {
			fmt.Printf("%s  %-9s  %.3f  %s  %s -> %s\n",
				l.ID, l.Status, l.ConfidenceScore, l.AssetSymbol,
				l.SourceAmount, l.TargetAmount)
			if c.Bool("verbose") {
				fmt.Printf("    asset=%s amountSim=%.4f timing=%.4f gap=%.1fh delta=%s\n",
					l.MatchCriteria.AssetMatch, l.MatchCriteria.AmountSimilarity,
					l.MatchCriteria.TimingFactor, l.MatchCriteria.GapHours, l.MatchCriteria.AmountDelta)
			}
		}
		fmt.Printf("%d link(s)\n", len(links))
	}
	return p.ok(links)
}

// runLinkReview applies the decision and records it in the override log, so
// the decision survives a database rebuild and re-match.
func runLinkReview(c *ucli.Context, command string, status models.LinkStatus) error {
	p := newPrinter(c, command)
	linkID := c.Args().First()
	if linkID == "" {
		return p.fail(apperr.New(apperr.InvalidArgs, "a link id is required").
			WithHint("exitbook links view --status suggested"))
	}
	rt, err := openRuntime(c)
	if err != nil {
		return p.fail(err)
	}
	defer rt.Close()

	link, err := rt.Links.ByID(rt.ctx, linkID)
	if err != nil {
		return p.fail(err)
	}
	if err := rt.Links.SetStatus(rt.ctx, linkID, status, c.String("actor"), time.Now().UTC()); err != nil {
		return p.fail(err)
	}

	scope := models.OverrideLink
	if status == models.LinkRejected {
		scope = models.OverrideUnlink
	}
	ev, err := rt.Overrides.Append(models.OverrideEvent{
		Actor: c.String("actor"),
		Scope: scope,
		Payload: models.OverridePayload{
			SourceFingerprint: link.SourceFingerprint,
			TargetFingerprint: link.TargetFingerprint,
			AssetSymbol:       link.AssetSymbol,
		},
	})
	if err != nil {
		return p.fail(err)
	}
	if !p.json {
		fmt.Printf("Link %s %s (override %s)\n", linkID, status, ev.ID)
	}
	return p.ok(map[string]any{"linkId": linkID, "status": status, "overrideId": ev.ID})
}
