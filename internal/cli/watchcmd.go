package cli

import (
	"context"
	"errors"
	"time"

	ucli "github.com/urfave/cli/v2"

	"github.com/jbelanger/exitbook-sub013/internal/apperr"
	"github.com/jbelanger/exitbook-sub013/internal/watch"
)

func watchCommand() *ucli.Command {
	return &ucli.Command{
		Name:  "watch",
		Usage: "poll chain addresses continuously and ingest new activity",
		Flags: []ucli.Flag{
			&ucli.StringFlag{Name: "chain", Required: true, Usage: "chain to watch"},
			&ucli.StringSliceFlag{Name: "address", Required: true, Usage: "address to watch (repeatable)"},
			&ucli.DurationFlag{Name: "interval", Value: 30 * time.Second, Usage: "poll period"},
		},
		Action: runWatch,
	}
}

func runWatch(c *ucli.Context) error {
	p := newPrinter(c, "watch")
	rt, err := openRuntime(c)
	if err != nil {
		return p.fail(err)
	}
	defer rt.Close()

	chain := c.String("chain")
	if !chainRegistered(rt.Registry, chain) {
		return p.fail(apperr.Newf(apperr.NotFound, "no providers registered for chain %q", chain))
	}

	w := watch.New(watch.Config{
		Chain:     chain,
		Addresses: c.StringSlice("address"),
		Interval:  c.Duration("interval"),
	}, rt.Manager, rt.Sessions, rt.Ingest, rt.Checkpoints, rt.Bus)

	err = w.Run(rt.ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return p.fail(err)
	}
	return p.ok(map[string]any{"chain": chain, "addresses": c.StringSlice("address")})
}
