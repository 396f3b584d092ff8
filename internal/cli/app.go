// Package cli is the exitbook command surface. Each command opens the shared
// runtime (databases, provider manager, stores), runs one pipeline slice and
// renders either human output or the stable JSON envelope.
package cli

import (
	ucli "github.com/urfave/cli/v2"
)

// NewApp builds the exitbook command tree.
func NewApp() *ucli.App {
	return &ucli.App{
		Name:    "exitbook",
		Usage:   "import, normalize and enrich cryptocurrency transaction history",
		Version: Version,
		Flags: []ucli.Flag{
			&ucli.BoolFlag{Name: "json", Usage: "emit the JSON response envelope instead of text"},
			&ucli.StringFlag{Name: "actor", Value: "cli", Usage: "who is recorded on override decisions"},
		},
		Commands: []*ucli.Command{
			importCommand(),
			processCommand(),
			enrichCommand(),
			linksCommand(),
			pricesCommand(),
			viewCommand(),
			serveCommand(),
			watchCommand(),
		},
	}
}
