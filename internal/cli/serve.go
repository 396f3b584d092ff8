package cli

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	ucli "github.com/urfave/cli/v2"

	"github.com/jbelanger/exitbook-sub013/internal/api"
	"github.com/jbelanger/exitbook-sub013/internal/apperr"
)

func serveCommand() *ucli.Command {
	return &ucli.Command{
		Name:  "serve",
		Usage: "expose read-only HTTP views and the live event stream",
		Flags: []ucli.Flag{
			&ucli.StringFlag{Name: "port", Usage: "listen port (defaults to the PORT env var, then 8080)"},
		},
		Action: runServe,
	}
}

func runServe(c *ucli.Context) error {
	p := newPrinter(c, "serve")
	rt, err := openRuntime(c)
	if err != nil {
		return p.fail(err)
	}
	defer rt.Close()

	port := c.String("port")
	if port == "" {
		port = getEnvOrDefault("PORT", "8080")
	}

	hub := api.NewHub()
	go hub.Run()
	router := api.SetupRouter(rt.DB, rt.Sessions, rt.Txs, rt.Links, rt.Manager, hub, rt.Bus)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-rt.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[Serve] shutdown: %v", err)
		}
	}()

	log.Printf("[Serve] listening on :%s", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return p.fail(apperr.Wrap(apperr.Network, "http server", err))
	}
	return p.ok(map[string]any{"port": port})
}
