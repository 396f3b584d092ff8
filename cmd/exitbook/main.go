package main

import (
	"log"
	"os"

	"github.com/jbelanger/exitbook-sub013/internal/cli"
)

func main() {
	log.SetFlags(log.LstdFlags)
	if err := cli.NewApp().Run(os.Args); err != nil {
		// urfave/cli prints the message and carries the exit code; anything
		// else is an internal failure
		log.Fatal(err)
	}
}
