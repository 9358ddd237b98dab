package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pyropy/stripefs/lib/logger"
)

var log, _ = logger.New("stripefs")

func main() {
	app := &cli.App{
		Name:  "stripefs",
		Usage: "striped parity file system over plain TCP storage nodes",
		Commands: []*cli.Command{
			nodeCmd,
			mountCmd,
			writeCmd,
			readCmd,
			listCmd,
			pingCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalln(err)
	}
}
