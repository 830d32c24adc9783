package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/samjbobb/tidemark/config"
	"github.com/samjbobb/tidemark/supervisor"
)

func main() {
	app := &cli.App{
		Name:  "tidemark",
		Usage: "incrementally sync tables into a warehouse",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Value:   "config.yml",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "sync every configured table once",
				Action: run,
			},
			{
				Name:  "schedule",
				Usage: "sync on sync.schedule until interrupted",
				Action: func(ctx *cli.Context) error {
					s, err := supervisor.Load(ctx.String("config"))
					if err != nil {
						return err
					}
					sctx, cancel := supervisor.WithSignals(ctx.Context)
					defer cancel()
					return s.Schedule(sctx)
				},
			},
			{
				Name:  "initconfig",
				Usage: "write an example config file",
				Action: func(ctx *cli.Context) error {
					return config.WriteExampleConfig(ctx.String("config"))
				},
			},
			{
				Name:  "watermark",
				Usage: "inspect or reset stored watermarks",
				Subcommands: []*cli.Command{
					{
						Name:  "list",
						Usage: "print stored watermarks as JSON lines",
						Action: func(ctx *cli.Context) error {
							s, err := supervisor.Load(ctx.String("config"))
							if err != nil {
								return err
							}
							records, err := s.Watermarks(ctx.Context)
							if err != nil {
								return err
							}
							enc := json.NewEncoder(os.Stdout)
							for _, rec := range records {
								if err := enc.Encode(rec); err != nil {
									return err
								}
							}
							return nil
						},
					},
					{
						Name:      "reset",
						Usage:     "forget a table's watermark so its next run is a full scan",
						ArgsUsage: "<table>",
						Action: func(ctx *cli.Context) error {
							if ctx.NArg() != 1 {
								return fmt.Errorf("expected exactly one table name")
							}
							s, err := supervisor.Load(ctx.String("config"))
							if err != nil {
								return err
							}
							return s.ResetWatermark(ctx.Context, ctx.Args().First())
						},
					},
				},
			},
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		logrus.Fatal(err)
	}
}

func run(ctx *cli.Context) error {
	s, err := supervisor.Load(ctx.String("config"))
	if err != nil {
		return err
	}
	sctx, cancel := supervisor.WithSignals(ctx.Context)
	defer cancel()
	_, err = s.Run(sctx)
	return err
}
