package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/mylxsw/checksum-tokenizer/internal/config"
	"github.com/mylxsw/checksum-tokenizer/internal/storage"
)

func usageCmd() *cli.Command {
	return &cli.Command{
		Name:  "usage",
		Usage: "Print stored usage records",
		Flags: []cli.Flag{
			configFlag(),
			&cli.IntFlag{Name: "limit", Value: 20, Usage: "maximum number of records"},
			&cli.StringFlag{Name: "request-id", Usage: "only records with this request id"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("load config: %v", err), 1)
			}

			store, err := storage.New(ctx, cfg.StorageType, cfg.StorageURI)
			if err != nil {
				return cli.Exit(fmt.Sprintf("open usage storage: %v", err), 1)
			}
			defer closeStore(store)

			records, err := store.QueryUsage(ctx, storage.UsageQuery{
				Limit:     int(cmd.Int("limit")),
				RequestID: cmd.String("request-id"),
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("query usage: %v", err), 1)
			}

			enc := json.NewEncoder(os.Stdout)
			for _, rec := range records {
				if err := enc.Encode(rec); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
