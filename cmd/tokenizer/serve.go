package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/mylxsw/asteria/log"
	"github.com/urfave/cli/v3"

	"github.com/mylxsw/checksum-tokenizer/internal/config"
	"github.com/mylxsw/checksum-tokenizer/internal/server"
	"github.com/mylxsw/checksum-tokenizer/internal/service"
	"github.com/mylxsw/checksum-tokenizer/internal/storage"
)

const storeCloseTimeout = 5 * time.Second

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   "config.yaml",
		Usage:   "path to configuration file",
	}
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the tokenizer HTTP service",
		Flags: []cli.Flag{configFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.Load(cmd.String("config"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("load config: %v", err), 1)
			}

			if cfg.Debug {
				log.DefaultWithFileLine(true)
				log.Debug("debug logging enabled")
			}

			log.Infof("starting checksum tokenizer on %s, backend: %s", cfg.Listen, cfg.Backend)

			var usageStore storage.Store
			if cfg.SaveUsage {
				usageStore, err = storage.New(ctx, cfg.StorageType, cfg.StorageURI)
				if err != nil {
					return cli.Exit(fmt.Sprintf("init usage storage: %v", err), 1)
				}
				defer closeStore(usageStore)
			}

			svc, err := service.New(cfg, nil, usageStore)
			if err != nil {
				return cli.Exit(fmt.Sprintf("init service: %v", err), 1)
			}
			svc.CleanupUsage(ctx)

			runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := server.New(cfg, svc).Run(runCtx); err != nil {
				log.Errorf("server exited with error: %v", err)
				return err
			}
			return nil
		},
	}
}

// closeStore closes store with its own deadline so a cancelled command
// context does not abort the final flush.
func closeStore(store storage.Store) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeCloseTimeout)
	defer cancel()
	if err := store.Close(ctx); err != nil {
		log.Warningf("close usage storage: %v", err)
		return err
	}
	return nil
}
