package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tidwall/sjson"
	"github.com/urfave/cli/v3"

	"github.com/mylxsw/checksum-tokenizer/internal/config"
	"github.com/mylxsw/checksum-tokenizer/internal/service"
	"github.com/mylxsw/checksum-tokenizer/internal/tokenizer"
)

func encodeCmd() *cli.Command {
	return &cli.Command{
		Name:      "encode",
		Usage:     "Encode text from the arguments or stdin and print the tokens as JSON",
		ArgsUsage: "[text...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "encoding",
				Aliases: []string{"e"},
				Value:   tokenizer.DefaultEncoding,
				Usage:   "encoding name",
			},
			&cli.StringFlag{
				Name:  "backend",
				Value: string(config.BackendChecksum),
				Usage: "tokenizer backend: checksum or tiktoken",
			},
			&cli.BoolFlag{
				Name:  "count",
				Usage: "only print the number of tokens",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			text := strings.Join(cmd.Args().Slice(), " ")
			if cmd.Args().Len() == 0 {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return cli.Exit(fmt.Sprintf("read stdin: %v", err), 1)
				}
				text = string(data)
			}

			backend := config.Backend(strings.ToLower(cmd.String("backend")))
			if backend != config.BackendChecksum && backend != config.BackendTiktoken {
				return cli.Exit(fmt.Sprintf("unsupported backend %s", backend), 1)
			}

			provider := service.NewProvider(&config.Config{Backend: backend})
			out, err := encodeText(provider, cmd.String("encoding"), text, cmd.Bool("count"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func encodeText(provider tokenizer.Provider, name, text string, countOnly bool) ([]byte, error) {
	enc, err := provider.GetEncoding(name)
	if err != nil {
		return nil, fmt.Errorf("get encoding: %w", err)
	}
	tokens := enc.Encode(text)

	out, err := sjson.SetBytes([]byte(`{}`), "encoding", name)
	if err != nil {
		return nil, err
	}
	if !countOnly {
		if out, err = sjson.SetBytes(out, "tokens", tokens); err != nil {
			return nil, err
		}
	}
	return sjson.SetBytes(out, "count", len(tokens))
}
