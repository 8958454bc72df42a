package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dvloznov/statement-extractor/internal/app"
	"github.com/dvloznov/statement-extractor/internal/config"
	"github.com/dvloznov/statement-extractor/internal/logger"
	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/rs/zerolog"
)

// cli holds the state shared by every subcommand.
type cli struct {
	flags *config.Flags
	root  *ff.FlagSet
	log   zerolog.Logger
}

// open validates the configuration and opens the app.
func (c *cli) open(ctx context.Context) (*app.App, error) {
	cfg, err := c.flags.Config()
	if err != nil {
		return nil, err
	}
	log, err := logger.Configure(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	c.log = log
	return app.New(ctx, cfg, log)
}

func main() {
	_ = godotenv.Load()

	c := &cli{root: ff.NewFlagSet("statements")}
	c.flags = config.Register(c.root)

	root := &ff.Command{
		Name:      "statements",
		Usage:     "statements <command> [flags]",
		ShortHelp: "Extract transactions from bank statement PDFs",
		Flags:     c.root,
		Subcommands: []*ff.Command{
			c.processCmd(),
			c.reprocessCmd(),
			c.listCmd(),
			c.inspectCmd(),
			c.schemaCmd(),
			c.exportCmd(),
			c.deleteCmd(),
		},
		Exec: func(ctx context.Context, args []string) error {
			return ff.ErrHelp
		},
	}

	if err := root.Parse(os.Args[1:], config.Options()...); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(root.GetSelected()))
		if errors.Is(err, ff.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.Run(ctx); err != nil {
		if errors.Is(err, ff.ErrHelp) {
			fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(root.GetSelected()))
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
