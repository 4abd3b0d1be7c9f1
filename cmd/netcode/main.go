// Package main runs the chat server and client over netcode.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app().RunContext(ctx, os.Args); err != nil && !errors.Is(err, context.Canceled) {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func app() *cli.App {
	return &cli.App{
		Name:  "netcode",
		Usage: "Chat over the netcode transport",
		Commands: []*cli.Command{
			serverCmd(),
			clientCmd(),
		},
	}
}
