package main

import (
	"bufio"
	"context"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"github.com/outofforest/logger"
	"github.com/outofforest/netcode"
	"github.com/outofforest/netcode/chat/clientbound"
	"github.com/outofforest/netcode/chat/serverbound"
	"github.com/outofforest/netcode/wire"
)

const (
	flagName = "name"

	frameInterval = 50 * time.Millisecond
	quitCommand   = "/quit"
)

func clientCmd() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "Connects to chat server",
		Flags: append(commonFlags("warn"),
			&cli.StringFlag{
				Name:    flagAddress,
				Usage:   "Address of the server",
				EnvVars: []string{"NETCODE_ADDRESS"},
				Value:   "127.0.0.1",
			},
			&cli.StringFlag{
				Name:     flagName,
				Usage:    "Name of the player",
				EnvVars:  []string{"NETCODE_NAME"},
				Required: true,
			},
		),
		Action: runClient,
	}
}

func runClient(c *cli.Context) error {
	log, err := newLogger(c.String(flagLogLevel))
	if err != nil {
		return err
	}
	ctx := logger.WithLogger(c.Context, log)
	b, err := backend(c.String(flagBackend))
	if err != nil {
		return err
	}
	p, err := port(c)
	if err != nil {
		return err
	}

	client, err := netcode.NewClient(netcode.ClientConfig{
		Backend:        b,
		ClientPackets:  serverbound.NewMarshaller(),
		ServerPackets:  clientbound.NewMarshaller(),
		Router:         clientRouter(),
		Options:        netcode.DefaultOptions(),
		Logger:         log,
		OnConnected:    onConnected,
		OnDisconnected: onDisconnected,
	})
	if err != nil {
		return err
	}

	address := c.String(flagAddress)
	spinner, _ := pterm.DefaultSpinner.Start("Connecting to " + address)
	if err := client.Connect(ctx, address, p, &clientbound.Ping{}).Wait(ctx); err != nil {
		_ = spinner.Stop()
		return err
	}
	_ = spinner.Stop()

	if err := client.Send(&serverbound.Join{Name: c.String(flagName)}); err != nil {
		return err
	}

	lines := make(chan string)
	go readLines(lines)

	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			client.Stop()
			return errors.WithStack(ctx.Err())
		case line, ok := <-lines:
			if !ok || line == quitCommand {
				if err := client.Send(&serverbound.Leave{}); err != nil {
					return err
				}
				lines = nil
				continue
			}
			if line == "" {
				continue
			}
			if err := client.Send(&serverbound.Say{Text: line}); err != nil {
				pterm.Error.Println(err)
			}
		case <-ticker.C:
			client.HandlePackets(ctx)
			if !client.IsRunning() {
				client.HandlePackets(ctx)
				return nil
			}
		}
	}
}

func readLines(lines chan<- string) {
	defer close(lines)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		lines <- strings.TrimSpace(scanner.Text())
	}
}

func clientRouter() *netcode.ClientRouter {
	router := netcode.NewClientRouter()
	netcode.HandleClient(router, func(_ context.Context, _ *netcode.Client, msg *clientbound.Welcome) error {
		pterm.Success.Printfln("Joined as player %d", msg.Peer)
		if msg.Motd != "" {
			pterm.Info.Println(msg.Motd)
		}
		return nil
	})
	netcode.HandleClient(router, func(_ context.Context, _ *netcode.Client, msg *clientbound.Message) error {
		pterm.Printfln("%s: %s", pterm.Cyan(msg.Name), msg.Text)
		return nil
	})
	netcode.HandleClient(router, func(context.Context, *netcode.Client, *clientbound.Ping) error {
		return nil
	})
	netcode.HandleClient(router, func(_ context.Context, _ *netcode.Client, msg *clientbound.PlayerJoined) error {
		pterm.Info.Printfln("%s joined", msg.Name)
		return nil
	})
	netcode.HandleClient(router, func(_ context.Context, _ *netcode.Client, msg *clientbound.PlayerLeft) error {
		if msg.Kicked {
			pterm.Warning.Printfln("Player %d was kicked: %s", msg.Peer, msg.Comment)
			return nil
		}
		pterm.Info.Printfln("Player %d left: %s", msg.Peer, msg.Comment)
		return nil
	})
	return router
}

func onConnected(_ context.Context, c *netcode.Client) error {
	pterm.Success.Printfln("Connected, assigned peer ID is %d", c.PeerID())
	return nil
}

func onDisconnected(_ context.Context, _ *netcode.Client, reason wire.DisconnectReason, timedOut bool) error {
	if timedOut {
		pterm.Error.Println("Connection to server timed out")
		return nil
	}
	pterm.Warning.Printfln("Disconnected: %s", reason)
	return nil
}
