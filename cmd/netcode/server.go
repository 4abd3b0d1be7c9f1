package main

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"github.com/outofforest/logger"
	"github.com/outofforest/netcode"
	"github.com/outofforest/netcode/bans"
	"github.com/outofforest/netcode/chat/clientbound"
	"github.com/outofforest/netcode/chat/serverbound"
	"github.com/outofforest/netcode/wire"
	"github.com/outofforest/parallel"
)

const (
	flagMaxPeers = "max-peers"
	flagBanDB    = "ban-db"
	flagMetrics  = "metrics"
	flagMotd     = "motd"

	pingInterval = 5 * time.Second
)

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "Runs chat server",
		Flags: append(commonFlags("info"),
			&cli.StringFlag{
				Name:    flagAddress,
				Usage:   "Interface to bind, all of them by default",
				EnvVars: []string{"NETCODE_ADDRESS"},
			},
			&cli.IntFlag{
				Name:    flagMaxPeers,
				Usage:   "Maximum number of connected clients",
				EnvVars: []string{"NETCODE_MAX_PEERS"},
				Value:   32,
			},
			&cli.StringFlag{
				Name:    flagBanDB,
				Usage:   "Path to the database of banned addresses",
				EnvVars: []string{"NETCODE_BAN_DB"},
				Value:   "~/.netcode/bans.db",
			},
			&cli.StringFlag{
				Name:    flagMetrics,
				Usage:   "Address of the prometheus endpoint, empty disables it",
				EnvVars: []string{"NETCODE_METRICS"},
				Value:   ":9100",
			},
			&cli.StringFlag{
				Name:    flagMotd,
				Usage:   "Message of the day sent to joining players",
				EnvVars: []string{"NETCODE_MOTD"},
				Value:   "Welcome!",
			},
		),
		Action: runServer,
	}
}

func runServer(c *cli.Context) error {
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

	banFile, err := homedir.Expand(c.String(flagBanDB))
	if err != nil {
		return errors.WithStack(err)
	}
	banList, err := bans.OpenSQLite(ctx, banFile)
	if err != nil {
		return err
	}
	defer banList.Close()

	reg := prometheus.NewRegistry()
	room := newRoom(c.String(flagMotd))
	s, err := netcode.NewServer(netcode.ServerConfig{
		Backend:            b,
		Address:            c.String(flagAddress),
		ClientPackets:      serverbound.NewMarshaller(),
		ServerPackets:      clientbound.NewMarshaller(),
		Router:             room.Router(),
		Bans:               banList,
		Options:            netcode.DefaultOptions(),
		Logger:             log,
		Registerer:         reg,
		EmitInterval:       pingInterval,
		Emit:               room.Emit,
		OnPeerConnected:    room.OnPeerConnected,
		OnPeerDisconnected: room.OnPeerDisconnected,
	})
	if err != nil {
		return err
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		if addr := c.String(flagMetrics); addr != "" {
			spawn("metrics", parallel.Fail, func(ctx context.Context) error {
				return serveMetrics(ctx, addr, reg)
			})
		}
		spawn("server", parallel.Fail, func(ctx context.Context) error {
			if err := s.Start(ctx, p, c.Int(flagMaxPeers)).Wait(ctx); err != nil {
				return err
			}
			pterm.Success.Printfln("Chat server is listening on %s using %s", s.Addr(), b.Name())

			<-ctx.Done()
			s.Stop()
			for s.IsRunning() {
				time.Sleep(10 * time.Millisecond)
			}
			return errors.WithStack(ctx.Err())
		})
		return nil
	})
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("listen", parallel.Fail, func(ctx context.Context) error {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.WithStack(err)
			}
			return errors.WithStack(ctx.Err())
		})
		spawn("closer", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			_ = server.Close()
			return errors.WithStack(ctx.Err())
		})
		return nil
	})
}

// room keeps the names of the players who joined the chat.
type room struct {
	motd string
	seq  atomic.Uint64

	mu    sync.Mutex
	names map[wire.PeerID]string
}

func newRoom(motd string) *room {
	return &room{
		motd:  motd,
		names: map[wire.PeerID]string{},
	}
}

func (r *room) Router() *netcode.ServerRouter {
	router := netcode.NewServerRouter()
	netcode.HandleServer(router, r.join)
	netcode.HandleServer(router, r.leave)
	netcode.HandleServer(router, r.say)
	return router
}

func (r *room) name(peer wire.PeerID) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, exists := r.names[peer]
	return name, exists
}

func (r *room) join(_ context.Context, s *netcode.Server, peer wire.PeerID, msg *serverbound.Join) error {
	if msg.Name == "" {
		s.Kick(peer, wire.Kicked)
		return errors.Errorf("peer %d sent empty name", peer)
	}

	r.mu.Lock()
	r.names[peer] = msg.Name
	r.mu.Unlock()

	if err := s.Send(peer, &clientbound.Welcome{Peer: uint64(peer), Motd: r.motd}); err != nil {
		return err
	}
	return s.Broadcast(&clientbound.PlayerJoined{Peer: uint64(peer), Name: msg.Name}, peer)
}

func (r *room) leave(_ context.Context, s *netcode.Server, peer wire.PeerID, _ *serverbound.Leave) error {
	s.Kick(peer, wire.Disconnected)
	return nil
}

func (r *room) say(_ context.Context, s *netcode.Server, peer wire.PeerID, msg *serverbound.Say) error {
	name, exists := r.name(peer)
	if !exists {
		return errors.Errorf("peer %d talks before joining", peer)
	}
	return s.Broadcast(&clientbound.Message{From: uint64(peer), Name: name, Text: msg.Text}, peer)
}

func (r *room) Emit(_ context.Context, s *netcode.Server) error {
	if s.PeerCount() == 0 {
		return nil
	}
	return s.Broadcast(&clientbound.Ping{Seq: r.seq.Add(1)})
}

func (r *room) OnPeerConnected(_ context.Context, _ *netcode.Server, peer wire.PeerID) error {
	pterm.Info.Printfln("Peer %d connected", peer)
	return nil
}

func (r *room) OnPeerDisconnected(
	_ context.Context,
	s *netcode.Server,
	peer wire.PeerID,
	reason wire.DisconnectReason,
	timedOut bool,
) error {
	r.mu.Lock()
	name, joined := r.names[peer]
	delete(r.names, peer)
	r.mu.Unlock()

	comment := reason.String()
	if timedOut {
		comment = "timed out"
	}
	pterm.Info.Printfln("Peer %d (%s) left: %s", peer, name, comment)

	if !joined || reason == wire.Stopping {
		return nil
	}
	return s.Broadcast(&clientbound.PlayerLeft{
		Peer:    uint64(peer),
		Kicked:  reason == wire.Kicked || reason == wire.Banned,
		Comment: comment,
	})
}

