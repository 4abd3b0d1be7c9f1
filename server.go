package netcode

import (
	"context"
	"slices"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/outofforest/netcode/bans"
	"github.com/outofforest/netcode/host"
	"github.com/outofforest/netcode/wire"
	"github.com/outofforest/parallel"
	"github.com/outofforest/proton"
)

// DefaultEmitInterval is the period of the emit callback.
const DefaultEmitInterval = 100 * time.Millisecond

// ServerConfig is the configuration of the server.
type ServerConfig struct {
	// Backend defaults to host.KCP.
	Backend host.Backend

	// Address is the interface to bind, empty means all of them.
	Address string

	// ClientPackets is the family of packets sent by clients.
	ClientPackets proton.Marshaller

	// ServerPackets is the family of packets sent by the server.
	ServerPackets proton.Marshaller

	// Router must contain the handler of every client packet.
	Router *ServerRouter

	// Bans defaults to in-memory list.
	Bans bans.List

	Options    Options
	Logger     *zap.Logger
	Registerer prometheus.Registerer

	// Instance labels the metrics of this endpoint. Unique number is used if it is empty.
	Instance string

	PollTimeout  time.Duration
	PingInterval time.Duration
	PeerTimeout  time.Duration

	// Emit is called periodically on its own goroutine while the server is running.
	EmitInterval time.Duration
	Emit         func(ctx context.Context, s *Server) error

	// Hooks are called on the transport goroutine.
	OnPeerConnected    func(ctx context.Context, s *Server, peer wire.PeerID) error
	OnPeerDisconnected func(ctx context.Context, s *Server, peer wire.PeerID, reason wire.DisconnectReason,
		timedOut bool) error
}

type peer struct {
	ID          wire.PeerID
	Addr        string
	ConnectedAt time.Time
}

// Server accepts clients and exchanges packets with them.
type Server struct {
	*transport

	config      ServerConfig
	router      *ServerRouter
	bans        bans.List
	fingerprint [32]byte
	listen      func(ctx context.Context, b host.Backend, config host.ListenConfig) (host.Host, error)

	// banned serves admission until the ban is persisted by the bans task.
	banned      *bans.Memory
	pendingBans *queue[string]
	banSignal   chan struct{}

	// peers is owned by the transport goroutine.
	peers     map[wire.PeerID]*peer
	peerCount atomic.Int64
	addr      atomic.Pointer[string]
}

// NewServer creates new server.
func NewServer(config ServerConfig) (*Server, error) {
	if config.ClientPackets == nil || config.ServerPackets == nil {
		return nil, errors.New("packet marshallers are not configured")
	}

	clientPackets, err := wire.NewRegistry(config.ClientPackets)
	if err != nil {
		return nil, errors.Wrap(err, "registering client packets failed")
	}
	serverPackets, err := wire.NewRegistry(config.ServerPackets)
	if err != nil {
		return nil, errors.Wrap(err, "registering server packets failed")
	}

	router := config.Router
	if router == nil {
		router = NewServerRouter()
	}
	if err := checkCoverage(clientPackets, router.handlers); err != nil {
		return nil, err
	}

	if config.Bans == nil {
		config.Bans = bans.NewMemory()
	}
	if config.EmitInterval == 0 {
		config.EmitInterval = DefaultEmitInterval
	}

	return &Server{
		transport: newTransport(transportConfig{
			Role:        roleServer,
			Backend:     config.Backend,
			Options:     config.Options,
			PollTimeout: config.PollTimeout,
			Logger:      config.Logger,
			Registerer:  config.Registerer,
			Instance:    config.Instance,
			Received:    clientPackets,
			Sent:        serverPackets,
		}),
		config:      config,
		router:      router,
		bans:        config.Bans,
		fingerprint: wire.Fingerprint(clientPackets, serverPackets),
		listen:      host.Listen,
		banned:      bans.NewMemory(),
		pendingBans: newQueue[string](),
		banSignal:   make(chan struct{}, 1),
	}, nil
}

// Start binds the port and starts the transport goroutine. Packets of the ignored types are not logged.
// The returned startup is resolved once the port is bound or binding failed.
func (s *Server) Start(ctx context.Context, port uint16, maxPeers int, ignored ...any) *Startup {
	if err := s.begin(ctx, ignored); err != nil {
		return failedStartup(err)
	}

	startup := newStartup()
	go s.run(s.log.context(ctx), joinAddress(s.config.Address, port), maxPeers, startup)
	return startup
}

// Stop disconnects all the peers and stops the transport goroutine.
func (s *Server) Stop() {
	s.requestStop(command{Opcode: commandStop})
}

// Send sends the packet to the peer.
func (s *Server) Send(peer wire.PeerID, msg any) error {
	return s.Post(msg, wire.ToPeer(peer), wire.Reliable)
}

// Broadcast sends the packet to everyone if no peers are passed, to everyone except the peer
// if one is passed, and to the passed peers otherwise.
func (s *Server) Broadcast(msg any, peers ...wire.PeerID) error {
	return s.Post(msg, wire.ToPeers(peers...), wire.Reliable)
}

// Post encodes the packet and enqueues it for the transport goroutine. Error is returned only if
// the packet can't be encoded.
func (s *Server) Post(msg any, target wire.Target, delivery wire.Delivery) error {
	if !s.available() {
		return nil
	}
	if state(s.state.Load()) != stateRunning {
		s.log.Warn("Server is not running, packet dropped", zap.String("packet", typeName(wire.TypeOf(msg))))
		return nil
	}

	data, d, err := s.encode(msg)
	if err != nil {
		return err
	}

	env := wire.Envelope{
		Descriptor: d,
		Data:       data,
		Message:    msg,
		Delivery:   delivery,
		Target:     target,
	}

	switch target.Mode {
	case wire.Unicast:
		s.logSent("Sending packet to peer", env, zap.Uint32s("peers", peerIDs(target.Peers)))
	case wire.BroadcastAll:
		s.logSent("Broadcasting packet to everyone", env)
	case wire.BroadcastExcept:
		s.logSent("Broadcasting packet to everyone except peer", env, zap.Uint32s("except", peerIDs(target.Peers)))
	default:
		s.logSent("Broadcasting packet to peers", env, zap.Uint32s("peers", peerIDs(target.Peers)))
	}

	s.outgoing.Push(env)
	return nil
}

// Kick disconnects the peer sending the reason to it.
func (s *Server) Kick(peer wire.PeerID, reason wire.DisconnectReason) {
	s.enqueueCommand(command{Opcode: commandKick, Peer: peer, Reason: reason})
}

// Ban bans the address of the peer and disconnects it.
func (s *Server) Ban(peer wire.PeerID) {
	s.Kick(peer, wire.Banned)
}

// KickAll disconnects all the peers.
func (s *Server) KickAll(reason wire.DisconnectReason) {
	s.enqueueCommand(command{Opcode: commandKickAll, Reason: reason})
}

// BanAll bans addresses of all the peers and disconnects them.
func (s *Server) BanAll() {
	s.KickAll(wire.Banned)
}

// PeerCount returns the number of connected peers.
func (s *Server) PeerCount() int {
	return int(s.peerCount.Load())
}

// Addr returns the bound address. It is empty until the server is started.
func (s *Server) Addr() string {
	addr := s.addr.Load()
	if addr == nil {
		return ""
	}
	return *addr
}

func (s *Server) run(ctx context.Context, addr string, maxPeers int, startup *Startup) {
	h, err := s.listen(ctx, s.backend, host.ListenConfig{
		Address:      addr,
		MaxPeers:     maxPeers,
		Admit:        s.admit,
		PingInterval: s.config.PingInterval,
		PeerTimeout:  s.config.PeerTimeout,
	})
	if err != nil {
		s.log.Error("Starting server failed", zap.String("address", addr), zap.Error(err))
		s.abort()
		startup.resolve(err)
		return
	}

	boundAddr := h.Addr()
	s.addr.Store(&boundAddr)
	s.peers = map[wire.PeerID]*peer{}
	s.running.Store(true)
	s.log.Info("Server is running", zap.String("address", boundAddr), zap.Int("maxPeers", maxPeers))
	startup.resolve(nil)

	transportDone := make(chan struct{})
	err = parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("bans", parallel.Continue, func(ctx context.Context) error {
			s.persistBans(ctx, transportDone)
			return nil
		})
		spawn("transport", parallel.Continue, func(ctx context.Context) error {
			defer close(transportDone)

			err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
				spawn("loop", parallel.Exit, func(ctx context.Context) error {
					return s.loop(ctx, h, s)
				})
				spawn("emit", parallel.Continue, s.emit)
				return nil
			})

			s.flush(h, s)
			for id := range s.peers {
				s.disconnectPeer(ctx, h, id, wire.Stopping)
			}
			if err := h.Close(); err != nil {
				s.log.Warn("Closing host failed", zap.Error(err))
			}
			return err
		})
		return nil
	})
	if err != nil && ctx.Err() == nil {
		s.log.Error("Server failed", zap.Error(err))
	}

	s.finish()
	s.log.Info("Server is no longer running")
}

// persistBans stores bans recorded by the transport goroutine. Pending bans are stored
// before it returns, even if the context is canceled.
func (s *Server) persistBans(ctx context.Context, transportDone <-chan struct{}) {
	ctx = context.WithoutCancel(ctx)
	for {
		var done bool
		select {
		case <-s.banSignal:
		case <-transportDone:
			done = true
		}

		for _, ip := range s.pendingBans.Drain() {
			if err := s.bans.Ban(ctx, ip); err != nil {
				s.log.Error("Persisting ban failed", zap.String("ip", ip), zap.Error(err))
				continue
			}
			s.log.Debug("Ban persisted", zap.String("ip", ip))
		}
		if done {
			return
		}
	}
}

func (s *Server) emit(ctx context.Context) error {
	if s.config.Emit == nil {
		return nil
	}

	ticker := time.NewTicker(s.config.EmitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.hook("Emit", func() error {
				return s.config.Emit(ctx, s)
			})
		}
	}
}

// admit is called by the host on the transport goroutine.
func (s *Server) admit(addr string, fingerprint [32]byte) (bool, uint32) {
	if ip := bans.IP(addr); ip != "" && (s.banned.Contains(ip) || s.bans.Contains(ip)) {
		s.log.Info("Banned client tried to connect", zap.String("address", addr))
		return false, uint32(wire.Banned)
	}
	if fingerprint != s.fingerprint {
		s.log.Warn("Client uses different protocol, rejecting", zap.String("address", addr))
		return false, uint32(wire.ProtocolMismatch)
	}
	return true, 0
}

func (s *Server) applyCommand(ctx context.Context, h host.Host, cmd command) bool {
	switch cmd.Opcode {
	case commandStop:
		return true
	case commandKick:
		if _, exists := s.peers[cmd.Peer]; !exists {
			s.log.Warn("Tried to kick peer which does not exist", zap.Uint32("peer", uint32(cmd.Peer)))
			return false
		}
		s.kick(ctx, h, cmd.Peer, cmd.Reason)
	case commandKickAll:
		for id := range s.peers {
			s.kick(ctx, h, id, cmd.Reason)
		}
	}
	return false
}

func (s *Server) kick(ctx context.Context, h host.Host, id wire.PeerID, reason wire.DisconnectReason) {
	if reason == wire.Banned {
		s.ban(ctx, s.peers[id])
	}
	s.log.Info("Kicking peer", zap.Uint32("peer", uint32(id)), zap.Stringer("reason", reason))
	s.disconnectPeer(ctx, h, id, reason)
}

func (s *Server) ban(ctx context.Context, p *peer) {
	ip := bans.IP(p.Addr)
	if ip == "" {
		s.log.Warn("Address of the peer is unknown, ban is not persisted", zap.Uint32("peer", uint32(p.ID)))
		return
	}
	if err := s.banned.Ban(ctx, ip); err != nil {
		s.log.Error("Banning peer failed", zap.Uint32("peer", uint32(p.ID)), zap.Error(err))
		return
	}
	s.pendingBans.Push(ip)
	select {
	case s.banSignal <- struct{}{}:
	default:
	}
	s.log.Info("Peer banned", zap.Uint32("peer", uint32(p.ID)), zap.String("ip", ip))
}

func (s *Server) disconnectPeer(ctx context.Context, h host.Host, id wire.PeerID, reason wire.DisconnectReason) {
	if err := h.Disconnect(id, uint32(reason)); err != nil {
		s.log.Warn("Disconnecting peer failed", zap.Uint32("peer", uint32(id)), zap.Error(err))
	}
	s.removePeer(ctx, id, reason, false)
}

func (s *Server) removePeer(ctx context.Context, id wire.PeerID, reason wire.DisconnectReason, timedOut bool) {
	delete(s.peers, id)
	s.updatePeerCount()

	if s.config.OnPeerDisconnected != nil {
		s.hook("OnPeerDisconnected", func() error {
			return s.config.OnPeerDisconnected(ctx, s, id, reason, timedOut)
		})
	}
}

func (s *Server) updatePeerCount() {
	s.peerCount.Store(int64(len(s.peers)))
	s.metrics.peers.Set(float64(len(s.peers)))
}

func (s *Server) handleEvent(ctx context.Context, _ host.Host, ev host.Event) bool {
	switch ev.Type {
	case host.EventConnect:
		s.peers[ev.Peer] = &peer{
			ID:          ev.Peer,
			Addr:        ev.Addr,
			ConnectedAt: time.Now(),
		}
		s.updatePeerCount()
		s.log.Info("Client connected", zap.Uint32("peer", uint32(ev.Peer)), zap.String("address", ev.Addr))

		if s.config.OnPeerConnected != nil {
			s.hook("OnPeerConnected", func() error {
				return s.config.OnPeerConnected(ctx, s, ev.Peer)
			})
		}
	case host.EventDisconnect:
		if _, exists := s.peers[ev.Peer]; !exists {
			return false
		}
		reason := wire.DisconnectReason(ev.Data)
		s.log.Info("Client disconnected", zap.Uint32("peer", uint32(ev.Peer)), zap.Stringer("reason", reason))
		s.removePeer(ctx, ev.Peer, reason, false)
	case host.EventTimeout:
		if _, exists := s.peers[ev.Peer]; !exists {
			return false
		}
		s.log.Info("Client timed out", zap.Uint32("peer", uint32(ev.Peer)))
		s.removePeer(ctx, ev.Peer, wire.Disconnected, true)
	case host.EventReceive:
		d, msg, ok := s.decode(ev, zap.Uint32("peer", uint32(ev.Peer)))
		if !ok {
			return false
		}
		handler := s.router.handlers[d.Type]
		s.invoke(d, func() error {
			return handler(ctx, s, ev.Peer, msg)
		})
	}
	return false
}

func (s *Server) sendEnvelope(h host.Host, env wire.Envelope) {
	switch env.Target.Mode {
	case wire.BroadcastAll:
		for id := range s.peers {
			s.transmit(h, id, env)
		}
	case wire.BroadcastExcept:
		for id := range s.peers {
			if !slices.Contains(env.Target.Peers, id) {
				s.transmit(h, id, env)
			}
		}
	default:
		for _, id := range env.Target.Peers {
			s.transmit(h, id, env)
		}
	}
}
