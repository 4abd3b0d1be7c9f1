package netcode

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/outofforest/logger"
	"github.com/outofforest/netcode/bans"
	"github.com/outofforest/netcode/chat/clientbound"
	"github.com/outofforest/netcode/chat/serverbound"
	"github.com/outofforest/netcode/host"
	"github.com/outofforest/netcode/wire"
	"github.com/outofforest/proton"
	"github.com/outofforest/qa"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

type sentPacket struct {
	Peer   wire.PeerID
	Packet []byte
}

type disconnectCall struct {
	Peer   wire.PeerID
	Reason uint32
}

// fakeHost replays events pushed by the test and records everything the transport asks for.
type fakeHost struct {
	events  chan host.Event
	waiting atomic.Bool

	mu           sync.Mutex
	sent         []sentPacket
	disconnected []disconnectCall
	closed       int
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		events: make(chan host.Event, 100),
	}
}

func (h *fakeHost) Service(ctx context.Context, timeout time.Duration) (host.Event, error) {
	if timeout == 0 {
		select {
		case ev := <-h.events:
			return ev, nil
		default:
			return host.Event{}, nil
		}
	}

	h.waiting.Store(true)
	defer h.waiting.Store(false)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return host.Event{}, errors.WithStack(ctx.Err())
	case ev := <-h.events:
		return ev, nil
	case <-timer.C:
		return host.Event{}, nil
	}
}

func (h *fakeHost) Send(peer wire.PeerID, packet []byte, _ wire.Delivery) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sent = append(h.sent, sentPacket{Peer: peer, Packet: packet})
	return nil
}

func (h *fakeHost) Disconnect(peer wire.PeerID, reason uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.disconnected = append(h.disconnected, disconnectCall{Peer: peer, Reason: reason})
	return nil
}

func (h *fakeHost) Addr() string {
	return "fake:1"
}

func (h *fakeHost) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed++
	return nil
}

func (h *fakeHost) Sent() []sentPacket {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]sentPacket(nil), h.sent...)
}

func (h *fakeHost) Disconnected() []disconnectCall {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]disconnectCall(nil), h.disconnected...)
}

func (h *fakeHost) Closed() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.closed
}

// wake makes the transport leave the blocking Service call.
func (h *fakeHost) wake() {
	h.events <- host.Event{}
}

type brokenBackend struct {
	host.Memory
}

func (b brokenBackend) Name() string {
	return "netcode-broken"
}

func (b brokenBackend) Init() error {
	return errors.New("no network stack")
}

type disconnection struct {
	Peer     wire.PeerID
	Reason   wire.DisconnectReason
	TimedOut bool
}

type serverRecorder struct {
	mu            sync.Mutex
	received      []any
	disconnection []disconnection
}

func (r *serverRecorder) record(msg any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.received = append(r.received, msg)
}

func (r *serverRecorder) Received() []any {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]any(nil), r.received...)
}

func (r *serverRecorder) Disconnections() []disconnection {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]disconnection(nil), r.disconnection...)
}

func newServerRouter(r *serverRecorder) *ServerRouter {
	router := NewServerRouter()
	HandleServer(router, func(_ context.Context, _ *Server, _ wire.PeerID, msg *serverbound.Join) error {
		r.record(msg)
		return nil
	})
	HandleServer(router, func(_ context.Context, _ *Server, _ wire.PeerID, msg *serverbound.Leave) error {
		r.record(msg)
		return nil
	})
	HandleServer(router, func(_ context.Context, _ *Server, _ wire.PeerID, msg *serverbound.Say) error {
		r.record(msg)
		if msg.Text == "panic" {
			panic("handler exploded")
		}
		return nil
	})
	return router
}

func newObservedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

func countLogs(logs *observer.ObservedLogs, msg string) int {
	return logs.FilterMessage(msg).Len()
}

func encodePacket(requireT *require.Assertions, m proton.Marshaller, msg any) []byte {
	reg, err := wire.NewRegistry(m)
	requireT.NoError(err)

	data, _, err := reg.Encode(msg)
	requireT.NoError(err)
	return data
}

type serverFixture struct {
	Server    *Server
	Host      *fakeHost
	Logs      *observer.ObservedLogs
	Recorder  *serverRecorder
	Bans      *bans.Memory
	ListenCtx context.Context
}

func startServer(ctx context.Context, t *testing.T, ignored ...any) serverFixture {
	return startConfiguredServer(ctx, t, nil, ignored...)
}

func startConfiguredServer(
	ctx context.Context,
	t *testing.T,
	configure func(config *ServerConfig),
	ignored ...any,
) serverFixture {
	requireT := require.New(t)

	log, logs := newObservedLogger()
	recorder := &serverRecorder{}
	banList := bans.NewMemory()

	config := ServerConfig{
		Backend:       host.Memory{},
		ClientPackets: serverbound.NewMarshaller(),
		ServerPackets: clientbound.NewMarshaller(),
		Router:        newServerRouter(recorder),
		Bans:          banList,
		Options:       DefaultOptions(),
		Logger:        log,
		PollTimeout:   time.Hour,
		OnPeerDisconnected: func(
			_ context.Context,
			_ *Server,
			peer wire.PeerID,
			reason wire.DisconnectReason,
			timedOut bool,
		) error {
			recorder.mu.Lock()
			defer recorder.mu.Unlock()

			recorder.disconnection = append(recorder.disconnection, disconnection{
				Peer:     peer,
				Reason:   reason,
				TimedOut: timedOut,
			})
			return nil
		},
	}
	if configure != nil {
		configure(&config)
	}

	s, err := NewServer(config)
	requireT.NoError(err)

	h := newFakeHost()
	var listenCtx context.Context
	s.listen = func(ctx context.Context, _ host.Backend, _ host.ListenConfig) (host.Host, error) {
		listenCtx = ctx
		return h, nil
	}

	requireT.NoError(s.Start(ctx, 1, 10, ignored...).Wait(ctx))
	requireT.True(s.IsRunning())

	t.Cleanup(func() {
		s.Stop()
		h.wake()
	})

	return serverFixture{
		Server:    s,
		Host:      h,
		Logs:      logs,
		Recorder:  recorder,
		Bans:      banList,
		ListenCtx: listenCtx,
	}
}

func (f serverFixture) connectPeer(requireT *require.Assertions, peer wire.PeerID, addr string) {
	count := f.Server.PeerCount()
	f.Host.events <- host.Event{Type: host.EventConnect, Peer: peer, Addr: addr}
	requireT.Eventually(func() bool {
		return f.Server.PeerCount() == count+1
	}, waitFor, tick)
}

func TestServerKickPeer(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	f := startServer(ctx, t)
	f.connectPeer(requireT, 7, "10.0.0.1:5000")

	f.Server.Kick(7, wire.Kicked)
	f.Host.wake()

	requireT.Eventually(func() bool {
		return len(f.Recorder.Disconnections()) == 1
	}, waitFor, tick)
	requireT.Equal(0, f.Server.PeerCount())
	requireT.Equal([]disconnectCall{{Peer: 7, Reason: uint32(wire.Kicked)}}, f.Host.Disconnected())
	requireT.Equal([]disconnection{{Peer: 7, Reason: wire.Kicked}}, f.Recorder.Disconnections())
}

func TestServerKickUnknownPeer(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	f := startServer(ctx, t)

	f.Server.Kick(7, wire.Kicked)
	f.Host.wake()

	requireT.Eventually(func() bool {
		return countLogs(f.Logs, "[Server] Tried to kick peer which does not exist") == 1
	}, waitFor, tick)
	requireT.Empty(f.Host.Disconnected())
}

func TestServerBanPeer(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	f := startServer(ctx, t)
	f.connectPeer(requireT, 3, "10.0.0.1:5000")
	f.connectPeer(requireT, 4, "10.0.0.2:5000")

	f.Server.Ban(3)
	f.Host.wake()

	requireT.Eventually(func() bool {
		return f.Server.PeerCount() == 1
	}, waitFor, tick)
	requireT.Equal([]disconnectCall{{Peer: 3, Reason: uint32(wire.Banned)}}, f.Host.Disconnected())
	requireT.Eventually(func() bool {
		return f.Bans.Contains("10.0.0.1")
	}, waitFor, tick)
	requireT.Equal([]string{"10.0.0.1"}, f.Bans.All())

	admitted, reason := f.Server.admit("10.0.0.1:6000", f.Server.fingerprint)
	requireT.False(admitted)
	requireT.EqualValues(wire.Banned, reason)

	admitted, _ = f.Server.admit("10.0.0.2:6000", f.Server.fingerprint)
	requireT.True(admitted)
}

func TestServerAdmitFingerprint(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	f := startServer(ctx, t)

	admitted, reason := f.Server.admit("10.0.0.1:6000", [32]byte{0x01})
	requireT.False(admitted)
	requireT.EqualValues(wire.ProtocolMismatch, reason)
}

func TestServerUnknownOpcode(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	f := startServer(ctx, t)
	f.connectPeer(requireT, 7, "10.0.0.1:5000")

	f.Host.events <- host.Event{Type: host.EventReceive, Peer: 7, Packet: []byte{250, 0x01}}
	f.Host.events <- host.Event{
		Type:   host.EventReceive,
		Peer:   7,
		Packet: encodePacket(requireT, serverbound.NewMarshaller(), &serverbound.Join{Name: "alice"}),
	}

	requireT.Eventually(func() bool {
		return len(f.Recorder.Received()) == 1
	}, waitFor, tick)
	requireT.Equal(1, countLogs(f.Logs, "[Server] Received unknown opcode, ignoring"))
	requireT.Equal([]any{&serverbound.Join{Name: "alice"}}, f.Recorder.Received())
	requireT.Empty(f.Host.Disconnected())
	requireT.Equal(1, f.Server.PeerCount())
}

func TestServerMalformedPacket(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	f := startServer(ctx, t)
	f.connectPeer(requireT, 7, "10.0.0.1:5000")

	packet := encodePacket(requireT, serverbound.NewMarshaller(), &serverbound.Say{Text: "hello"})
	f.Host.events <- host.Event{Type: host.EventReceive, Peer: 7, Packet: packet[:3]}
	f.Host.events <- host.Event{Type: host.EventReceive, Peer: 7, Packet: make([]byte, wire.MaxPacketSize+1)}

	requireT.Eventually(func() bool {
		return countLogs(f.Logs, "[Server] Received packet is too large, ignoring") == 1
	}, waitFor, tick)
	requireT.Equal(1, countLogs(f.Logs, "[Server] Received malformed packet, ignoring"))
	requireT.Empty(f.Recorder.Received())
	requireT.Equal(1, f.Server.PeerCount())
}

func TestServerHandlerFailure(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	f := startServer(ctx, t)
	f.connectPeer(requireT, 7, "10.0.0.1:5000")

	f.Host.events <- host.Event{
		Type:   host.EventReceive,
		Peer:   7,
		Packet: encodePacket(requireT, serverbound.NewMarshaller(), &serverbound.Say{Text: "panic"}),
	}
	f.Host.events <- host.Event{
		Type:   host.EventReceive,
		Peer:   7,
		Packet: encodePacket(requireT, serverbound.NewMarshaller(), &serverbound.Leave{}),
	}

	requireT.Eventually(func() bool {
		return len(f.Recorder.Received()) == 2
	}, waitFor, tick)
	requireT.Equal(1, countLogs(f.Logs, "[Server] Packet handler failed"))
	requireT.True(f.Server.IsRunning())
}

func TestServerSend(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	f := startServer(ctx, t)
	f.connectPeer(requireT, 1, "10.0.0.1:5000")
	f.connectPeer(requireT, 2, "10.0.0.2:5000")
	f.connectPeer(requireT, 3, "10.0.0.3:5000")

	ping := encodePacket(requireT, clientbound.NewMarshaller(), &clientbound.Ping{Seq: 1})

	requireT.NoError(f.Server.Send(2, &clientbound.Ping{Seq: 1}))
	f.Host.wake()
	requireT.Eventually(func() bool {
		return len(f.Host.Sent()) == 1
	}, waitFor, tick)
	requireT.Equal([]sentPacket{{Peer: 2, Packet: ping}}, f.Host.Sent())

	requireT.NoError(f.Server.Broadcast(&clientbound.Ping{Seq: 1}))
	f.Host.wake()
	requireT.Eventually(func() bool {
		return len(f.Host.Sent()) == 4
	}, waitFor, tick)

	requireT.NoError(f.Server.Broadcast(&clientbound.Ping{Seq: 1}, 1))
	f.Host.wake()
	requireT.Eventually(func() bool {
		return len(f.Host.Sent()) == 6
	}, waitFor, tick)
	for _, p := range f.Host.Sent()[4:] {
		requireT.NotEqual(wire.PeerID(1), p.Peer)
	}

	requireT.NoError(f.Server.Broadcast(&clientbound.Ping{Seq: 1}, 1, 3))
	f.Host.wake()
	requireT.Eventually(func() bool {
		return len(f.Host.Sent()) == 8
	}, waitFor, tick)
	sent := f.Host.Sent()
	requireT.ElementsMatch([]wire.PeerID{1, 3}, []wire.PeerID{sent[6].Peer, sent[7].Peer})

	requireT.Equal(1, countLogs(f.Logs, "[Server] Sending packet to peer"))
	requireT.Equal(1, countLogs(f.Logs, "[Server] Broadcasting packet to everyone"))
	requireT.Equal(1, countLogs(f.Logs, "[Server] Broadcasting packet to everyone except peer"))
	requireT.Equal(1, countLogs(f.Logs, "[Server] Broadcasting packet to peers"))
}

func TestServerSendTooLarge(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	f := startServer(ctx, t)
	f.connectPeer(requireT, 1, "10.0.0.1:5000")

	err := f.Server.Send(1, &clientbound.Message{Text: strings.Repeat("x", wire.MaxPacketSize)})
	requireT.ErrorIs(err, wire.ErrPacketTooLarge)
	requireT.Equal(0, f.Server.outgoing.Len())
}

func TestServerIgnoredPackets(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	f := startServer(ctx, t, &serverbound.Say{}, clientbound.Ping{})
	requireT.Equal(1, countLogs(f.Logs, "[Server] Ignored packet type is not received by this endpoint, dropping it"))

	f.connectPeer(requireT, 1, "10.0.0.1:5000")
	f.Host.events <- host.Event{
		Type:   host.EventReceive,
		Peer:   1,
		Packet: encodePacket(requireT, serverbound.NewMarshaller(), &serverbound.Say{Text: "hello"}),
	}
	f.Host.events <- host.Event{
		Type:   host.EventReceive,
		Peer:   1,
		Packet: encodePacket(requireT, serverbound.NewMarshaller(), &serverbound.Join{Name: "alice"}),
	}

	requireT.Eventually(func() bool {
		return len(f.Recorder.Received()) == 2
	}, waitFor, tick)

	received := f.Logs.FilterMessage("[Server] Received packet").All()
	requireT.Len(received, 1)
	requireT.Equal("Join", received[0].ContextMap()["packet"])

	requireT.NoError(f.Server.Send(1, &clientbound.Ping{Seq: 1}))
	requireT.Equal(1, countLogs(f.Logs, "[Server] Sending packet to peer"))
}

func TestServerStopIsIdempotent(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	f := startServer(ctx, t)
	f.connectPeer(requireT, 7, "10.0.0.1:5000")

	requireT.Eventually(f.Host.waiting.Load, waitFor, tick)
	f.Server.Stop()
	f.Server.Stop()
	requireT.Equal(1, countLogs(f.Logs, "[Server] Transport is in the middle of stopping"))

	f.Host.wake()
	requireT.Eventually(func() bool {
		return !f.Server.IsRunning()
	}, waitFor, tick)

	requireT.Equal([]disconnectCall{{Peer: 7, Reason: uint32(wire.Stopping)}}, f.Host.Disconnected())
	requireT.Equal([]disconnection{{Peer: 7, Reason: wire.Stopping}}, f.Recorder.Disconnections())
	requireT.Equal(1, f.Host.Closed())

	f.Server.Stop()
	requireT.Equal(1, countLogs(f.Logs, "[Server] Transport is not running, nothing to stop"))
	requireT.Equal(1, f.Host.Closed())

	requireT.NoError(f.Server.Send(7, &clientbound.Ping{}))
	requireT.Equal(1, countLogs(f.Logs, "[Server] Server is not running, packet dropped"))
}

func TestServerPeerTimeout(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	f := startServer(ctx, t)
	f.connectPeer(requireT, 7, "10.0.0.1:5000")

	f.Host.events <- host.Event{Type: host.EventTimeout, Peer: 7}
	requireT.Eventually(func() bool {
		return len(f.Recorder.Disconnections()) == 1
	}, waitFor, tick)
	requireT.Equal(0, f.Server.PeerCount())
	requireT.Equal([]disconnection{{Peer: 7, Reason: wire.Disconnected, TimedOut: true}},
		f.Recorder.Disconnections())
	requireT.Empty(f.Host.Disconnected())
}

func TestServerAlreadyRunning(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	f := startServer(ctx, t)
	requireT.ErrorIs(f.Server.Start(ctx, 1, 10).Wait(ctx), ErrAlreadyRunning)
}

func TestServerBackendUnavailable(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	log, logs := newObservedLogger()
	s, err := NewServer(ServerConfig{
		Backend:       brokenBackend{},
		ClientPackets: serverbound.NewMarshaller(),
		ServerPackets: clientbound.NewMarshaller(),
		Router:        newServerRouter(&serverRecorder{}),
		Logger:        log,
	})
	requireT.NoError(err)

	requireT.Error(s.Start(ctx, 1, 10).Wait(ctx))
	requireT.False(s.IsRunning())
	requireT.Equal(1, countLogs(logs, "[Server] Transport is unavailable"))

	requireT.NoError(s.Send(1, &clientbound.Ping{}))
	requireT.Equal(1, countLogs(logs, "[Server] Transport is unavailable, ignoring packet"))
}

func TestServerRouterCoverage(t *testing.T) {
	requireT := require.New(t)

	router := NewServerRouter()
	HandleServer(router, func(context.Context, *Server, wire.PeerID, *serverbound.Join) error {
		return nil
	})

	_, err := NewServer(ServerConfig{
		ClientPackets: serverbound.NewMarshaller(),
		ServerPackets: clientbound.NewMarshaller(),
		Router:        router,
	})
	requireT.Error(err)

	router = newServerRouter(&serverRecorder{})
	HandleServer(router, func(context.Context, *Server, wire.PeerID, *clientbound.Ping) error {
		return nil
	})
	_, err = NewServer(ServerConfig{
		ClientPackets: serverbound.NewMarshaller(),
		ServerPackets: clientbound.NewMarshaller(),
		Router:        router,
	})
	requireT.Error(err)
}

type clientRecorder struct {
	mu            sync.Mutex
	pings         []uint64
	connected     int
	disconnection []disconnection
}

func (r *clientRecorder) Pings() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]uint64(nil), r.pings...)
}

func (r *clientRecorder) Disconnections() []disconnection {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]disconnection(nil), r.disconnection...)
}

func newClientRouter(r *clientRecorder) *ClientRouter {
	router := NewClientRouter()
	HandleClient(router, func(context.Context, *Client, *clientbound.Welcome) error {
		return nil
	})
	HandleClient(router, func(context.Context, *Client, *clientbound.Message) error {
		return nil
	})
	HandleClient(router, func(_ context.Context, _ *Client, msg *clientbound.Ping) error {
		r.mu.Lock()
		defer r.mu.Unlock()

		r.pings = append(r.pings, msg.Seq)
		return nil
	})
	HandleClient(router, func(context.Context, *Client, *clientbound.PlayerJoined) error {
		return nil
	})
	HandleClient(router, func(context.Context, *Client, *clientbound.PlayerLeft) error {
		return nil
	})
	return router
}

type clientFixture struct {
	Client   *Client
	Host     *fakeHost
	Logs     *observer.ObservedLogs
	Recorder *clientRecorder
	Startup  *Startup
	DialCtx  context.Context
}

func startClient(ctx context.Context, t *testing.T) clientFixture {
	requireT := require.New(t)

	log, logs := newObservedLogger()
	recorder := &clientRecorder{}

	c, err := NewClient(ClientConfig{
		Backend:       host.Memory{},
		ClientPackets: serverbound.NewMarshaller(),
		ServerPackets: clientbound.NewMarshaller(),
		Router:        newClientRouter(recorder),
		Options:       DefaultOptions(),
		Logger:        log,
		PollTimeout:   time.Hour,
		OnConnected: func(context.Context, *Client) error {
			recorder.mu.Lock()
			defer recorder.mu.Unlock()

			recorder.connected++
			return nil
		},
		OnDisconnected: func(_ context.Context, _ *Client, reason wire.DisconnectReason, timedOut bool) error {
			recorder.mu.Lock()
			defer recorder.mu.Unlock()

			recorder.disconnection = append(recorder.disconnection, disconnection{
				Reason:   reason,
				TimedOut: timedOut,
			})
			return nil
		},
	})
	requireT.NoError(err)

	h := newFakeHost()
	var dialCtx context.Context
	c.dial = func(ctx context.Context, _ host.Backend, _ host.DialConfig) (host.Host, error) {
		dialCtx = ctx
		return h, nil
	}

	startup := c.Connect(ctx, "server", 1)
	requireT.Eventually(c.IsRunning, waitFor, tick)

	t.Cleanup(func() {
		c.Stop()
		h.wake()
	})

	return clientFixture{
		Client:   c,
		Host:     h,
		Logs:     logs,
		Recorder: recorder,
		Startup:  startup,
		DialCtx:  dialCtx,
	}
}

func (f clientFixture) connect(ctx context.Context, requireT *require.Assertions) {
	f.Host.events <- host.Event{Type: host.EventConnect, Data: 3}
	requireT.NoError(f.Startup.Wait(ctx))
	requireT.True(f.Client.IsConnected())
	requireT.Equal(wire.PeerID(3), f.Client.PeerID())
	requireT.Equal(1, f.Client.HandlePackets(ctx))
}

func TestClientDefersPacketHandling(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	f := startClient(ctx, t)
	f.connect(ctx, requireT)
	requireT.Equal(1, f.Recorder.connected)

	f.Host.events <- host.Event{
		Type:   host.EventReceive,
		Packet: encodePacket(requireT, clientbound.NewMarshaller(), &clientbound.Ping{Seq: 5}),
	}

	requireT.Eventually(func() bool {
		return f.Client.Pending() == 1
	}, waitFor, tick)
	requireT.Empty(f.Recorder.Pings())

	requireT.Equal(1, f.Client.HandlePackets(ctx))
	requireT.Equal(0, f.Client.Pending())
	requireT.Equal([]uint64{5}, f.Recorder.Pings())

	requireT.Equal(0, f.Client.HandlePackets(ctx))
	requireT.Equal([]uint64{5}, f.Recorder.Pings())
}

func TestClientSend(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	f := startClient(ctx, t)

	requireT.NoError(f.Client.Send(&serverbound.Say{Text: "too early"}))
	requireT.Equal(0, f.Client.outgoing.Len())

	f.connect(ctx, requireT)

	requireT.NoError(f.Client.Send(&serverbound.Say{Text: "hello"}))
	f.Host.wake()

	requireT.Eventually(func() bool {
		return len(f.Host.Sent()) == 1
	}, waitFor, tick)
	requireT.Equal([]sentPacket{{
		Peer:   0,
		Packet: encodePacket(requireT, serverbound.NewMarshaller(), &serverbound.Say{Text: "hello"}),
	}}, f.Host.Sent())
	requireT.Equal(1, countLogs(f.Logs, "[Client] Sending packet to server"))

	requireT.ErrorIs(f.Client.Send(&clientbound.Ping{}), wire.ErrUnknownType)
}

func TestClientDisconnectedByServer(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	f := startClient(ctx, t)
	f.connect(ctx, requireT)

	f.Host.events <- host.Event{Type: host.EventDisconnect, Data: uint32(wire.Kicked)}
	requireT.Eventually(func() bool {
		return !f.Client.IsRunning()
	}, waitFor, tick)

	requireT.False(f.Client.IsConnected())
	requireT.Empty(f.Host.Disconnected())
	requireT.Equal(1, f.Host.Closed())

	requireT.Equal(1, f.Client.HandlePackets(ctx))
	requireT.Equal([]disconnection{{Reason: wire.Kicked}}, f.Recorder.Disconnections())
}

func TestClientTimeout(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	f := startClient(ctx, t)
	f.connect(ctx, requireT)

	f.Host.events <- host.Event{Type: host.EventTimeout}
	requireT.Eventually(func() bool {
		return !f.Client.IsRunning()
	}, waitFor, tick)

	requireT.Equal(1, f.Client.HandlePackets(ctx))
	requireT.Equal([]disconnection{{Reason: wire.Disconnected, TimedOut: true}}, f.Recorder.Disconnections())
}

func TestClientStop(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	f := startClient(ctx, t)
	f.connect(ctx, requireT)

	requireT.Eventually(f.Host.waiting.Load, waitFor, tick)
	f.Client.Stop()
	f.Client.Stop()
	requireT.Equal(1, countLogs(f.Logs, "[Client] Transport is in the middle of stopping"))
	f.Host.wake()

	requireT.Eventually(func() bool {
		return !f.Client.IsRunning()
	}, waitFor, tick)
	requireT.Equal([]disconnectCall{{Peer: 0, Reason: uint32(wire.Disconnected)}}, f.Host.Disconnected())
	requireT.Equal(1, f.Client.HandlePackets(ctx))
	requireT.Equal([]disconnection{{Reason: wire.Disconnected}}, f.Recorder.Disconnections())
}

func TestClientRejected(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	f := startClient(ctx, t)

	f.Host.events <- host.Event{Type: host.EventDisconnect, Data: uint32(wire.ProtocolMismatch)}
	err := f.Startup.Wait(ctx)
	requireT.ErrorIs(err, ErrRejected)
	requireT.Contains(err.Error(), "protocol mismatch")

	requireT.Eventually(func() bool {
		return !f.Client.IsRunning()
	}, waitFor, tick)
	requireT.Equal(0, f.Client.Pending())
}

func TestClientStoppedBeforeConnected(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	f := startClient(ctx, t)

	requireT.Eventually(f.Host.waiting.Load, waitFor, tick)
	f.Client.Stop()
	f.Host.wake()

	requireT.ErrorIs(f.Startup.Wait(ctx), ErrStopped)
	requireT.Eventually(func() bool {
		return !f.Client.IsRunning()
	}, waitFor, tick)
	requireT.Equal(0, f.Client.Pending())
}

func TestPacketLogOptions(t *testing.T) {
	requireT := require.New(t)

	received, err := wire.NewRegistry(serverbound.NewMarshaller())
	requireT.NoError(err)
	sent, err := wire.NewRegistry(clientbound.NewMarshaller())
	requireT.NoError(err)

	newLogged := func(options Options) (*transport, *observer.ObservedLogs) {
		log, logs := newObservedLogger()
		return newTransport(transportConfig{
			Role:     roleServer,
			Backend:  host.Memory{},
			Options:  options,
			Logger:   log,
			Received: received,
			Sent:     sent,
		}), logs
	}

	data, d, err := sent.Encode(&clientbound.Ping{Seq: 3})
	requireT.NoError(err)
	env := wire.Envelope{Descriptor: d, Data: data, Message: &clientbound.Ping{Seq: 3}}

	tr, logs := newLogged(Options{})
	tr.logSent("Sending packet to peer", env)
	requireT.Zero(logs.Len())

	tr, logs = newLogged(Options{
		PrintPacketSent:     true,
		PrintPacketData:     true,
		PrintPacketByteSize: true,
	})
	tr.logSent("Sending packet to peer", env)
	entries := logs.FilterMessage("[Server] Sending packet to peer").All()
	requireT.Len(entries, 1)
	fields := entries[0].ContextMap()
	requireT.Equal("Ping", fields["packet"])
	requireT.EqualValues(len(data), fields["bytes"])
	requireT.Contains(fields, "data")

	packet := encodePacket(requireT, serverbound.NewMarshaller(), &serverbound.Leave{})
	tr, logs = newLogged(Options{PrintPacketSent: true})
	_, msg, ok := tr.decode(host.Event{Type: host.EventReceive, Packet: packet})
	requireT.True(ok)
	requireT.Equal(&serverbound.Leave{}, msg)
	requireT.Zero(logs.FilterMessage("[Server] Received packet").Len())
}

func TestServerKickAll(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	f := startServer(ctx, t)
	f.connectPeer(requireT, 1, "10.0.0.1:5000")
	f.connectPeer(requireT, 2, "10.0.0.2:5000")

	f.Server.KickAll(wire.Maintenance)
	f.Host.wake()

	requireT.Eventually(func() bool {
		return len(f.Recorder.Disconnections()) == 2
	}, waitFor, tick)
	requireT.Equal(0, f.Server.PeerCount())
	requireT.ElementsMatch([]disconnectCall{
		{Peer: 1, Reason: uint32(wire.Maintenance)},
		{Peer: 2, Reason: uint32(wire.Maintenance)},
	}, f.Host.Disconnected())
	requireT.ElementsMatch([]disconnection{
		{Peer: 1, Reason: wire.Maintenance},
		{Peer: 2, Reason: wire.Maintenance},
	}, f.Recorder.Disconnections())
	requireT.Empty(f.Bans.All())
	requireT.True(f.Server.IsRunning())
}

func TestServerBanAll(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	f := startServer(ctx, t)
	f.connectPeer(requireT, 1, "10.0.0.1:5000")
	f.connectPeer(requireT, 2, "10.0.0.2:5000")

	f.Server.BanAll()
	f.Host.wake()

	requireT.Eventually(func() bool {
		return len(f.Recorder.Disconnections()) == 2
	}, waitFor, tick)
	requireT.ElementsMatch([]disconnectCall{
		{Peer: 1, Reason: uint32(wire.Banned)},
		{Peer: 2, Reason: uint32(wire.Banned)},
	}, f.Host.Disconnected())
	requireT.ElementsMatch([]disconnection{
		{Peer: 1, Reason: wire.Banned},
		{Peer: 2, Reason: wire.Banned},
	}, f.Recorder.Disconnections())
	requireT.Eventually(func() bool {
		return len(f.Bans.All()) == 2
	}, waitFor, tick)
	requireT.Equal([]string{"10.0.0.1", "10.0.0.2"}, f.Bans.All())
}

// slowBans blocks persisting until released.
type slowBans struct {
	*bans.Memory

	release chan struct{}
}

func (b slowBans) Ban(ctx context.Context, ip string) error {
	<-b.release
	return b.Memory.Ban(ctx, ip)
}

func TestServerBanDoesNotBlockLoop(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	store := slowBans{Memory: bans.NewMemory(), release: make(chan struct{})}
	f := startConfiguredServer(ctx, t, func(config *ServerConfig) {
		config.Bans = store
	})
	f.connectPeer(requireT, 1, "10.0.0.1:5000")
	f.connectPeer(requireT, 2, "10.0.0.2:5000")

	f.Server.Ban(1)
	f.Host.wake()
	requireT.Eventually(func() bool {
		return f.Server.PeerCount() == 1
	}, waitFor, tick)

	admitted, reason := f.Server.admit("10.0.0.1:6000", f.Server.fingerprint)
	requireT.False(admitted)
	requireT.EqualValues(wire.Banned, reason)

	f.Server.Kick(2, wire.Kicked)
	f.Host.wake()
	requireT.Eventually(func() bool {
		return f.Server.PeerCount() == 0
	}, waitFor, tick)
	requireT.False(store.Contains("10.0.0.1"))

	close(store.release)
	requireT.Eventually(func() bool {
		return store.Contains("10.0.0.1")
	}, waitFor, tick)
}

func TestServerBanPersistedOnStop(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	store := slowBans{Memory: bans.NewMemory(), release: make(chan struct{})}
	f := startConfiguredServer(ctx, t, func(config *ServerConfig) {
		config.Bans = store
	})
	f.connectPeer(requireT, 1, "10.0.0.1:5000")

	f.Server.Ban(1)
	f.Host.wake()
	requireT.Eventually(func() bool {
		return f.Server.PeerCount() == 0
	}, waitFor, tick)

	f.Server.Stop()
	f.Host.wake()
	requireT.Eventually(func() bool {
		return f.Host.Closed() == 1
	}, waitFor, tick)
	requireT.True(f.Server.IsRunning())

	close(store.release)
	requireT.Eventually(func() bool {
		return !f.Server.IsRunning()
	}, waitFor, tick)
	requireT.True(store.Contains("10.0.0.1"))
}

func TestServerEmit(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	var mu sync.Mutex
	var calls int
	var afterClose bool

	var h *fakeHost
	f := startConfiguredServer(ctx, t, func(config *ServerConfig) {
		config.EmitInterval = 10 * time.Millisecond
		config.Emit = func(_ context.Context, _ *Server) error {
			mu.Lock()
			defer mu.Unlock()

			calls++
			if h != nil && h.Closed() > 0 {
				afterClose = true
			}
			return nil
		}
	})
	mu.Lock()
	h = f.Host
	mu.Unlock()

	emitted := func() int {
		mu.Lock()
		defer mu.Unlock()

		return calls
	}

	requireT.Eventually(func() bool {
		return emitted() >= 3
	}, waitFor, tick)

	f.Server.Stop()
	f.Host.wake()
	requireT.Eventually(func() bool {
		return !f.Server.IsRunning()
	}, waitFor, tick)

	stopped := emitted()
	time.Sleep(50 * time.Millisecond)
	requireT.Equal(stopped, emitted())

	mu.Lock()
	defer mu.Unlock()
	requireT.False(afterClose)
}

func TestServerEmitFailure(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	f := startConfiguredServer(ctx, t, func(config *ServerConfig) {
		config.EmitInterval = 10 * time.Millisecond
		config.Emit = func(_ context.Context, _ *Server) error {
			return errors.New("emit failed")
		}
	})

	requireT.Eventually(func() bool {
		return countLogs(f.Logs, "[Server] Hook failed") >= 2
	}, waitFor, tick)
	requireT.True(f.Server.IsRunning())
}

func TestServerPassesLoggerToHost(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	f := startServer(ctx, t)

	hostLog := logger.Get(f.ListenCtx)
	requireT.NotNil(hostLog)
	hostLog.Info("Connection rejected")
	requireT.Equal(1, countLogs(f.Logs, "[Server] Connection rejected"))
}

func TestClientPassesLoggerToHost(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	f := startClient(ctx, t)

	hostLog := logger.Get(f.DialCtx)
	requireT.NotNil(hostLog)
	hostLog.Debug("Connection closed")
	requireT.Equal(1, countLogs(f.Logs, "[Client] Connection closed"))
}
