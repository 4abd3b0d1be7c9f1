package netcode

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/outofforest/netcode/host"
	"github.com/outofforest/netcode/wire"
	"github.com/outofforest/parallel"
	"github.com/outofforest/proton"
)

var (
	// ErrRejected is returned by startup if the server refused the connection.
	ErrRejected = errors.New("connection rejected by server")

	// ErrConnectTimeout is returned by startup if the server did not answer the handshake in time.
	ErrConnectTimeout = errors.New("connecting to server timed out")
)

// ClientConfig is the configuration of the client.
type ClientConfig struct {
	// Backend defaults to host.KCP.
	Backend host.Backend

	// ClientPackets is the family of packets sent by the client.
	ClientPackets proton.Marshaller

	// ServerPackets is the family of packets sent by the server.
	ServerPackets proton.Marshaller

	// Router must contain the handler of every server packet.
	Router *ClientRouter

	Options    Options
	Logger     *zap.Logger
	Registerer prometheus.Registerer

	// Instance labels the metrics of this endpoint. Unique number is used if it is empty.
	Instance string

	PollTimeout    time.Duration
	PingInterval   time.Duration
	PeerTimeout    time.Duration
	ConnectTimeout time.Duration

	// Hooks are called by HandlePackets in order with the packets.
	OnConnected    func(ctx context.Context, c *Client) error
	OnDisconnected func(ctx context.Context, c *Client, reason wire.DisconnectReason, timedOut bool) error
}

type inboundKind uint8

const (
	inboundPacket inboundKind = iota
	inboundConnected
	inboundDisconnected
)

type inbound struct {
	Kind       inboundKind
	Descriptor wire.Descriptor
	Message    any
	Reason     wire.DisconnectReason
	TimedOut   bool
}

// Client connects to the server and exchanges packets with it. Received packets are queued
// until HandlePackets is called.
type Client struct {
	*transport

	config      ClientConfig
	router      *ClientRouter
	fingerprint [32]byte
	dial        func(ctx context.Context, b host.Backend, config host.DialConfig) (host.Host, error)

	inbound   *queue[inbound]
	connected atomic.Bool
	peerID    atomic.Uint32

	// Owned by the transport goroutine.
	startup *Startup
	linkUp  bool
}

// NewClient creates new client.
func NewClient(config ClientConfig) (*Client, error) {
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
		router = NewClientRouter()
	}
	if err := checkCoverage(serverPackets, router.handlers); err != nil {
		return nil, err
	}

	return &Client{
		transport: newTransport(transportConfig{
			Role:        roleClient,
			Backend:     config.Backend,
			Options:     config.Options,
			PollTimeout: config.PollTimeout,
			Logger:      config.Logger,
			Registerer:  config.Registerer,
			Instance:    config.Instance,
			Received:    serverPackets,
			Sent:        clientPackets,
		}),
		config:      config,
		router:      router,
		fingerprint: wire.Fingerprint(clientPackets, serverPackets),
		dial:        host.Dial,
		inbound:     newQueue[inbound](),
	}, nil
}

// Connect starts the transport goroutine connecting to the server. Packets of the ignored types
// are not logged. The returned startup is resolved once the server accepts or refuses the connection.
func (c *Client) Connect(ctx context.Context, address string, port uint16, ignored ...any) *Startup {
	if err := c.begin(ctx, ignored); err != nil {
		return failedStartup(err)
	}

	startup := newStartup()
	go c.run(c.log.context(ctx), joinAddress(address, port), startup)
	return startup
}

// Stop disconnects from the server and stops the transport goroutine.
func (c *Client) Stop() {
	c.requestStop(command{Opcode: commandDisconnect})
}

// Send sends the packet to the server.
func (c *Client) Send(msg any) error {
	return c.Post(msg, wire.Reliable)
}

// Post encodes the packet and enqueues it for the transport goroutine. Packets sent while
// the client is not connected are dropped. Error is returned only if the packet can't be encoded.
func (c *Client) Post(msg any, delivery wire.Delivery) error {
	if !c.available() {
		return nil
	}
	if !c.connected.Load() {
		c.metrics.packetsDropped.WithLabelValues(dropNotConnected).Inc()
		return nil
	}

	data, d, err := c.encode(msg)
	if err != nil {
		return err
	}

	env := wire.Envelope{
		Descriptor: d,
		Data:       data,
		Message:    msg,
		Delivery:   delivery,
		Target:     wire.ToPeer(0),
	}
	c.logSent("Sending packet to server", env)
	c.outgoing.Push(env)
	return nil
}

// HandlePackets runs handlers of the queued packets and connection hooks on the calling goroutine.
// It returns the number of processed items.
func (c *Client) HandlePackets(ctx context.Context) int {
	items := c.inbound.Drain()
	for _, item := range items {
		switch item.Kind {
		case inboundConnected:
			if c.config.OnConnected != nil {
				c.hook("OnConnected", func() error {
					return c.config.OnConnected(ctx, c)
				})
			}
		case inboundDisconnected:
			if c.config.OnDisconnected != nil {
				c.hook("OnDisconnected", func() error {
					return c.config.OnDisconnected(ctx, c, item.Reason, item.TimedOut)
				})
			}
		default:
			handler := c.router.handlers[item.Descriptor.Type]
			c.invoke(item.Descriptor, func() error {
				return handler(ctx, c, item.Message)
			})
		}
	}
	return len(items)
}

// Pending returns the number of items waiting for HandlePackets.
func (c *Client) Pending() int {
	return c.inbound.Len()
}

// IsConnected returns true if handshake with the server succeeded and connection is alive.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// PeerID returns the ID assigned by the server.
func (c *Client) PeerID() wire.PeerID {
	return wire.PeerID(c.peerID.Load())
}

func (c *Client) run(ctx context.Context, addr string, startup *Startup) {
	h, err := c.dial(ctx, c.backend, host.DialConfig{
		Address:        addr,
		Fingerprint:    c.fingerprint,
		PingInterval:   c.config.PingInterval,
		PeerTimeout:    c.config.PeerTimeout,
		ConnectTimeout: c.config.ConnectTimeout,
	})
	if err != nil {
		c.log.Error("Connecting to server failed", zap.String("address", addr), zap.Error(err))
		c.abort()
		startup.resolve(err)
		return
	}

	c.startup = startup
	c.linkUp = true
	c.running.Store(true)
	c.log.Info("Connecting to server", zap.String("address", addr))

	err = parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("loop", parallel.Exit, func(ctx context.Context) error {
			return c.loop(ctx, h, c)
		})
		return nil
	})
	if err != nil && ctx.Err() == nil {
		c.log.Error("Client failed", zap.Error(err))
	}

	c.flush(h, c)
	if c.linkUp {
		c.linkUp = false
		if err := h.Disconnect(0, uint32(wire.Disconnected)); err != nil && !errors.Is(err, host.ErrUnknownPeer) {
			c.log.Warn("Disconnecting from server failed", zap.Error(err))
		}
		if c.connected.Load() {
			c.disconnected(wire.Disconnected, false)
		}
	}
	c.startup.resolve(errors.WithStack(ErrStopped))
	if err := h.Close(); err != nil {
		c.log.Warn("Closing host failed", zap.Error(err))
	}
	c.finish()
	c.log.Info("Client is no longer running")
}

func (c *Client) applyCommand(_ context.Context, _ host.Host, cmd command) bool {
	return cmd.Opcode == commandDisconnect
}

func (c *Client) handleEvent(_ context.Context, _ host.Host, ev host.Event) bool {
	switch ev.Type {
	case host.EventConnect:
		c.peerID.Store(ev.Data)
		c.connected.Store(true)
		c.metrics.peers.Set(1)
		c.log.Info("Connected to server", zap.Uint32("peer", ev.Data))
		c.inbound.Push(inbound{Kind: inboundConnected})
		c.startup.resolve(nil)
	case host.EventDisconnect:
		c.linkUp = false
		c.disconnected(wire.DisconnectReason(ev.Data), false)
		return true
	case host.EventTimeout:
		c.linkUp = false
		c.disconnected(wire.Disconnected, true)
		return true
	case host.EventReceive:
		d, msg, ok := c.decode(ev)
		if ok {
			c.inbound.Push(inbound{Kind: inboundPacket, Descriptor: d, Message: msg})
		}
	}
	return false
}

func (c *Client) disconnected(reason wire.DisconnectReason, timedOut bool) {
	if !c.connected.Swap(false) {
		var err error
		if timedOut {
			err = errors.WithStack(ErrConnectTimeout)
		} else {
			err = errors.Wrapf(ErrRejected, "reason: %s", reason)
		}
		c.log.Warn("Connecting to server failed", zap.Error(err))
		c.startup.resolve(err)
		return
	}

	c.metrics.peers.Set(0)
	if timedOut {
		c.log.Info("Connection to server timed out")
	} else {
		c.log.Info("Disconnected from server", zap.Stringer("reason", reason))
	}
	c.inbound.Push(inbound{Kind: inboundDisconnected, Reason: reason, TimedOut: timedOut})
}

func (c *Client) sendEnvelope(h host.Host, env wire.Envelope) {
	c.transmit(h, 0, env)
}
