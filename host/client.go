package host

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/netcode/wire"
)

type clientHost struct {
	peerHost

	log            *zap.Logger
	addr           string
	connectTimeout time.Duration
	link           *link
}

// Dial connects to the server and starts the handshake. Connect event is reported once the server
// accepts the connection. If it is rejected, disconnect event carrying the reason is reported.
func Dial(ctx context.Context, b Backend, config DialConfig) (Host, error) {
	if err := Initialize(b); err != nil {
		return nil, err
	}

	connectTimeout := valueOrDefault(config.ConnectTimeout, DefaultConnectTimeout)
	dialCtx, dialCancel := context.WithTimeout(ctx, connectTimeout)
	conn, err := b.Dial(dialCtx, config.Address)
	dialCancel()
	if err != nil {
		return nil, err
	}

	hostCtx, cancel := context.WithCancel(ctx)
	h := &clientHost{
		peerHost: peerHost{
			inbox:        make(chan linkEvent, 1024),
			pingInterval: valueOrDefault(config.PingInterval, DefaultPingInterval),
			peerTimeout:  valueOrDefault(config.PeerTimeout, DefaultPeerTimeout),
			queueSize:    valueOrDefault(config.QueueSize, DefaultQueueSize),
			cancel:       cancel,
			done:         make(chan struct{}),
		},
		log:            contextLogger(ctx).With(zap.String("backend", b.Name()), zap.String("address", config.Address)),
		addr:           config.Address,
		connectTimeout: connectTimeout,
	}

	l := newLink(conn, h.queueSize, time.Now())
	h.link = l
	if err := l.send(helloFrame(config.Fingerprint)); err != nil {
		cancel()
		_ = conn.Close()
		return nil, err
	}

	go func() {
		defer close(h.done)

		if err := l.run(hostCtx, h.inbox); err != nil && hostCtx.Err() == nil {
			h.log.Debug("Connection closed", zap.Error(err))
		}
	}()

	return h, nil
}

func (h *clientHost) Service(ctx context.Context, timeout time.Duration) (Event, error) {
	return h.service(ctx, timeout, nil, h.handle, h.keepalive)
}

func (h *clientHost) Send(peer wire.PeerID, packet []byte, delivery wire.Delivery) error {
	if peer != 0 || h.link == nil || !h.link.open {
		return errors.Wrapf(ErrUnknownPeer, "peer %d", peer)
	}
	return h.link.send(dataFrame(packet, delivery))
}

func (h *clientHost) Disconnect(peer wire.PeerID, reason uint32) error {
	if peer != 0 || h.link == nil {
		return errors.Wrapf(ErrUnknownPeer, "peer %d", peer)
	}
	h.drop(&reason)
	return nil
}

func (h *clientHost) Addr() string {
	return h.addr
}

func (h *clientHost) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true

	if h.link != nil {
		h.drop(nil)
	}
	return h.shutdown(closeTimeout)
}

func (h *clientHost) drop(reason *uint32) {
	l := h.link
	h.link = nil
	l.close(reason)
}

func (h *clientHost) disconnected(reason uint32) {
	h.drop(nil)
	h.push(Event{Type: EventDisconnect, Addr: h.addr, Data: reason})
}

func (h *clientHost) handle(ev linkEvent, now time.Time) {
	l := ev.link
	if l != h.link || l.closing {
		return
	}

	if ev.err != nil {
		h.disconnected(uint32(wire.Disconnected))
		return
	}

	l.lastRecv = now
	f := ev.frame
	switch f.Kind {
	case kindWelcome:
		if l.open {
			h.log.Debug("Protocol violation", zap.String("violation", "repeated welcome"))
			h.disconnected(uint32(wire.Disconnected))
			return
		}
		l.open = true
		l.lastPing = now
		h.push(Event{Type: EventConnect, Addr: h.addr, Data: f.Value})
	case kindReliable, kindUnreliable:
		if !l.open {
			h.log.Debug("Protocol violation", zap.String("violation", "data before welcome"))
			h.disconnected(uint32(wire.Disconnected))
			return
		}
		h.push(Event{Type: EventReceive, Addr: h.addr, Packet: f.Packet, Delivery: f.delivery()})
	case kindPing:
		_ = l.send(pongFrame)
	case kindPong:
	case kindDisconnect:
		h.disconnected(f.Value)
	default:
		h.log.Debug("Protocol violation", zap.String("violation", "unexpected frame"))
		h.disconnected(uint32(wire.Disconnected))
	}
}

func (h *clientHost) keepalive(now time.Time) {
	l := h.link
	if l == nil {
		return
	}

	if !l.open {
		if now.Sub(l.createdAt) > h.connectTimeout {
			h.drop(nil)
			h.push(Event{Type: EventTimeout, Addr: h.addr})
		}
		return
	}

	if now.Sub(l.lastRecv) > h.peerTimeout {
		h.drop(nil)
		h.push(Event{Type: EventTimeout, Addr: h.addr})
		return
	}
	if now.Sub(l.lastPing) >= h.pingInterval {
		l.lastPing = now
		_ = l.send(pingFrame)
	}
}
