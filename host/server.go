package host

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/netcode/wire"
	"github.com/outofforest/parallel"
)

const closeTimeout = time.Second

type serverHost struct {
	peerHost

	log      *zap.Logger
	listener Listener
	maxPeers int
	admit    AdmitFunc
	stopping atomic.Bool
	stopCh   chan struct{}

	lastID wire.PeerID
	links  map[*link]struct{}
	peers  map[wire.PeerID]*link
}

// Listen binds the backend on the configured address and returns the host accepting peers.
func Listen(ctx context.Context, b Backend, config ListenConfig) (Host, error) {
	if err := Initialize(b); err != nil {
		return nil, err
	}

	ls, err := b.Listen(ctx, config.Address)
	if err != nil {
		return nil, err
	}

	hostCtx, cancel := context.WithCancel(ctx)
	h := &serverHost{
		peerHost: peerHost{
			inbox:        make(chan linkEvent, 1024),
			pingInterval: valueOrDefault(config.PingInterval, DefaultPingInterval),
			peerTimeout:  valueOrDefault(config.PeerTimeout, DefaultPeerTimeout),
			queueSize:    valueOrDefault(config.QueueSize, DefaultQueueSize),
			cancel:       cancel,
			done:         make(chan struct{}),
		},
		log:      contextLogger(ctx).With(zap.String("backend", b.Name()), zap.String("address", ls.Addr())),
		listener: ls,
		maxPeers: config.MaxPeers,
		admit:    config.Admit,
		stopCh:   make(chan struct{}),
		links:    map[*link]struct{}{},
		peers:    map[wire.PeerID]*link{},
	}

	go func() {
		defer close(h.done)

		h.err = parallel.Run(hostCtx, func(ctx context.Context, spawn parallel.SpawnFn) error {
			spawn("accept", parallel.Continue, func(ctx context.Context) error {
				for {
					conn, err := ls.Accept(ctx)
					if err != nil {
						if h.stopping.Load() || ctx.Err() != nil {
							return nil
						}
						return err
					}

					// Link is registered on the servicing goroutine before its first frame arrives.
					l := newLink(conn, h.queueSize, time.Now())
					select {
					case h.inbox <- linkEvent{link: l, register: true}:
					case <-ctx.Done():
						_ = conn.Close()
						return nil
					}

					spawn("link", parallel.Continue, func(ctx context.Context) error {
						if err := l.run(ctx, h.inbox); err != nil && ctx.Err() == nil {
							h.log.Debug("Connection closed", zap.String("remote", l.addr), zap.Error(err))
						}
						return nil
					})
				}
			})
			spawn("closer", parallel.Continue, func(ctx context.Context) error {
				select {
				case <-ctx.Done():
				case <-h.stopCh:
				}
				_ = ls.Close()
				return nil
			})

			return nil
		})
	}()

	return h, nil
}

func (h *serverHost) Service(ctx context.Context, timeout time.Duration) (Event, error) {
	return h.service(ctx, timeout, h.done, h.handle, h.keepalive)
}

func (h *serverHost) Send(peer wire.PeerID, packet []byte, delivery wire.Delivery) error {
	l, exists := h.peers[peer]
	if !exists {
		return errors.Wrapf(ErrUnknownPeer, "peer %d", peer)
	}
	return l.send(dataFrame(packet, delivery))
}

func (h *serverHost) Disconnect(peer wire.PeerID, reason uint32) error {
	l, exists := h.peers[peer]
	if !exists {
		return errors.Wrapf(ErrUnknownPeer, "peer %d", peer)
	}
	h.drop(l, &reason)
	return nil
}

func (h *serverHost) Addr() string {
	return h.listener.Addr()
}

func (h *serverHost) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.stopping.Store(true)

	for l := range h.links {
		h.drop(l, nil)
	}
	close(h.stopCh)

	return h.shutdown(closeTimeout)
}

func (h *serverHost) drop(l *link, reason *uint32) {
	delete(h.links, l)
	if l.open {
		delete(h.peers, l.id)
	}
	l.close(reason)
}

func (h *serverHost) handle(ev linkEvent, now time.Time) {
	l := ev.link
	if ev.register {
		h.links[l] = struct{}{}
		return
	}
	if l.closing {
		return
	}

	if ev.err != nil {
		wasOpen := l.open
		h.drop(l, nil)
		if wasOpen {
			h.push(Event{Type: EventDisconnect, Peer: l.id, Addr: l.addr, Data: uint32(wire.Disconnected)})
		}
		return
	}

	l.lastRecv = now
	f := ev.frame
	switch f.Kind {
	case kindHello:
		if l.open {
			h.violation(l, "repeated hello")
			return
		}
		h.accept(l, f.Fingerprint)
	case kindReliable, kindUnreliable:
		if !l.open {
			h.violation(l, "data before hello")
			return
		}
		h.push(Event{Type: EventReceive, Peer: l.id, Addr: l.addr, Packet: f.Packet, Delivery: f.delivery()})
	case kindPing:
		_ = l.send(pongFrame)
	case kindPong:
	case kindDisconnect:
		wasOpen := l.open
		h.drop(l, nil)
		if wasOpen {
			h.push(Event{Type: EventDisconnect, Peer: l.id, Addr: l.addr, Data: f.Value})
		}
	default:
		h.violation(l, "unexpected frame")
	}
}

func (h *serverHost) accept(l *link, fingerprint [fingerprintSize]byte) {
	if h.admit != nil {
		if ok, reason := h.admit(l.addr, fingerprint); !ok {
			h.log.Debug("Connection rejected", zap.String("remote", l.addr),
				zap.Stringer("reason", wire.DisconnectReason(reason)))
			h.drop(l, &reason)
			return
		}
	}
	if h.maxPeers > 0 && len(h.peers) >= h.maxPeers {
		reason := uint32(wire.ServerFull)
		h.log.Debug("Connection rejected, server is full", zap.String("remote", l.addr))
		h.drop(l, &reason)
		return
	}

	h.lastID++
	l.id = h.lastID
	l.open = true
	h.peers[l.id] = l

	if err := l.send(welcomeFrame(l.id)); err != nil {
		h.drop(l, nil)
		return
	}
	h.push(Event{Type: EventConnect, Peer: l.id, Addr: l.addr})
}

func (h *serverHost) violation(l *link, msg string) {
	h.log.Debug("Protocol violation", zap.String("remote", l.addr), zap.String("violation", msg))

	wasOpen := l.open
	h.drop(l, nil)
	if wasOpen {
		h.push(Event{Type: EventDisconnect, Peer: l.id, Addr: l.addr, Data: uint32(wire.Disconnected)})
	}
}

func (h *serverHost) keepalive(now time.Time) {
	for l := range h.links {
		if now.Sub(l.lastRecv) > h.peerTimeout {
			wasOpen := l.open
			h.drop(l, nil)
			if wasOpen {
				h.push(Event{Type: EventTimeout, Peer: l.id, Addr: l.addr})
			}
			continue
		}
		if l.open && now.Sub(l.lastPing) >= h.pingInterval {
			l.lastPing = now
			_ = l.send(pingFrame)
		}
	}
}
