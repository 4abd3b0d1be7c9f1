package host

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/outofforest/netcode/wire"
	"github.com/outofforest/parallel"
)

type linkEvent struct {
	link     *link
	register bool
	frame    frame
	err      error
}

// link is the connection to one remote endpoint. Its fields are owned by the goroutine
// servicing the host, the connection is owned by the reader and writer goroutines.
type link struct {
	id     wire.PeerID
	conn   Conn
	addr   string
	sendCh chan []byte

	open      bool
	closing   bool
	createdAt time.Time
	lastRecv  time.Time
	lastPing  time.Time
}

func newLink(conn Conn, queueSize int, now time.Time) *link {
	return &link{
		conn:      conn,
		addr:      conn.RemoteAddr(),
		sendCh:    make(chan []byte, queueSize),
		createdAt: now,
		lastRecv:  now,
		lastPing:  now,
	}
}

func (l *link) send(frame []byte) error {
	if l.closing {
		return errors.WithStack(ErrUnknownPeer)
	}
	select {
	case l.sendCh <- frame:
		return nil
	default:
		return errors.WithStack(ErrQueueFull)
	}
}

// close stops accepting new frames. The writer flushes the queued ones and closes the connection.
func (l *link) close(reason *uint32) {
	if l.closing {
		return
	}
	if reason != nil {
		_ = l.send(disconnectFrame(*reason))
	}
	l.closing = true
	close(l.sendCh)
}

// run pumps frames between the connection and the host until the connection is closed.
func (l *link) run(ctx context.Context, inbox chan<- linkEvent) error {
	report := func(ctx context.Context, ev linkEvent) bool {
		select {
		case inbox <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("reader", parallel.Fail, func(ctx context.Context) error {
			for {
				data, err := l.conn.ReadFrame()
				if err == nil {
					var f frame
					f, err = decodeFrame(data)
					if err == nil {
						if !report(ctx, linkEvent{link: l, frame: f}) {
							return errors.WithStack(ctx.Err())
						}
						continue
					}
				}

				report(ctx, linkEvent{link: l, err: err})
				return err
			}
		})
		spawn("writer", parallel.Exit, func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case frame, ok := <-l.sendCh:
					if !ok {
						return l.conn.Close()
					}
					if err := l.conn.WriteFrame(frame); err != nil {
						return err
					}
				}
			}
		})
		spawn("closer", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			_ = l.conn.Close()
			return errors.WithStack(ctx.Err())
		})

		return nil
	})
}

// peerHost contains the event queue and the servicing loop shared by listening and dialing hosts.
type peerHost struct {
	inbox        chan linkEvent
	events       []Event
	pingInterval time.Duration
	peerTimeout  time.Duration
	queueSize    int
	closed       bool

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (h *peerHost) push(ev Event) {
	h.events = append(h.events, ev)
}

func (h *peerHost) pop() (Event, bool) {
	if len(h.events) == 0 {
		return Event{}, false
	}
	ev := h.events[0]
	h.events = h.events[1:]
	return ev, true
}

// service waits for link events, passing them to handle until an event is produced or timeout passes.
func (h *peerHost) service(
	ctx context.Context,
	timeout time.Duration,
	failed <-chan struct{},
	handle func(ev linkEvent, now time.Time),
	keepalive func(now time.Time),
) (Event, error) {
	if h.closed {
		return Event{}, errors.WithStack(ErrClosed)
	}

	if ev, ok := h.pop(); ok {
		return ev, nil
	}
	keepalive(time.Now())
	if ev, ok := h.pop(); ok {
		return ev, nil
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	for {
		if timeout > 0 {
			select {
			case <-ctx.Done():
				return Event{}, errors.WithStack(ctx.Err())
			case <-failed:
				return Event{}, errors.Wrap(h.err, "host failed")
			case ev := <-h.inbox:
				handle(ev, time.Now())
			case <-timer:
				return Event{}, nil
			}
		} else {
			select {
			case ev := <-h.inbox:
				handle(ev, time.Now())
			default:
				return Event{}, nil
			}
		}

		if ev, ok := h.pop(); ok {
			return ev, nil
		}
	}
}

// shutdown waits for the link goroutines to flush and exit.
func (h *peerHost) shutdown(timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case ev := <-h.inbox:
			if ev.register {
				ev.link.close(nil)
			}
		case <-deadline.C:
			h.cancel()
		case <-h.done:
			h.cancel()
			if h.err != nil && !errors.Is(h.err, context.Canceled) {
				return h.err
			}
			return nil
		}
	}
}
