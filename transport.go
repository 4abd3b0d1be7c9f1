package netcode

import (
	"context"
	"reflect"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/netcode/host"
	"github.com/outofforest/netcode/wire"
)

// DefaultPollTimeout is the time the loop waits for host events before it checks the queues again.
const DefaultPollTimeout = 15 * time.Millisecond

var (
	// ErrAlreadyRunning is returned when transport is started twice.
	ErrAlreadyRunning = errors.New("transport is already running")

	// ErrStopped is returned by startup when transport was stopped before it started.
	ErrStopped = errors.New("transport stopped")
)

const (
	roleServer = "Server"
	roleClient = "Client"
)

type state int32

const (
	stateIdle state = iota
	stateRunning
	stateStopRequested
	stateStopped
)

// endpoint plugs the semantics of the role into the loop.
type endpoint interface {
	applyCommand(ctx context.Context, h host.Host, cmd command) bool
	sendEnvelope(h host.Host, env wire.Envelope)
	handleEvent(ctx context.Context, h host.Host, ev host.Event) bool
}

// instances numbers transports which have no instance label configured.
var instances atomic.Uint64

type transportConfig struct {
	Role        string
	Backend     host.Backend
	Options     Options
	PollTimeout time.Duration
	Logger      *zap.Logger
	Registerer  prometheus.Registerer
	Instance    string
	Received    *wire.Registry
	Sent        *wire.Registry
}

// transport contains the loop and the queues shared by server and client.
type transport struct {
	backend     host.Backend
	options     Options
	pollTimeout time.Duration
	ownLogger   bool
	log         *roleLogger
	metrics     *metrics

	received *wire.Registry
	sent     *wire.Registry

	state    atomic.Int32
	running  atomic.Bool
	ignored  atomic.Pointer[ignoredSet]
	commands *queue[command]
	outgoing *queue[wire.Envelope]
}

func newTransport(config transportConfig) *transport {
	if config.Backend == nil {
		config.Backend = host.KCP{}
	}
	if config.PollTimeout == 0 {
		config.PollTimeout = DefaultPollTimeout
	}
	if config.Instance == "" {
		config.Instance = strconv.FormatUint(instances.Add(1), 10)
	}

	return &transport{
		backend:     config.Backend,
		options:     config.Options,
		pollTimeout: config.PollTimeout,
		ownLogger:   config.Logger != nil,
		log:         newRoleLogger(config.Role, config.Logger),
		metrics:     newMetrics(config.Registerer, roleLabel(config.Role), config.Instance),
		received:    config.Received,
		sent:        config.Sent,
		commands:    newQueue[command](),
		outgoing:    newQueue[wire.Envelope](),
	}
}

// IsRunning returns true if transport is bound and its loop is running.
func (t *transport) IsRunning() bool {
	return t.running.Load()
}

// begin moves transport from idle or stopped state to running.
func (t *transport) begin(ctx context.Context, ignored []any) error {
	if log := logger.Get(ctx); log != nil && !t.ownLogger {
		t.log.set(log)
	}

	if err := host.Initialize(t.backend); err != nil {
		t.log.Error("Transport is unavailable", zap.Error(err))
		return err
	}

	if !t.state.CompareAndSwap(int32(stateIdle), int32(stateRunning)) &&
		!t.state.CompareAndSwap(int32(stateStopped), int32(stateRunning)) {
		t.log.Warn("Transport is already running")
		return errors.WithStack(ErrAlreadyRunning)
	}

	set := newIgnoredSet(t.log, t.received, ignored)
	t.ignored.Store(&set)
	t.commands.Drain()
	t.outgoing.Drain()

	return nil
}

// abort returns transport to idle state after it failed to start.
func (t *transport) abort() {
	t.state.Store(int32(stateIdle))
}

// finish marks transport as stopped after its loop exited.
func (t *transport) finish() {
	t.running.Store(false)
	t.state.Store(int32(stateStopped))
}

// requestStop enqueues the command terminating the loop.
func (t *transport) requestStop(cmd command) {
	switch state(t.state.Load()) {
	case stateRunning:
		if !t.state.CompareAndSwap(int32(stateRunning), int32(stateStopRequested)) {
			t.requestStop(cmd)
			return
		}
		t.log.Info("Stopping")
		t.commands.Push(cmd)
	case stateStopRequested:
		t.log.Info("Transport is in the middle of stopping")
	default:
		t.log.Info("Transport is not running, nothing to stop")
	}
}

// enqueueCommand pushes control-plane command if transport is running.
func (t *transport) enqueueCommand(cmd command) {
	if state(t.state.Load()) != stateRunning {
		t.log.Warn("Transport is not running, ignoring command", zap.Stringer("command", cmd.Opcode))
		return
	}
	t.commands.Push(cmd)
}

// available checks if backend is usable, logging the problem if it is not.
func (t *transport) available() bool {
	if err := host.Initialize(t.backend); err != nil {
		t.log.Warn("Transport is unavailable, ignoring packet", zap.Error(err))
		return false
	}
	return true
}

func (t *transport) loop(ctx context.Context, h host.Host, e endpoint) error {
	for {
		for _, cmd := range t.commands.Drain() {
			if e.applyCommand(ctx, h, cmd) {
				return nil
			}
		}

		t.flush(h, e)

		ev, err := h.Service(ctx, t.pollTimeout)
		for {
			if err != nil {
				return err
			}
			if ev.Type == host.EventNone {
				break
			}
			if e.handleEvent(ctx, h, ev) {
				return nil
			}
			ev, err = h.Service(ctx, 0)
		}
	}
}

func (t *transport) flush(h host.Host, e endpoint) {
	for _, env := range t.outgoing.Drain() {
		e.sendEnvelope(h, env)
	}
}

func (t *transport) isIgnored(tp reflect.Type) bool {
	set := t.ignored.Load()
	return set != nil && set.Contains(tp)
}

// encode runs on the goroutine sending the packet.
func (t *transport) encode(msg any) ([]byte, wire.Descriptor, error) {
	data, d, err := t.sent.Encode(msg)
	if err != nil {
		if errors.Is(err, wire.ErrPacketTooLarge) {
			t.metrics.packetsDropped.WithLabelValues(dropTooLarge).Inc()
		}
		t.log.Error("Encoding packet failed", zap.String("packet", typeName(wire.TypeOf(msg))), zap.Error(err))
		return nil, wire.Descriptor{}, err
	}
	return data, d, nil
}

func (t *transport) logSent(msg string, env wire.Envelope, fields ...zap.Field) {
	if !t.options.PrintPacketSent {
		return
	}
	t.log.Info(msg, append(packetFields(t.options, env.Descriptor, env.Data, env.Message), fields...)...)
}

func (t *transport) transmit(h host.Host, peer wire.PeerID, env wire.Envelope) {
	if err := h.Send(peer, env.Data, env.Delivery); err != nil {
		reason := dropUnknownPeer
		if errors.Is(err, host.ErrQueueFull) {
			reason = dropQueueFull
		}
		t.metrics.packetsDropped.WithLabelValues(reason).Inc()
		t.log.Warn("Sending packet failed", zap.String("packet", env.Descriptor.Name),
			zap.Uint32("peer", uint32(peer)), zap.Error(err))
		return
	}
	t.metrics.packetsSent.WithLabelValues(env.Descriptor.Name).Inc()
	t.metrics.bytesSent.Add(float64(len(env.Data)))
}

// decode runs on the transport goroutine. Packets which can't be decoded are logged and dropped.
func (t *transport) decode(ev host.Event, fields ...zap.Field) (wire.Descriptor, any, bool) {
	t.metrics.bytesReceived.Add(float64(len(ev.Packet)))

	d, msg, err := t.received.Decode(ev.Packet)
	if err != nil {
		switch {
		case errors.Is(err, wire.ErrPacketTooLarge):
			t.metrics.packetsDropped.WithLabelValues(dropTooLarge).Inc()
			t.log.Warn("Received packet is too large, ignoring",
				append(fields, zap.Int("bytes", len(ev.Packet)), zap.Int("limit", wire.MaxPacketSize))...)
		case errors.Is(err, wire.ErrUnknownOpcode):
			t.metrics.packetsDropped.WithLabelValues(dropUnknownCode).Inc()
			t.log.Warn("Received unknown opcode, ignoring", append(fields, zap.Uint8("opcode", ev.Packet[0]))...)
		default:
			t.metrics.packetsDropped.WithLabelValues(dropMalformed).Inc()
			t.log.Warn("Received malformed packet, ignoring", append(fields, zap.Error(err))...)
		}
		return wire.Descriptor{}, nil, false
	}

	t.metrics.packetsReceived.WithLabelValues(d.Name).Inc()
	if t.options.PrintPacketReceived && !t.isIgnored(d.Type) {
		t.log.Info("Received packet", append(packetFields(t.options, d, ev.Packet, msg), fields...)...)
	}
	return d, msg, true
}

// invoke runs packet handler, isolating its failure to the packet.
func (t *transport) invoke(d wire.Descriptor, fn func() error) {
	if err := safeCall(fn); err != nil {
		t.log.Error("Packet handler failed", zap.String("packet", d.Name), zap.Error(err))
	}
}

func (t *transport) hook(name string, fn func() error) {
	if err := safeCall(fn); err != nil {
		t.log.Error("Hook failed", zap.String("hook", name), zap.Error(err))
	}
}

func roleLabel(role string) string {
	switch role {
	case roleServer:
		return "server"
	default:
		return "client"
	}
}
