package netcode

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "netcode"

// Reasons of dropping the packet.
const (
	dropTooLarge     = "too_large"
	dropUnknownCode  = "unknown_opcode"
	dropMalformed    = "malformed"
	dropUnknownPeer  = "unknown_peer"
	dropQueueFull    = "queue_full"
	dropNotConnected = "not_connected"
)

type metrics struct {
	packetsSent     *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	packetsDropped  *prometheus.CounterVec
	bytesSent       prometheus.Counter
	bytesReceived   prometheus.Counter
	peers           prometheus.Gauge
}

// newMetrics registers the collectors in the registry. Endpoints sharing the registry share
// the collectors and are distinguished by the role and instance labels.
func newMetrics(reg prometheus.Registerer, role, instance string) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	labels := prometheus.Labels{"role": role, "instance": instance}

	return &metrics{
		packetsSent: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_sent_total",
			Help:      "Number of packets handed to the host",
		}, []string{"role", "instance", "packet"})).MustCurryWith(labels),
		packetsReceived: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_received_total",
			Help:      "Number of packets decoded successfully",
		}, []string{"role", "instance", "packet"})).MustCurryWith(labels),
		packetsDropped: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packets_dropped_total",
			Help:      "Number of packets dropped",
		}, []string{"role", "instance", "reason"})).MustCurryWith(labels),
		bytesSent: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_sent_total",
			Help:      "Number of packet bytes handed to the host",
		}, []string{"role", "instance"})).With(labels),
		bytesReceived: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "bytes_received_total",
			Help:      "Number of packet bytes received from the host",
		}, []string{"role", "instance"})).With(labels),
		peers: register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "peers",
			Help:      "Number of connected peers",
		}, []string{"role", "instance"})).With(labels),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
