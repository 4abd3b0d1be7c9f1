package netcode

import (
	"reflect"

	"go.uber.org/zap"

	"github.com/outofforest/netcode/wire"
)

// Options controls logging of the traffic.
type Options struct {
	PrintPacketSent     bool
	PrintPacketReceived bool
	PrintPacketData     bool
	PrintPacketByteSize bool
}

// DefaultOptions returns options logging sent and received packets by name.
func DefaultOptions() Options {
	return Options{
		PrintPacketSent:     true,
		PrintPacketReceived: true,
	}
}

type ignoredSet map[reflect.Type]struct{}

// newIgnoredSet accepts only the types received by the endpoint. Other types are dropped with a warning.
func newIgnoredSet(log *roleLogger, received *wire.Registry, types []any) ignoredSet {
	set := ignoredSet{}
	for _, t := range types {
		rt := wire.TypeOf(t)
		if rt == nil || !received.Contains(rt) {
			log.Warn("Ignored packet type is not received by this endpoint, dropping it",
				zap.String("packet", typeName(rt)))
			continue
		}
		set[rt] = struct{}{}
	}
	return set
}

func (s ignoredSet) Contains(t reflect.Type) bool {
	_, exists := s[t]
	return exists
}
