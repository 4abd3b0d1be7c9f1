package netcode

import (
	"net"
	"reflect"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/netcode/wire"
)

func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	return t.Name()
}

func joinAddress(address string, port uint16) string {
	return net.JoinHostPort(address, strconv.FormatUint(uint64(port), 10))
}

// safeCall runs fn, converting panic into error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func packetFields(options Options, d wire.Descriptor, data []byte, msg any) []zap.Field {
	fields := []zap.Field{zap.String("packet", d.Name)}
	if options.PrintPacketByteSize {
		fields = append(fields, zap.Int("bytes", len(data)))
	}
	if options.PrintPacketData {
		fields = append(fields, zap.Any("data", msg))
	}
	return fields
}

func peerIDs(peers []wire.PeerID) []uint32 {
	ids := make([]uint32, 0, len(peers))
	for _, p := range peers {
		ids = append(ids, uint32(p))
	}
	return ids
}
