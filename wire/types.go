package wire

import "fmt"

// MaxPacketSize is the maximum size of the packet on the wire, including the opcode byte.
const MaxPacketSize = 8192

// MaxOpcodes is the maximum number of packet types a registry may hold.
const MaxOpcodes = 256

type (
	// PeerID identifies the remote endpoint of a connection.
	PeerID uint32

	// Opcode is the single-byte packet type discriminator.
	Opcode uint8
)

// Delivery defines the delivery guarantee requested for the packet.
type Delivery uint8

// Delivery modes.
const (
	Reliable Delivery = iota
	Unreliable
)

func (d Delivery) String() string {
	if d == Unreliable {
		return "unreliable"
	}
	return "reliable"
}

// SendMode defines how the targets of the envelope are interpreted.
type SendMode uint8

// Send modes.
const (
	Unicast SendMode = iota
	BroadcastAll
	BroadcastExcept
	BroadcastSubset
)

func (m SendMode) String() string {
	switch m {
	case Unicast:
		return "unicast"
	case BroadcastAll:
		return "broadcast"
	case BroadcastExcept:
		return "broadcast-except"
	case BroadcastSubset:
		return "broadcast-subset"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Target selects the receivers of the envelope.
type Target struct {
	Mode  SendMode
	Peers []PeerID
}

// ToPeer targets single peer.
func ToPeer(peer PeerID) Target {
	return Target{Mode: Unicast, Peers: []PeerID{peer}}
}

// ToPeers builds broadcast target following the peer count convention:
// no peers means everyone, one peer means everyone except that peer,
// more peers means only those peers.
func ToPeers(peers ...PeerID) Target {
	switch len(peers) {
	case 0:
		return Target{Mode: BroadcastAll}
	case 1:
		return Target{Mode: BroadcastExcept, Peers: peers}
	default:
		return Target{Mode: BroadcastSubset, Peers: peers}
	}
}

// Envelope is the encoded packet ready to be handed to the host.
// Only Data travels over the wire, the rest is used locally.
type Envelope struct {
	Descriptor Descriptor
	Data       []byte
	Message    any
	Delivery   Delivery
	Target     Target
}

// DisconnectReason is the termination cause carried by the disconnect frame.
type DisconnectReason uint32

// Disconnect reasons.
const (
	Disconnected DisconnectReason = iota
	Maintenance
	Restarting
	Stopping
	Kicked
	Banned
	ServerFull
	ProtocolMismatch
)

func (r DisconnectReason) String() string {
	switch r {
	case Disconnected:
		return "disconnected"
	case Maintenance:
		return "maintenance"
	case Restarting:
		return "restarting"
	case Stopping:
		return "stopping"
	case Kicked:
		return "kicked"
	case Banned:
		return "banned"
	case ServerFull:
		return "server full"
	case ProtocolMismatch:
		return "protocol mismatch"
	default:
		return fmt.Sprintf("reason(%d)", uint32(r))
	}
}
