package netcode

import "github.com/outofforest/netcode/wire"

type commandOpcode uint8

const (
	commandStop commandOpcode = iota
	commandKick
	commandKickAll
	commandDisconnect
)

func (o commandOpcode) String() string {
	switch o {
	case commandStop:
		return "stop"
	case commandKick:
		return "kick"
	case commandKickAll:
		return "kick-all"
	default:
		return "disconnect"
	}
}

// command is the control-plane request applied by the transport goroutine.
type command struct {
	Opcode commandOpcode
	Peer   wire.PeerID
	Reason wire.DisconnectReason
}
