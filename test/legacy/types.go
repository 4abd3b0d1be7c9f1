// Package legacy contains the serverbound packet family of an outdated client build.
// Its opcode table differs from the current one, so handshakes using it must be rejected.
package legacy

// Join is the old join packet.
type Join struct {
	Name string
}

// Ping was removed from the current protocol.
type Ping struct {
	Seq uint64
}

// Chat was renamed to Say and got no team channel.
type Chat struct {
	Team uint64
	Text string
}
