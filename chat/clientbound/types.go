// Package clientbound contains packets sent by the chat server and handled by clients.
package clientbound

// Welcome is sent to the player after Join is accepted.
type Welcome struct {
	Peer uint64
	Motd string
}

// Message is the chat line relayed to other players.
type Message struct {
	From uint64
	Name string
	Text string
}

// Ping is broadcast periodically.
type Ping struct {
	Seq uint64
}

// PlayerJoined notifies about new player.
type PlayerJoined struct {
	Peer uint64
	Name string
}

// PlayerLeft notifies that player is gone.
type PlayerLeft struct {
	Peer    uint64
	Kicked  bool
	Comment string
}
