// Package serverbound contains packets sent by chat clients and handled by the server.
package serverbound

// Join announces the player name.
type Join struct {
	Name string
}

// Leave is sent before the client disconnects on purpose.
type Leave struct{}

// Say carries chat line.
type Say struct {
	Text string
}
