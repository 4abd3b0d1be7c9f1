package main

import (
	"github.com/outofforest/netcode/chat/clientbound"
	"github.com/outofforest/proton"
)

//go:generate go run .
func main() {
	proton.Generate("../types.proton.go",
		proton.Message[clientbound.Welcome](),
		proton.Message[clientbound.Message](),
		proton.Message[clientbound.Ping](),
		proton.Message[clientbound.PlayerJoined](),
		proton.Message[clientbound.PlayerLeft](),
	)
}
