package main

import (
	"github.com/outofforest/netcode/chat/serverbound"
	"github.com/outofforest/proton"
)

//go:generate go run .
func main() {
	proton.Generate("../types.proton.go",
		proton.Message[serverbound.Join](),
		proton.Message[serverbound.Leave](),
		proton.Message[serverbound.Say](),
	)
}
