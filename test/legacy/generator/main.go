package main

import (
	"github.com/outofforest/netcode/test/legacy"
	"github.com/outofforest/proton"
)

//go:generate go run .
func main() {
	proton.Generate("../types.proton.go",
		proton.Message[legacy.Join](),
		proton.Message[legacy.Ping](),
		proton.Message[legacy.Chat](),
	)
}
