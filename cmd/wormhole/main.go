package main

import (
	"os"

	"wormhole/cmd/wormhole/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
