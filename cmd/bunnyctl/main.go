package main

import (
	"os"

	"github.com/austindbirch/bunny_bridge/cmd/bunnyctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
