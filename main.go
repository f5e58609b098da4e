package main

import (
	"os"

	"github.com/pfriedland/distributed-der/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
