package main

import (
	"os"

	"github.com/instantcocoa/kos/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
