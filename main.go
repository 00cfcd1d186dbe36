package main

import (
	"os"

	"github.com/go-pstack/pstack/cmd/pstack/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
