package main

import (
	"os"

	"github.com/dynject/dynject/cmd/dynject/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
