package main

import (
	"os"

	"cosmossdk.io/log"

	"github.com/openalpha/perp-engine/cmd/engined/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		log.NewLogger(os.Stderr).Error("engined exited", "err", err)
		os.Exit(1)
	}
}
