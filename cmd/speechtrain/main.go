// Package main provides the speechtrain CLI.
//
// Usage:
//
//	speechtrain train --config run.yaml --output-dir out --log-dir logs
//	speechtrain train --checkpoint out/checkpoint_1000_0.4321.ckpt ...
//	speechtrain inspect out/checkpoint_1000_0.4321.ckpt
//	speechtrain version
//
// Distributed runs start one process per rank. An external launcher may set
// MASTER_ADDR, MASTER_PORT, WORLD_SIZE and RANK instead of passing flags.
package main

import (
	"fmt"
	"os"

	"github.com/tsawler/go-speechtrain/cmd/speechtrain/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
