package main

import (
	"log"

	"runnerscale/cmd"
)

func main() {
	// keep main tiny; cmd.Execute implements CLI and loop bootstrap
	if err := cmd.Execute(); err != nil {
		log.Fatalf("runnerscale: %v", err)
	}
}
