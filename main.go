package main

import (
	"log"

	"narrachat/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		log.Fatalf("narrachat: %v", err)
	}
}
