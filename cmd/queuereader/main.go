package main

import (
	"log"

	"github.com/austindbirch/queuereader/cmd/queuereader/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
