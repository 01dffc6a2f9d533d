//go:build !test

package main

import (
	"log"

	"github.com/arrost/kernel/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
