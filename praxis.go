package main

import (
	"github.com/maraxen/praxis/cmd"
	"github.com/maraxen/praxis/pkg/env"
	"github.com/maraxen/praxis/pkg/log"
)

func main() {
	if err := env.Process(); err != nil {
		log.Fatal("environment failure", "error", err)
	}

	if err := cmd.Execute(); err != nil {
		log.Fatal("praxis failure", "error", err)
	}
}
