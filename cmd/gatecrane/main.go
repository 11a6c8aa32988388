package main

import (
	"os"

	"github.com/gatecrane-io/gatecrane/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
