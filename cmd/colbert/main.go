package main

import (
	"os"

	"github.com/hankgalt/colbert/cmd/colbert/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
