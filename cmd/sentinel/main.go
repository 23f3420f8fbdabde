package main

import (
	"os"

	"github.com/invisible-tech/sentinel/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
