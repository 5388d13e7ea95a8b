// Package main is the entry point for the tabtuner application.
package main

import (
	"os"

	"github.com/tabtuner/tabtuner/cmd/tabtuner/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
