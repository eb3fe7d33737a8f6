// Package main is the entry point for the sagequery CLI.
package main

import (
	"os"

	"github.com/sagequery/sagequery/cmd/sagequery/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
