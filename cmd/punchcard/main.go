package main

import (
	"os"

	"github.com/punchcardhq/punchcard/cmd/punchcard/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
