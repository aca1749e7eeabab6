package main

import (
	"os"

	"github.com/lexreach/golang_services/internal/outreachctl"
)

func main() {
	root := outreachctl.NewRootCommand(outreachctl.DefaultDeps())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
