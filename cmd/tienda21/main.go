package main

import (
	"os"

	"github.com/soportecyclops/tienda21/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
