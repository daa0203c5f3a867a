package main

import (
	"os"

	"github.com/zsiec/raylink/cmd/rayclient/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
