package main

import (
	"os"

	"github.com/zsiec/raylink/cmd/rayserver/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
