package main

import (
	"os"

	"github.com/droidmux/droidmux/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
