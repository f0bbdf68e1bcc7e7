package main

import (
	"os"

	"botbox/cmd/botbox/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
