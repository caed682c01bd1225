package main

import (
	"os"

	"e2e_messenger/cmd/client/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
