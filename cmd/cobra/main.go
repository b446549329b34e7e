package main

import (
	"fmt"
	"os"

	cobra "github.com/cobrabft/cobra/internal/cobra-cli"
)

func main() {
	app := cobra.CLI()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "cobra: %v\n", err)
		os.Exit(1)
	}
}
