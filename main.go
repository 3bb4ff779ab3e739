package main

import (
	"fmt"
	"os"

	"github.com/projecteru2/mancer/cmd"
)

func main() {
	ctx, cancel := cmd.NewCommandContext()
	defer cancel()
	if err := cmd.Execute(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		cancel()
		os.Exit(1) //nolint:gocritic
	}
}
