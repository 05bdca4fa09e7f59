package main

import (
	"context"
	"fmt"
	"os"

	"github.com/SirClappington/queuectl/internal/cli"
)

func main() {
	if err := cli.NewRootCmd(os.Stdout, os.Stderr).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
