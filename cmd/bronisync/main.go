package main

import (
	"context"
	"fmt"
	"os"

	"bronisync/internal/cli"
)

// set via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := cli.Execute(context.Background(), version); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}
