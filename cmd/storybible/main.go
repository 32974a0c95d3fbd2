package main

import (
	"fmt"
	"os"

	"github.com/jomapps/mcp-story-bible-service/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
}
