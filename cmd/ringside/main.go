// Command ringside keeps a device's trial data in sync with the remote
// store and records scores offline-first.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/ringside/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
