// Command blocksync runs and inspects relays for replicated block trees.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/blocksync/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
