// Command pzp runs a personal zone agent: it enrolls with a hub, keeps a
// mutually authenticated link to it and accepts links from its peers.
package main

import (
	"fmt"
	"os"

	"github.com/avaropoint/pzone/internal/command"
)

func main() {
	if err := command.AgentApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
