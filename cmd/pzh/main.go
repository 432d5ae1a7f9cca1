// Command pzh runs a personal zone hub: the certificate authority that
// enrolls agents, distributes its revocation list and relays their links.
package main

import (
	"fmt"
	"os"

	"github.com/avaropoint/pzone/internal/command"
)

func main() {
	if err := command.HubApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
