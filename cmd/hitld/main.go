// Command hitld runs the human-in-the-loop request coordinator.
package main

import (
	"fmt"
	"os"
	"strings"
)

const usage = `usage: hitld [command] [flags]

commands:
  serve     run the daemon (default)
  install   write ~/.hitl/settings.json and reload or start the daemon
  version   print the version
`

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		runServe()
	case "install":
		runInstall(args)
	case "version":
		printVersion()
	case "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}
