package main

import (
	"fmt"
	"os"
	"strings"
)

// Version is set via -ldflags at build time.
var Version = "dev"

func main() {
	app := newCLIApp()
	if err := app.Run(withDefaultCommand(os.Args)); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// withDefaultCommand inserts "serve" when no subcommand is given, so the
// server can be started with flags alone.
func withDefaultCommand(args []string) []string {
	if len(args) < 2 {
		return append(args, "serve")
	}
	arg := args[1]
	switch arg {
	case "-h", "--help", "-v", "--version":
		return args
	}
	if strings.HasPrefix(arg, "-") {
		out := make([]string, 0, len(args)+1)
		out = append(out, args[0], "serve")
		return append(out, args[1:]...)
	}
	return args
}
