// ./main.go
package main

import (
	"github.com/helmsman-ai/helmsman/cmd"
)

// main is the entry point for the helmsman control plane.
func main() {
	// Execute the root command defined in the cmd package.
	// This handles all command-line parsing, configuration, and execution.
	cmd.Execute()
}
