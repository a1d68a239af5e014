// The main package for the gridcrawler executable.
package main

import (
	"github.com/JakeFAU/gridcrawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
