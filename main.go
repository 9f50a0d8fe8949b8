// The main package for the multicrawl executable.
package main

import (
	"github.com/JakeFAU/multicrawl/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
