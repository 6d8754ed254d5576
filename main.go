// The main package for the orderhist executable.
package main

import (
	"github.com/JakeFAU/orderhist-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
