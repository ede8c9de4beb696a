// The main package for the fetchcore executable.
package main

import (
	"github.com/JakeFAU/fetchcore/cmd"
)

func main() {
	cmd.Execute()
}
