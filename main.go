// The main package for the mediascope executable.
package main

import (
	"github.com/mediascope/crawler/cmd"
)

func main() {
	cmd.Execute()
}
