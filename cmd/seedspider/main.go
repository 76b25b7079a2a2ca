// The main package for the seedspider executable.
package main

import (
	"github.com/seedspider/seedspider/cmd"
)

func main() {
	cmd.Execute()
}
