// The main package for the linkhoard executable.
package main

import (
	"github.com/linkhoard/linkhoard/cmd"
)

func main() {
	cmd.Execute()
}
