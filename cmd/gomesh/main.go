// gomesh daemon -- multi-transport mesh messaging stack.
package main

import "github.com/dantte-lp/gomesh/cmd/gomesh/commands"

func main() {
	commands.Execute()
}
