// judgerun runs untrusted contest submissions under Linux namespace,
// mount, and seccomp isolation.
package main

import (
	"fmt"
	"os"

	"judgerun/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
