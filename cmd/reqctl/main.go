// Command reqctl exercises a request controller from the command line.
//
// Usage:
//
//	reqctl probe --backend http://localhost:3000 --target /equipment --count 50
//	reqctl config --config rigup.yaml
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
