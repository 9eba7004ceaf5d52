// Command bridge evaluates code in an embedded heap runtime through the
// reference bridge.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
