// Command parley is a duplex voice conversation client and the relay server
// it talks to.
//
//	parley serve  # relay clients to the configured speech service
//	parley talk   # talk to a relay through the default audio devices
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
