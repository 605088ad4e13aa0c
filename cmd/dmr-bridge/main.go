// dmr-bridge relays audio between a Discord voice channel and a USRP radio
// gateway.
package main

import (
	"context"
	"os"
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
