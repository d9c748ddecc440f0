// Command classd runs the classd object storage backend.
package main

import (
	"os"

	"github.com/kilupskalvis/classd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
