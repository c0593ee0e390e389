package main

import (
	"fmt"
	"os"

	"github.com/soyeahso/porchlight/internal/cli"
	"github.com/tillberg/autorestart"
)

func main() {
	// Re-exec when the binary is rebuilt; development only.
	if os.Getenv("PORCHLIGHT_AUTORESTART") == "1" {
		go autorestart.RestartOnChange()
	}

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "porchlight:", err)
		os.Exit(1)
	}
}
