package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/solarigin/sia/internal/config"
)

// Exit codes: 0 success, 2 invalid configuration, 3 any other fatal
// error.
const (
	exitConfigInvalid = 2
	exitFatal         = 3
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)

		if errors.Is(err, config.ErrInvalid) {
			os.Exit(exitConfigInvalid)
		}

		os.Exit(exitFatal)
	}
}
