// Package main provides the entry point for the vecdest CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/vecdest/cmd/vecdest/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
