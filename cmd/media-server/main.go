// Package main is the entry point for the media-server application.
package main

import (
	"os"

	"github.com/ottlab/media-server/cmd/media-server/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
