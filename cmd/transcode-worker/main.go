package main

import (
	"os"

	"github.com/cuongbtq/transcode-worker/cmd/transcode-worker/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
