package main

import (
	"os"

	"github.com/hyunwoo/reportd/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
