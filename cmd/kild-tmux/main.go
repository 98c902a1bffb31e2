package main

import (
	"context"
	"os"

	"github.com/kild-dev/kild/internal/config"
	"github.com/kild-dev/kild/internal/shim"
)

func main() {
	cfg := config.DefaultConfig()
	r := shim.NewRunner(cfg, os.Stdout, os.Stderr)
	os.Exit(r.Run(context.Background(), os.Args[1:]))
}
