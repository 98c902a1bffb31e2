package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kild-dev/kild/internal/config"
	"github.com/kild-dev/kild/internal/daemon"
	"github.com/kild-dev/kild/internal/db"
	"github.com/kild-dev/kild/internal/registry"
)

func main() {
	cfg := config.DefaultConfig()
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path for kildd")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path for the session audit trail")
	flag.IntVar(&cfg.ScrollbackLines, "scrollback", cfg.ScrollbackLines, "scrollback lines retained per session")
	flag.DurationVar(&cfg.DeadSessionTTL, "dead-ttl", cfg.DeadSessionTTL, "how long exited sessions stay listed")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	reg := registry.New(cfg, store, logErr)
	go reg.RunSweeper(ctx)

	srv := daemon.NewServer(cfg, reg, store)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func logErr(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "kildd: %s: %v\n", scope, err)
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "kildd: %v\n", err)
	os.Exit(1)
}
