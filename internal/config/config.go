package config

import (
	"os"
	"path/filepath"
	"time"
)

// Env vars shared between the daemon and the shim. Both sides read
// KILD_SOCKET so callers never pass the socket path explicitly.
// KILD_TMUX_CONTEXT scopes the shim's pane registry to one orchestration
// context; KILD_PANE identifies the invoking pane.
const (
	EnvSocket      = "KILD_SOCKET"
	EnvStateDir    = "KILD_STATE_DIR"
	EnvTmuxContext = "KILD_TMUX_CONTEXT"
	EnvPane        = "KILD_PANE"
)

type Config struct {
	SocketPath      string
	DBPath          string
	StateDir        string
	ScrollbackLines int
	SpawnTimeout    time.Duration
	WriteTimeout    time.Duration
	RequestTimeout  time.Duration
	DeadSessionTTL  time.Duration
	SweepInterval   time.Duration
	ConnectTimeout  time.Duration
	MaxLineBytes    int
}

func DefaultConfig() Config {
	stateDir := defaultStateDir()
	return Config{
		SocketPath:      defaultSocketPath(),
		DBPath:          filepath.Join(stateDir, "kild.db"),
		StateDir:        stateDir,
		ScrollbackLines: 2000,
		SpawnTimeout:    10 * time.Second,
		WriteTimeout:    5 * time.Second,
		RequestTimeout:  10 * time.Second,
		DeadSessionTTL:  5 * time.Minute,
		SweepInterval:   60 * time.Second,
		ConnectTimeout:  3 * time.Second,
		MaxLineBytes:    2 << 20,
	}
}

func defaultSocketPath() string {
	if p := os.Getenv(EnvSocket); p != "" {
		return p
	}
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "kild", "kildd.sock")
	}
	return filepath.Join(defaultStateDir(), "kildd.sock")
}

func defaultStateDir() string {
	if p := os.Getenv(EnvStateDir); p != "" {
		return p
	}
	if stateHome := os.Getenv("XDG_STATE_HOME"); stateHome != "" {
		return filepath.Join(stateHome, "kild")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kild"
	}
	return filepath.Join(home, ".local", "state", "kild")
}

// PaneRegistryPath returns the shim's pane-registry file for one
// orchestration context. Each context gets its own file so pane numbering
// in one context never bleeds into another.
func (c Config) PaneRegistryPath(contextKey string) string {
	if contextKey == "" {
		contextKey = "default"
	}
	return filepath.Join(c.StateDir, "panes", contextKey+".json")
}
