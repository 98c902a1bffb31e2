// Package paneregistry persists the shim's pane_id -> session_id mapping.
// Every shim invocation is a fresh OS process, so the mapping lives in a
// JSON file scoped to one orchestration context; all access is
// read-modify-write under a cross-process file lock.
package paneregistry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

var ErrPaneNotFound = errors.New("pane not found")

// state is the on-disk shape. NextPaneIndex only grows: pane IDs are never
// reused within a context, matching tmux's pane-numbering behavior.
type state struct {
	NextPaneIndex int               `json:"next_pane_index"`
	Panes         map[string]string `json:"panes"`
}

type Registry struct {
	path string
	lock *flock.Flock
}

// Open prepares a registry at path. The file is created lazily on first
// mutation; index 0 is reserved for the context's pre-existing leader pane,
// so the first allocated pane is %1.
func Open(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create pane registry dir: %w", err)
	}
	return &Registry{
		path: path,
		lock: flock.New(path + ".lock"),
	}, nil
}

func (r *Registry) withLock(fn func(st *state) (dirty bool, err error)) error {
	if err := r.lock.Lock(); err != nil {
		return fmt.Errorf("lock pane registry: %w", err)
	}
	defer r.lock.Unlock() //nolint:errcheck

	st, err := r.load()
	if err != nil {
		return err
	}
	dirty, err := fn(st)
	if err != nil {
		return err
	}
	if dirty {
		return r.save(st)
	}
	return nil
}

func (r *Registry) load() (*state, error) {
	raw, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return &state{NextPaneIndex: 1, Panes: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pane registry: %w", err)
	}
	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("parse pane registry: %w", err)
	}
	if st.Panes == nil {
		st.Panes = map[string]string{}
	}
	if st.NextPaneIndex < 1 {
		st.NextPaneIndex = 1
	}
	return &st, nil
}

// save writes through a temp file and renames, so a crashed shim never
// leaves a truncated registry behind.
func (r *Registry) save(st *state) error {
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pane registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write pane registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("replace pane registry: %w", err)
	}
	return nil
}

// Allocate assigns the next pane ID to sessionID and persists the mapping.
func (r *Registry) Allocate(sessionID string) (string, error) {
	var paneID string
	err := r.withLock(func(st *state) (bool, error) {
		paneID = fmt.Sprintf("%%%d", st.NextPaneIndex)
		st.NextPaneIndex++
		st.Panes[paneID] = sessionID
		return true, nil
	})
	if err != nil {
		return "", err
	}
	return paneID, nil
}

// Resolve maps a pane ID to its daemon session ID. An unknown or
// partially-matched reference is ErrPaneNotFound, never a guess.
func (r *Registry) Resolve(paneID string) (string, error) {
	var sessionID string
	err := r.withLock(func(st *state) (bool, error) {
		id, ok := st.Panes[paneID]
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrPaneNotFound, paneID)
		}
		sessionID = id
		return false, nil
	})
	if err != nil {
		return "", err
	}
	return sessionID, nil
}

// Remove drops a pane mapping. Removing an unknown pane is an error so that
// kill-pane on a bad target fails loudly instead of silently succeeding.
func (r *Registry) Remove(paneID string) error {
	return r.withLock(func(st *state) (bool, error) {
		if _, ok := st.Panes[paneID]; !ok {
			return false, fmt.Errorf("%w: %s", ErrPaneNotFound, paneID)
		}
		delete(st.Panes, paneID)
		return true, nil
	})
}

// Prune drops any pane whose session the daemon no longer knows. keep is
// the set of live session IDs.
func (r *Registry) Prune(keep map[string]bool) error {
	return r.withLock(func(st *state) (bool, error) {
		dirty := false
		for paneID, sessionID := range st.Panes {
			if !keep[sessionID] {
				delete(st.Panes, paneID)
				dirty = true
			}
		}
		return dirty, nil
	})
}

// List returns a copy of the current pane -> session mapping.
func (r *Registry) List() (map[string]string, error) {
	out := map[string]string{}
	err := r.withLock(func(st *state) (bool, error) {
		for k, v := range st.Panes {
			out[k] = v
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
