package paneregistry

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "ctx-1.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return r
}

func TestAllocateStartsAtOne(t *testing.T) {
	r := newRegistry(t)
	paneID, err := r.Allocate("sess-a")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if paneID != "%1" {
		t.Fatalf("first pane = %s, want %%1", paneID)
	}
}

func TestAllocateMonotonicAcrossReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctx.json")

	// Separate Open calls model separate shim processes sharing one file.
	var ids []string
	for i := 0; i < 3; i++ {
		r, err := Open(path)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		id, err := r.Allocate(fmt.Sprintf("sess-%d", i))
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	want := []string{"%1", "%2", "%3"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids = %v, want %v", ids, want)
		}
	}
}

func TestPaneIDsNeverReused(t *testing.T) {
	r := newRegistry(t)
	first, err := r.Allocate("sess-a")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := r.Remove(first); err != nil {
		t.Fatalf("remove: %v", err)
	}
	second, err := r.Allocate("sess-b")
	if err != nil {
		t.Fatalf("allocate again: %v", err)
	}
	if second == first {
		t.Fatalf("pane ID %s was reused", first)
	}
}

func TestResolveAndRemove(t *testing.T) {
	r := newRegistry(t)
	paneID, err := r.Allocate("sess-a")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	sessionID, err := r.Resolve(paneID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if sessionID != "sess-a" {
		t.Fatalf("resolved %s, want sess-a", sessionID)
	}

	if err := r.Remove(paneID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := r.Resolve(paneID); !errors.Is(err, ErrPaneNotFound) {
		t.Fatalf("resolve after remove: err = %v, want ErrPaneNotFound", err)
	}
	if err := r.Remove(paneID); !errors.Is(err, ErrPaneNotFound) {
		t.Fatalf("second remove: err = %v, want ErrPaneNotFound", err)
	}
}

func TestResolveUnknownPane(t *testing.T) {
	r := newRegistry(t)
	if _, err := r.Resolve("%99"); !errors.Is(err, ErrPaneNotFound) {
		t.Fatalf("err = %v, want ErrPaneNotFound", err)
	}
}

func TestPrune(t *testing.T) {
	r := newRegistry(t)
	p1, _ := r.Allocate("sess-live")
	p2, _ := r.Allocate("sess-dead")

	if err := r.Prune(map[string]bool{"sess-live": true}); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if _, err := r.Resolve(p1); err != nil {
		t.Fatalf("live pane pruned: %v", err)
	}
	if _, err := r.Resolve(p2); !errors.Is(err, ErrPaneNotFound) {
		t.Fatalf("dead pane survived prune: %v", err)
	}
}

func TestConcurrentAllocationsAreUnique(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctx.json")
	const n = 16

	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := Open(path)
			if err != nil {
				errs[i] = err
				return
			}
			ids[i], errs[i] = r.Allocate(fmt.Sprintf("sess-%d", i))
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("allocate %d: %v", i, errs[i])
		}
		if seen[ids[i]] {
			t.Fatalf("duplicate pane ID %s", ids[i])
		}
		seen[ids[i]] = true
	}
}
