package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/kild-dev/kild/internal/model"
)

func newStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "kild-test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

func sampleSession(id string) model.SessionSummary {
	return model.SessionSummary{
		SessionID:  id,
		Command:    []string{"bash", "-l"},
		WorkingDir: "/tmp",
		State:      model.StateRunning,
		Rows:       24,
		Cols:       80,
		PID:        4242,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestUpsertAndGetSession(t *testing.T) {
	store, ctx := newStore(t)
	sess := sampleSession("s-1")
	if err := store.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != model.StateRunning || got.PID != 4242 || got.WorkingDir != "/tmp" {
		t.Fatalf("unexpected session: %+v", got)
	}

	// Transition to exited and verify the update path.
	now := time.Now().UTC()
	sess.State = model.StateExited
	sess.ExitCode = 7
	sess.ExitedAt = &now
	if err := store.UpsertSession(ctx, sess); err != nil {
		t.Fatalf("upsert exited: %v", err)
	}
	got, err = store.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("get after exit: %v", err)
	}
	if got.State != model.StateExited || got.ExitCode != 7 || got.ExitedAt == nil {
		t.Fatalf("exit not persisted: %+v", got)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	store, ctx := newStore(t)
	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRecordAndListEvents(t *testing.T) {
	store, ctx := newStore(t)
	if err := store.UpsertSession(ctx, sampleSession("s-1")); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	base := time.Now().UTC().Add(-time.Minute)
	for i, et := range []model.EventType{model.EventCreated, model.EventRunning, model.EventStdin, model.EventExited} {
		ev := model.SessionEvent{
			EventID:    "ev-" + string(rune('a'+i)),
			SessionID:  "s-1",
			Type:       et,
			OccurredAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.RecordEvent(ctx, ev); err != nil {
			t.Fatalf("record %s: %v", et, err)
		}
	}

	events, err := store.ListEvents(ctx, "s-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	if events[0].Type != model.EventCreated || events[3].Type != model.EventExited {
		t.Fatalf("events out of order: %+v", events)
	}

	limited, err := store.ListEvents(ctx, "s-1", 2)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 events, got %d", len(limited))
	}
}

func TestListEventsUnknownSessionIsEmpty(t *testing.T) {
	store, ctx := newStore(t)
	events, err := store.ListEvents(ctx, "never-existed", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestPruneEventsOnlyTouchesDeadSessions(t *testing.T) {
	store, ctx := newStore(t)

	live := sampleSession("live")
	if err := store.UpsertSession(ctx, live); err != nil {
		t.Fatalf("upsert live: %v", err)
	}
	now := time.Now().UTC()
	dead := sampleSession("dead")
	dead.State = model.StateExited
	dead.ExitedAt = &now
	if err := store.UpsertSession(ctx, dead); err != nil {
		t.Fatalf("upsert dead: %v", err)
	}

	old := now.Add(-2 * time.Hour)
	for _, id := range []string{"live", "dead"} {
		ev := model.SessionEvent{EventID: "old-" + id, SessionID: id, Type: model.EventCreated, OccurredAt: old}
		if err := store.RecordEvent(ctx, ev); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	n, err := store.PruneEvents(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}
	liveEvents, err := store.ListEvents(ctx, "live", 0)
	if err != nil {
		t.Fatalf("list live: %v", err)
	}
	if len(liveEvents) != 1 {
		t.Fatalf("live session's events were pruned")
	}
}
