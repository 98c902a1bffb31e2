// Package registry is the single authority mapping session IDs to live PTY
// handles and scrollback buffers. All registry mutations go through one
// exclusive lock on the map; per-session I/O is serialized by a per-session
// lock so a slow operation on one session never blocks another.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kild-dev/kild/internal/config"
	"github.com/kild-dev/kild/internal/model"
	"github.com/kild-dev/kild/internal/pty"
	"github.com/kild-dev/kild/internal/scrollback"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
	ErrSpawnFailed     = errors.New("spawn failed")
	ErrSpawnTimeout    = errors.New("spawn timeout")
)

// Output is one unit delivered to a live subscriber: either a chunk of PTY
// output or the final exit notification.
type Output struct {
	Data     []byte
	Exited   bool
	ExitCode int
}

// Recorder persists the session audit trail. The registry never fails an
// operation because recording failed; record errors are reported through
// the registry's log hook instead.
type Recorder interface {
	UpsertSession(ctx context.Context, s model.SessionSummary) error
	RecordEvent(ctx context.Context, ev model.SessionEvent) error
}

type session struct {
	mu         sync.Mutex
	id         string
	command    []string
	workingDir string
	rows, cols int
	state      model.SessionState
	pid        int
	exitCode   int
	failReason string
	createdAt  time.Time
	exitedAt   *time.Time
	handle     *pty.Handle
	buf        *scrollback.Buffer
	subs       map[int]chan Output
	nextSub    int
}

func (s *session) summaryLocked() model.SessionSummary {
	return model.SessionSummary{
		SessionID:  s.id,
		Command:    append([]string(nil), s.command...),
		WorkingDir: s.workingDir,
		State:      s.state,
		Rows:       s.rows,
		Cols:       s.cols,
		PID:        s.pid,
		ExitCode:   s.exitCode,
		FailReason: s.failReason,
		CreatedAt:  s.createdAt,
		ExitedAt:   s.exitedAt,
	}
}

type Registry struct {
	cfg      config.Config
	recorder Recorder
	logErr   func(scope string, err error)

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a registry. recorder may be nil (no audit persistence); logErr
// may be nil (errors from background work are dropped silently, which is
// only acceptable in tests).
func New(cfg config.Config, recorder Recorder, logErr func(scope string, err error)) *Registry {
	if logErr == nil {
		logErr = func(string, error) {}
	}
	return &Registry{
		cfg:      cfg,
		recorder: recorder,
		logErr:   logErr,
		sessions: make(map[string]*session),
	}
}

type spawnResult struct {
	handle *pty.Handle
	err    error
}

// Create spawns a new PTY session and registers it. All-or-nothing: a spawn
// failure registers no session. The session ID is a UUID, so IDs are never
// reused within (or across) daemon lifetimes.
func (r *Registry) Create(ctx context.Context, command []string, workingDir string, rows, cols int, env []string) (model.SessionSummary, error) {
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}

	resCh := make(chan spawnResult, 1)
	go func() {
		h, err := pty.Spawn(command, workingDir, rows, cols, env)
		resCh <- spawnResult{handle: h, err: err}
	}()

	var res spawnResult
	select {
	case res = <-resCh:
	case <-time.After(r.cfg.SpawnTimeout):
		// The spawn goroutine still owns the handle; reap it if it ever
		// materializes so the child does not linger.
		go func() {
			if late := <-resCh; late.handle != nil {
				_ = late.handle.Terminate()
				_ = late.handle.Close()
				late.handle.Wait()
			}
		}()
		return model.SessionSummary{}, ErrSpawnTimeout
	case <-ctx.Done():
		go func() {
			if late := <-resCh; late.handle != nil {
				_ = late.handle.Terminate()
				_ = late.handle.Close()
				late.handle.Wait()
			}
		}()
		return model.SessionSummary{}, ctx.Err()
	}
	if res.err != nil {
		return model.SessionSummary{}, fmt.Errorf("%w: %w", ErrSpawnFailed, res.err)
	}

	now := time.Now().UTC()
	s := &session{
		id:         uuid.NewString(),
		command:    append([]string(nil), command...),
		workingDir: workingDir,
		rows:       rows,
		cols:       cols,
		state:      model.StateRunning,
		pid:        res.handle.PID(),
		createdAt:  now,
		handle:     res.handle,
		buf:        scrollback.New(r.cfg.ScrollbackLines),
		subs:       make(map[int]chan Output),
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()

	summary := s.summaryLocked()
	r.record(summary, model.EventCreated, fmt.Sprintf("pid=%d", s.pid))
	r.record(summary, model.EventRunning, "")

	go r.pump(s)
	return summary, nil
}

// pump continuously drains the PTY master into the scrollback buffer and
// fans chunks out to subscribers. It owns the session's exit transition:
// when the read side ends it reaps the child and marks the session exited.
// Draining unconditionally keeps the child from stalling on a full PTY
// buffer even when no one is watching.
func (r *Registry) pump(s *session) {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.handle.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.buf.Append(chunk)
			s.fanOut(Output{Data: chunk})
		}
		if err != nil {
			break
		}
	}

	code := s.handle.Wait()
	_ = s.handle.Close()

	now := time.Now().UTC()
	s.mu.Lock()
	if !s.state.Terminal() {
		if code < 0 {
			s.state = model.StateFailed
			s.failReason = "child could not be reaped"
		} else {
			s.state = model.StateExited
		}
		s.exitCode = code
		s.exitedAt = &now
	}
	failed := s.state == model.StateFailed
	summary := s.summaryLocked()
	s.mu.Unlock()

	s.fanOut(Output{Exited: true, ExitCode: code})
	s.closeSubs()
	if failed {
		r.record(summary, model.EventFailed, summary.FailReason)
	} else {
		r.record(summary, model.EventExited, fmt.Sprintf("code=%d", code))
	}
}

func (s *session) fanOut(out Output) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- out:
		default:
			// Slow subscriber: drop rather than stall the pump. Scrollback
			// remains the lossless record.
		}
	}
}

func (s *session) closeSubs() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

func (r *Registry) get(id string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// WriteStdin writes raw bytes to the session's PTY, serialized per session
// so discrete writes never interleave destructively with a resize.
func (r *Registry) WriteStdin(ctx context.Context, id string, data []byte) error {
	s, err := r.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	writeErr := s.handle.WriteStdin(data, r.cfg.WriteTimeout)
	summary := s.summaryLocked()
	s.mu.Unlock()
	if writeErr != nil {
		return fmt.Errorf("%w: %v", ErrSessionClosed, writeErr)
	}
	r.record(summary, model.EventStdin, fmt.Sprintf("bytes=%d", len(data)))
	return nil
}

// Resize propagates new terminal dimensions to the child.
func (r *Registry) Resize(ctx context.Context, id string, rows, cols int) error {
	s, err := r.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	resizeErr := s.handle.Resize(rows, cols)
	if resizeErr == nil {
		s.rows, s.cols = rows, cols
	}
	summary := s.summaryLocked()
	s.mu.Unlock()
	if resizeErr != nil {
		return fmt.Errorf("%w: %v", ErrSessionClosed, resizeErr)
	}
	r.record(summary, model.EventResized, fmt.Sprintf("%dx%d", cols, rows))
	return nil
}

// ReadScrollback returns the session's last n lines, oldest first.
func (r *Registry) ReadScrollback(ctx context.Context, id string, n int) ([]string, error) {
	s, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return s.buf.Tail(n), nil
}

// Subscribe attaches a live output reader to the session. The returned
// channel receives output chunks as they arrive and a final Exited entry,
// then closes. cancel detaches without affecting the session.
func (r *Registry) Subscribe(id string) (<-chan Output, func(), error) {
	s, err := r.get(id)
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Output, 64)
	if s.state.Terminal() {
		ch <- Output{Exited: true, ExitCode: s.exitCode}
		close(ch)
		return ch, func() {}, nil
	}
	subID := s.nextSub
	s.nextSub++
	s.subs[subID] = ch
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if existing, ok := s.subs[subID]; ok {
			delete(s.subs, subID)
			close(existing)
		}
	}
	return ch, cancel, nil
}

// Destroy removes the session and releases its OS resources. Idempotent by
// policy: destroying an unknown or already-destroyed session succeeds,
// since the caller's intent is already satisfied. It signals the child and
// returns; actual exit is reaped by the pump.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	terminal := s.state.Terminal()
	summary := s.summaryLocked()
	s.mu.Unlock()

	if !terminal {
		_ = s.handle.Terminate()
		_ = s.handle.Close()
	}
	r.record(summary, model.EventDestroyed, "")
	return nil
}

// List returns summaries for every registered session in creation order,
// including recently exited ones not yet swept.
func (r *Registry) List() []model.SessionSummary {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]model.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, s.summaryLocked())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Sweep removes sessions that have been terminal longer than ttl. Returns
// how many were removed. OS process liveness is authoritative: a session
// only becomes terminal once its pump observed the child exit.
func (r *Registry) Sweep(ttl time.Duration) int {
	now := time.Now()
	r.mu.Lock()
	var dead []*session
	for id, s := range r.sessions {
		s.mu.Lock()
		expired := s.state.Terminal() && s.exitedAt != nil && now.Sub(*s.exitedAt) > ttl
		s.mu.Unlock()
		if expired {
			delete(r.sessions, id)
			dead = append(dead, s)
		}
	}
	r.mu.Unlock()

	for _, s := range dead {
		s.mu.Lock()
		summary := s.summaryLocked()
		s.mu.Unlock()
		r.record(summary, model.EventSwept, "")
	}
	return len(dead)
}

// RunSweeper periodically sweeps dead sessions until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(r.cfg.DeadSessionTTL)
		}
	}
}

// DestroyAll terminates every session. Used during daemon shutdown.
func (r *Registry) DestroyAll(ctx context.Context) {
	for _, s := range r.List() {
		_ = r.Destroy(ctx, s.SessionID)
	}
}

func (r *Registry) record(summary model.SessionSummary, eventType model.EventType, detail string) {
	if r.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.recorder.UpsertSession(ctx, summary); err != nil {
		r.logErr("record session", err)
	}
	ev := model.SessionEvent{
		EventID:    uuid.NewString(),
		SessionID:  summary.SessionID,
		Type:       eventType,
		Detail:     detail,
		OccurredAt: time.Now().UTC(),
	}
	if err := r.recorder.RecordEvent(ctx, ev); err != nil {
		r.logErr("record event", err)
	}
}
