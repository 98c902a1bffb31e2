// Package daemon serves the PTY session registry over a unix-domain socket.
// The wire protocol is line-delimited JSON: each client connection sends one
// request per line and receives exactly one terminal response per request;
// subscribed connections additionally receive event lines as output arrives.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/kild-dev/kild/internal/config"
	"github.com/kild-dev/kild/internal/db"
	"github.com/kild-dev/kild/internal/model"
	"github.com/kild-dev/kild/internal/protocol"
	"github.com/kild-dev/kild/internal/pty"
	"github.com/kild-dev/kild/internal/registry"
)

type Server struct {
	cfg      config.Config
	reg      *registry.Registry
	store    *db.Store
	listener net.Listener
	lockFile *os.File

	mu          sync.Mutex
	conns       map[net.Conn]struct{}
	shutdown    sync.Once
	shutdownErr error
}

// NewServer builds a server around an existing registry. store may be nil;
// ListEvents then reports an internal error instead of history.
func NewServer(cfg config.Config, reg *registry.Registry, store *db.Store) *Server {
	return &Server{
		cfg:   cfg,
		reg:   reg,
		store: store,
		conns: make(map[net.Conn]struct{}),
	}
}

// Start listens on the configured socket and serves until ctx is done. It
// holds a flock next to the socket so a second daemon refuses to start, and
// removes a stale socket left by a crashed predecessor.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := s.acquireLock(); err != nil {
		return err
	}
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("socket path exists and is not unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			s.releaseLock() //nolint:errcheck
			return fmt.Errorf("remove stale socket: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("stat socket path: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen uds: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()      //nolint:errcheck
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept uds: %w", err)
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(ctx, conn)
	}
}

// Shutdown closes the listener and every live connection, terminates all
// sessions, removes the socket, and releases the lock.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		conns := make([]net.Conn, 0, len(s.conns))
		for c := range s.conns {
			conns = append(conns, c)
		}
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		for _, c := range conns {
			_ = c.Close()
		}
		s.reg.DestroyAll(ctx)
		if s.cfg.SocketPath != "" {
			if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.shutdownErr = fmt.Errorf("shutdown errors: %v", errs)
		}
	})
	return s.shutdownErr
}

// handleConn runs one connection's request loop. Malformed requests produce
// an error response and the loop continues; only a transport error or client
// disconnect ends the connection.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close() //nolint:errcheck
	}()

	reader := protocol.NewLineReader(conn, s.cfg.MaxLineBytes)
	writer := protocol.NewLineWriter(conn)
	// Per-connection subscription cancels, released on disconnect.
	var cancelsMu sync.Mutex
	cancels := make(map[string]func())
	defer func() {
		cancelsMu.Lock()
		defer cancelsMu.Unlock()
		for _, cancel := range cancels {
			cancel()
		}
	}()

	for {
		line, err := reader.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrLineTooLong) {
				_ = writer.Write(protocol.Fail(model.ErrKindProtocol, err.Error()))
			}
			return
		}
		req, err := protocol.DecodeRequest(line)
		if err != nil {
			if writeErr := writer.Write(protocol.Fail(model.ErrKindProtocol, err.Error())); writeErr != nil {
				return
			}
			continue
		}

		resp := s.dispatch(ctx, req, writer, &cancelsMu, cancels)
		if err := writer.Write(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req protocol.Request, writer *protocol.LineWriter, cancelsMu *sync.Mutex, cancels map[string]func()) protocol.Response {
	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	switch req.Type {
	case protocol.TypeCreateSession:
		var env []string
		if req.Env != nil {
			env = make([]string, 0, len(req.Env))
			for k, v := range req.Env {
				env = append(env, k+"="+v)
			}
		}
		summary, err := s.reg.Create(reqCtx, req.Command, req.Cwd, req.Rows, req.Cols, env)
		if err != nil {
			return failFrom(err)
		}
		return protocol.OK(protocol.CreateSessionData{SessionID: summary.SessionID, PID: summary.PID})

	case protocol.TypeWriteStdin:
		data, err := protocol.DecodeB64(req.DataB64)
		if err != nil {
			return protocol.Fail(model.ErrKindProtocol, err.Error())
		}
		if err := s.reg.WriteStdin(reqCtx, req.SessionID, data); err != nil {
			return failFrom(err)
		}
		return protocol.OK(nil)

	case protocol.TypeResize:
		if err := s.reg.Resize(reqCtx, req.SessionID, req.Rows, req.Cols); err != nil {
			return failFrom(err)
		}
		return protocol.OK(nil)

	case protocol.TypeReadScrollback:
		lines := req.Lines
		if lines <= 0 {
			lines = s.cfg.ScrollbackLines
		}
		tail, err := s.reg.ReadScrollback(reqCtx, req.SessionID, lines)
		if err != nil {
			return failFrom(err)
		}
		return protocol.OK(protocol.ScrollbackData{Lines: tail})

	case protocol.TypeDestroySession:
		if err := s.reg.Destroy(reqCtx, req.SessionID); err != nil {
			return failFrom(err)
		}
		return protocol.OK(nil)

	case protocol.TypeListSessions:
		summaries := s.reg.List()
		infos := make([]protocol.SessionInfo, 0, len(summaries))
		for _, sm := range summaries {
			infos = append(infos, toSessionInfo(sm))
		}
		return protocol.OK(protocol.SessionsData{Sessions: infos})

	case protocol.TypeSubscribe:
		ch, cancelSub, err := s.reg.Subscribe(req.SessionID)
		if err != nil {
			return failFrom(err)
		}
		cancelsMu.Lock()
		if prior, ok := cancels[req.SessionID]; ok {
			prior()
		}
		cancels[req.SessionID] = cancelSub
		cancelsMu.Unlock()
		go s.streamEvents(req.SessionID, ch, writer)
		return protocol.OK(nil)

	case protocol.TypeListEvents:
		if s.store == nil {
			return protocol.Fail(model.ErrKindInternal, "event store not configured")
		}
		events, err := s.store.ListEvents(reqCtx, req.SessionID, req.Limit)
		if err != nil {
			return protocol.Fail(model.ErrKindInternal, err.Error())
		}
		infos := make([]protocol.EventInfo, 0, len(events))
		for _, ev := range events {
			infos = append(infos, protocol.EventInfo{
				EventID:    ev.EventID,
				SessionID:  ev.SessionID,
				Type:       string(ev.Type),
				Detail:     ev.Detail,
				OccurredAt: ev.OccurredAt,
			})
		}
		return protocol.OK(protocol.EventsData{Events: infos})
	}
	return protocol.Fail(model.ErrKindProtocol, fmt.Sprintf("unknown request type %q", req.Type))
}

// streamEvents forwards a subscription channel onto the connection. The
// writer is shared with the request loop; its internal lock keeps event
// lines and response lines whole.
func (s *Server) streamEvents(sessionID string, ch <-chan registry.Output, writer *protocol.LineWriter) {
	for out := range ch {
		var ev protocol.Event
		if out.Exited {
			ev = protocol.Event{Event: protocol.EventExit, SessionID: sessionID, ExitCode: out.ExitCode}
		} else {
			ev = protocol.Event{Event: protocol.EventOutput, SessionID: sessionID, DataB64: protocol.EncodeB64(out.Data)}
		}
		if err := writer.Write(ev); err != nil {
			return
		}
	}
}

func toSessionInfo(sm model.SessionSummary) protocol.SessionInfo {
	info := protocol.SessionInfo{
		SessionID:  sm.SessionID,
		Command:    sm.Command,
		Cwd:        sm.WorkingDir,
		State:      string(sm.State),
		Rows:       sm.Rows,
		Cols:       sm.Cols,
		PID:        sm.PID,
		ExitCode:   sm.ExitCode,
		FailReason: sm.FailReason,
		CreatedAt:  sm.CreatedAt,
	}
	if sm.ExitedAt != nil {
		v := sm.ExitedAt.UTC().Format(time.RFC3339Nano)
		info.ExitedAt = &v
	}
	return info
}

// failFrom maps registry and pty errors onto wire error kinds. Session-state
// errors surface verbatim; everything else is an I/O-level failure.
func failFrom(err error) protocol.Response {
	switch {
	case errors.Is(err, registry.ErrSessionNotFound):
		return protocol.Fail(model.ErrKindSessionNotFound, err.Error())
	case errors.Is(err, registry.ErrSessionClosed):
		return protocol.Fail(model.ErrKindSessionClosed, err.Error())
	case errors.Is(err, registry.ErrSpawnTimeout):
		return protocol.Fail(model.ErrKindSpawnTimeout, err.Error())
	case errors.Is(err, pty.ErrInvalidWorkingDir):
		return protocol.Fail(model.ErrKindInvalidWorkingDir, err.Error())
	case errors.Is(err, pty.ErrEmptyCommand):
		return protocol.Fail(model.ErrKindProtocol, err.Error())
	case errors.Is(err, registry.ErrSpawnFailed):
		return protocol.Fail(model.ErrKindSpawnFailed, err.Error())
	default:
		return protocol.Fail(model.ErrKindIO, err.Error())
	}
}

func (s *Server) acquireLock() error {
	lockPath := s.cfg.SocketPath + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("daemon already running")
	}
	s.lockFile = f
	return nil
}

func (s *Server) releaseLock() error {
	if s.lockFile == nil {
		return nil
	}
	err := syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_UN)
	closeErr := s.lockFile.Close()
	s.lockFile = nil
	if err != nil {
		return fmt.Errorf("unlock: %w", err)
	}
	return closeErr
}
