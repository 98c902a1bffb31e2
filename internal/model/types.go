package model

import "time"

// SessionState is the lifecycle state of one daemon-managed PTY session.
type SessionState string

const (
	StateStarting SessionState = "starting"
	StateRunning  SessionState = "running"
	StateExited   SessionState = "exited"
	StateFailed   SessionState = "failed"
)

// Terminal reports whether the state is final. A terminal session accepts
// no further stdin writes or resizes; scrollback stays readable until the
// session is destroyed or swept.
func (s SessionState) Terminal() bool {
	return s == StateExited || s == StateFailed
}

// SessionSummary is the listable view of a session. ExitCode is meaningful
// only when State is exited; FailReason only when State is failed.
type SessionSummary struct {
	SessionID  string
	Command    []string
	WorkingDir string
	State      SessionState
	Rows       int
	Cols       int
	PID        int
	ExitCode   int
	FailReason string
	CreatedAt  time.Time
	ExitedAt   *time.Time
}

// EventType classifies rows in the session audit trail.
type EventType string

const (
	EventCreated   EventType = "created"
	EventRunning   EventType = "running"
	EventStdin     EventType = "stdin"
	EventResized   EventType = "resized"
	EventExited    EventType = "exited"
	EventFailed    EventType = "failed"
	EventDestroyed EventType = "destroyed"
	EventSwept     EventType = "swept"
)

// SessionEvent is one audit-trail entry, persisted by the daemon so a
// session's history survives the session (and the daemon) itself.
type SessionEvent struct {
	EventID    string
	SessionID  string
	Type       EventType
	Detail     string
	OccurredAt time.Time
}

// Wire error kinds shared by the IPC protocol and the shim.
const (
	ErrKindSessionNotFound   = "session_not_found"
	ErrKindSessionClosed     = "session_closed"
	ErrKindSpawnFailed       = "spawn_failed"
	ErrKindSpawnTimeout      = "spawn_timeout"
	ErrKindInvalidWorkingDir = "invalid_working_directory"
	ErrKindProtocol          = "protocol_error"
	ErrKindIO                = "io_error"
	ErrKindInternal          = "internal_error"
)
