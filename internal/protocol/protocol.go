// Package protocol defines the line-delimited JSON protocol spoken over the
// daemon's unix socket: one JSON object per line, UTF-8, with binary
// payloads carried as base64 so partial escape sequences survive transport.
package protocol

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const DefaultMaxLineBytes = 2 << 20

var (
	ErrMalformed   = errors.New("protocol: malformed message")
	ErrUnknownType = errors.New("protocol: unknown request type")
	ErrLineTooLong = errors.New("protocol: line exceeds maximum size")
)

// Request types.
const (
	TypeCreateSession  = "CreateSession"
	TypeWriteStdin     = "WriteStdin"
	TypeResize         = "Resize"
	TypeReadScrollback = "ReadScrollback"
	TypeDestroySession = "DestroySession"
	TypeListSessions   = "ListSessions"
	TypeSubscribe      = "Subscribe"
	TypeListEvents     = "ListEvents"
)

// Request is the client-to-daemon envelope. Fields beyond Type are
// populated per request type.
type Request struct {
	Type      string            `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
	Command   []string          `json:"command,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Rows      int               `json:"rows,omitempty"`
	Cols      int               `json:"cols,omitempty"`
	DataB64   string            `json:"data_b64,omitempty"`
	Lines     int               `json:"lines,omitempty"`
	Limit     int               `json:"limit,omitempty"`
}

// Validate checks the envelope's structural requirements for its type.
func (r Request) Validate() error {
	switch r.Type {
	case TypeCreateSession:
		if len(r.Command) == 0 {
			return fmt.Errorf("%w: command is required", ErrMalformed)
		}
	case TypeWriteStdin:
		if r.SessionID == "" {
			return fmt.Errorf("%w: session_id is required", ErrMalformed)
		}
		if r.DataB64 == "" {
			return fmt.Errorf("%w: data_b64 is required", ErrMalformed)
		}
	case TypeResize:
		if r.SessionID == "" {
			return fmt.Errorf("%w: session_id is required", ErrMalformed)
		}
		if r.Rows <= 0 || r.Cols <= 0 {
			return fmt.Errorf("%w: rows and cols must be positive", ErrMalformed)
		}
	case TypeReadScrollback, TypeDestroySession, TypeSubscribe, TypeListEvents:
		if r.SessionID == "" {
			return fmt.Errorf("%w: session_id is required", ErrMalformed)
		}
	case TypeListSessions:
	case "":
		return fmt.Errorf("%w: type is required", ErrMalformed)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, r.Type)
	}
	return nil
}

// WireError is the error object carried in failure responses.
type WireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Response is the daemon-to-client terminal reply. Every request produces
// exactly one Response; Subscribe additionally streams Event lines after it.
type Response struct {
	Success bool            `json:"success"`
	Error   *WireError      `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func OK(data any) Response {
	if data == nil {
		return Response{Success: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Fail("internal_error", fmt.Sprintf("encode response data: %v", err))
	}
	return Response{Success: true, Data: raw}
}

func Fail(kind, message string) Response {
	return Response{Success: false, Error: &WireError{Kind: kind, Message: message}}
}

// Event is a server-pushed line delivered to subscribed connections,
// distinguishable from a Response by its "event" field.
type Event struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id"`
	DataB64   string `json:"data_b64,omitempty"`
	ExitCode  int    `json:"exit_code,omitempty"`
}

const (
	EventOutput = "output"
	EventExit   = "exit"
)

// SessionInfo is the wire form of a session summary.
type SessionInfo struct {
	SessionID  string    `json:"session_id"`
	Command    []string  `json:"command"`
	Cwd        string    `json:"cwd"`
	State      string    `json:"state"`
	Rows       int       `json:"rows"`
	Cols       int       `json:"cols"`
	PID        int       `json:"pid"`
	ExitCode   int       `json:"exit_code"`
	FailReason string    `json:"fail_reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExitedAt   *string   `json:"exited_at,omitempty"`
}

type CreateSessionData struct {
	SessionID string `json:"session_id"`
	PID       int    `json:"pid"`
}

type ScrollbackData struct {
	Lines []string `json:"lines"`
}

type SessionsData struct {
	Sessions []SessionInfo `json:"sessions"`
}

type EventInfo struct {
	EventID    string    `json:"event_id"`
	SessionID  string    `json:"session_id"`
	Type       string    `json:"type"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type EventsData struct {
	Events []EventInfo `json:"events"`
}

// EncodeB64 and DecodeB64 are the transport encoding for byte payloads.
func EncodeB64(p []byte) string {
	return base64.StdEncoding.EncodeToString(p)
}

func DecodeB64(s string) ([]byte, error) {
	p, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrMalformed, err)
	}
	return p, nil
}

// LineReader yields one JSON line at a time with a bounded line size.
type LineReader struct {
	scanner *bufio.Scanner
}

func NewLineReader(r io.Reader, maxLineBytes int) *LineReader {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &LineReader{scanner: sc}
}

// Next returns the next non-empty line, or io.EOF when the stream ends.
func (lr *LineReader) Next() ([]byte, error) {
	for lr.scanner.Scan() {
		line := lr.scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		return line, nil
	}
	if err := lr.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, ErrLineTooLong
		}
		return nil, err
	}
	return nil, io.EOF
}

// LineWriter serializes values as single JSON lines. Safe for concurrent
// use: response writes and subscription events share one connection.
type LineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewLineWriter(w io.Writer) *LineWriter {
	return &LineWriter{enc: json.NewEncoder(w)}
}

func (lw *LineWriter) Write(v any) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.enc.Encode(v)
}

// DecodeRequest parses and validates one request line.
func DecodeRequest(line []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}
