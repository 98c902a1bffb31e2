// Package client is the shim-side connection to the daemon socket. One
// Client is one connection; each CLI invocation dials fresh, issues its
// requests, and closes.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/kild-dev/kild/internal/config"
	"github.com/kild-dev/kild/internal/model"
	"github.com/kild-dev/kild/internal/protocol"
)

// ErrDaemonUnreachable marks infrastructure failures (socket missing,
// connection refused, timeout) as opposed to session-state errors, so
// callers can tell "daemon down" apart from "target doesn't exist".
var ErrDaemonUnreachable = errors.New("daemon unreachable")

type Client struct {
	conn           net.Conn
	reader         *protocol.LineReader
	writer         *protocol.LineWriter
	requestTimeout time.Duration
}

// Dial connects to the daemon's unix socket. Any dial failure is reported
// as ErrDaemonUnreachable.
func Dial(cfg config.Config) (*Client, error) {
	d := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := d.Dial("unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDaemonUnreachable, cfg.SocketPath, err)
	}
	return &Client{
		conn:           conn,
		reader:         protocol.NewLineReader(conn, cfg.MaxLineBytes),
		writer:         protocol.NewLineWriter(conn),
		requestTimeout: cfg.RequestTimeout,
	}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// do issues one request and reads its terminal response. A failure response
// surfaces as *protocol.WireError; transport failures after a successful
// dial are still daemon-unreachable (the daemon hung up mid-request).
func (c *Client) do(ctx context.Context, req protocol.Request) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(c.requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: set deadline: %v", ErrDaemonUnreachable, err)
	}
	if err := c.writer.Write(req); err != nil {
		return nil, fmt.Errorf("%w: write request: %v", ErrDaemonUnreachable, err)
	}
	for {
		line, err := c.reader.Next()
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("%w: connection closed", ErrDaemonUnreachable)
			}
			return nil, fmt.Errorf("%w: read response: %v", ErrDaemonUnreachable, err)
		}
		// Event lines from an earlier Subscribe may interleave with the
		// response; skip anything that is not a response envelope.
		var peek struct {
			Event string `json:"event"`
		}
		if json.Unmarshal(line, &peek) == nil && peek.Event != "" {
			continue
		}
		var resp protocol.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, fmt.Errorf("%w: malformed response: %v", ErrDaemonUnreachable, err)
		}
		if !resp.Success {
			if resp.Error == nil {
				return nil, &protocol.WireError{Kind: model.ErrKindInternal, Message: "failure response without error"}
			}
			return nil, resp.Error
		}
		return resp.Data, nil
	}
}

func (c *Client) CreateSession(ctx context.Context, command []string, cwd string, rows, cols int, env map[string]string) (protocol.CreateSessionData, error) {
	raw, err := c.do(ctx, protocol.Request{
		Type:    protocol.TypeCreateSession,
		Command: command,
		Cwd:     cwd,
		Rows:    rows,
		Cols:    cols,
		Env:     env,
	})
	if err != nil {
		return protocol.CreateSessionData{}, err
	}
	var data protocol.CreateSessionData
	if err := json.Unmarshal(raw, &data); err != nil {
		return protocol.CreateSessionData{}, fmt.Errorf("decode create response: %w", err)
	}
	return data, nil
}

func (c *Client) WriteStdin(ctx context.Context, sessionID string, data []byte) error {
	_, err := c.do(ctx, protocol.Request{
		Type:      protocol.TypeWriteStdin,
		SessionID: sessionID,
		DataB64:   protocol.EncodeB64(data),
	})
	return err
}

func (c *Client) Resize(ctx context.Context, sessionID string, rows, cols int) error {
	_, err := c.do(ctx, protocol.Request{
		Type:      protocol.TypeResize,
		SessionID: sessionID,
		Rows:      rows,
		Cols:      cols,
	})
	return err
}

func (c *Client) ReadScrollback(ctx context.Context, sessionID string, lines int) ([]string, error) {
	raw, err := c.do(ctx, protocol.Request{
		Type:      protocol.TypeReadScrollback,
		SessionID: sessionID,
		Lines:     lines,
	})
	if err != nil {
		return nil, err
	}
	var data protocol.ScrollbackData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode scrollback response: %w", err)
	}
	return data.Lines, nil
}

func (c *Client) DestroySession(ctx context.Context, sessionID string) error {
	_, err := c.do(ctx, protocol.Request{
		Type:      protocol.TypeDestroySession,
		SessionID: sessionID,
	})
	return err
}

func (c *Client) ListSessions(ctx context.Context) ([]protocol.SessionInfo, error) {
	raw, err := c.do(ctx, protocol.Request{Type: protocol.TypeListSessions})
	if err != nil {
		return nil, err
	}
	var data protocol.SessionsData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode sessions response: %w", err)
	}
	return data.Sessions, nil
}

func (c *Client) ListEvents(ctx context.Context, sessionID string, limit int) ([]protocol.EventInfo, error) {
	raw, err := c.do(ctx, protocol.Request{
		Type:      protocol.TypeListEvents,
		SessionID: sessionID,
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}
	var data protocol.EventsData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode events response: %w", err)
	}
	return data.Events, nil
}

// ErrKind extracts the wire error kind from an error returned by this
// package, or "" if the error carries none.
func ErrKind(err error) string {
	var wireErr *protocol.WireError
	if errors.As(err, &wireErr) {
		return wireErr.Kind
	}
	return ""
}

func IsSessionNotFound(err error) bool {
	return ErrKind(err) == model.ErrKindSessionNotFound
}
