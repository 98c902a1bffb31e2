// Package shim translates a subset of tmux's CLI onto daemon IPC calls, so
// orchestration scripts written against tmux drive daemon-managed PTYs
// unchanged when no real tmux is present. Each invocation is a fresh
// process; continuity lives in the pane-registry file.
package shim

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/kild-dev/kild/internal/client"
	"github.com/kild-dev/kild/internal/config"
	"github.com/kild-dev/kild/internal/paneregistry"
	"github.com/kild-dev/kild/internal/protocol"
)

const defaultCaptureLines = 200

// DaemonClient is the slice of the daemon client the shim consumes.
type DaemonClient interface {
	CreateSession(ctx context.Context, command []string, cwd string, rows, cols int, env map[string]string) (protocol.CreateSessionData, error)
	WriteStdin(ctx context.Context, sessionID string, data []byte) error
	Resize(ctx context.Context, sessionID string, rows, cols int) error
	ReadScrollback(ctx context.Context, sessionID string, lines int) ([]string, error)
	DestroySession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context) ([]protocol.SessionInfo, error)
	Close() error
}

type Dialer func() (DaemonClient, error)

type Runner struct {
	cfg         config.Config
	dial        Dialer
	contextKey  string
	currentPane string
	out         io.Writer
	errOut      io.Writer
}

// NewRunner wires a runner against the real daemon socket. The orchestration
// context and current pane come from the environment set by whatever spawned
// the top-level session.
func NewRunner(cfg config.Config, out, errOut io.Writer) *Runner {
	return NewRunnerWithDialer(cfg, func() (DaemonClient, error) {
		return client.Dial(cfg)
	}, out, errOut)
}

func NewRunnerWithDialer(cfg config.Config, dial Dialer, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{
		cfg:         cfg,
		dial:        dial,
		contextKey:  os.Getenv(config.EnvTmuxContext),
		currentPane: os.Getenv(config.EnvPane),
		out:         out,
		errOut:      errOut,
	}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		r.printUsage()
		return 2
	}
	switch args[0] {
	case "split-window", "splitw":
		return r.runSplitWindow(ctx, args[1:])
	case "send-keys", "send":
		return r.runSendKeys(ctx, args[1:])
	case "kill-pane", "killp":
		return r.runKillPane(ctx, args[1:])
	case "capture-pane", "capturep":
		return r.runCapturePane(ctx, args[1:])
	case "display-message", "display":
		return r.runDisplayMessage(ctx, args[1:])
	case "list-panes", "lsp":
		return r.runListPanes(ctx, args[1:])
	case "resize-pane", "resizep":
		return r.runResizePane(ctx, args[1:])
	case "select-pane", "selectp", "select-layout", "selectl", "select-window", "selectw",
		"swap-pane", "swapp", "set-option", "set", "set-window-option", "setw",
		"rename-window", "renamew", "refresh-client":
		// Layout-only commands have no daemon-backed effect; scripts still
		// expect the success path.
		return 0
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", args[0])
		return 2
	}
}

func (r *Runner) runSplitWindow(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("split-window", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Bool("h", false, "horizontal split (ignored)")
	fs.Bool("v", false, "vertical split (ignored)")
	fs.Bool("d", false, "do not switch focus (ignored)")
	fs.String("t", "", "target pane (ignored)")
	fs.String("l", "", "size (ignored)")
	fs.String("p", "", "size percentage (ignored)")
	printID := fs.Bool("P", false, "print new pane info")
	format := fs.String("F", "#{pane_id}", "format for -P")
	cwd := fs.String("c", "", "working directory")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}

	command := fs.Args()
	if len(command) == 0 {
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
		command = []string{shell}
	} else if len(command) == 1 && strings.ContainsAny(command[0], " \t|&;<>$") {
		// tmux hands a single shell-command argument to the default shell.
		command = []string{"/bin/sh", "-c", command[0]}
	}
	workingDir := *cwd
	if workingDir == "" {
		if wd, err := os.Getwd(); err == nil {
			workingDir = wd
		}
	}

	c, err := r.dial()
	if err != nil {
		return r.fail(err)
	}
	defer c.Close() //nolint:errcheck

	created, err := c.CreateSession(ctx, command, workingDir, 24, 80, nil)
	if err != nil {
		return r.fail(err)
	}

	panes, err := r.openPanes()
	if err != nil {
		// The session exists but cannot be addressed; undo the spawn rather
		// than leak an unreachable session.
		_ = c.DestroySession(ctx, created.SessionID)
		return r.fail(err)
	}
	paneID, err := panes.Allocate(created.SessionID)
	if err != nil {
		_ = c.DestroySession(ctx, created.SessionID)
		return r.fail(err)
	}

	if *printID {
		vars := map[string]string{
			"pane_id":      paneID,
			"session_name": r.contextKey,
			"pane_pid":     strconv.Itoa(created.PID),
		}
		_, _ = fmt.Fprintln(r.out, expandFormat(*format, vars))
	}
	return 0
}

func (r *Runner) runSendKeys(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("send-keys", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	target := fs.String("t", "", "target pane")
	literal := fs.Bool("l", false, "disable key name lookup")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	tokens := fs.Args()
	if len(tokens) == 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: send-keys [-l] [-t pane] key ...")
		return 2
	}

	// Translate before any I/O: a bad token must abort with nothing sent.
	data, err := translateKeys(tokens, *literal)
	if err != nil {
		return r.fail(err)
	}

	sessionID, code := r.resolveTarget(*target)
	if code != 0 {
		return code
	}
	c, err := r.dial()
	if err != nil {
		return r.fail(err)
	}
	defer c.Close() //nolint:errcheck

	if err := c.WriteStdin(ctx, sessionID, data); err != nil {
		return r.fail(err)
	}
	return 0
}

func (r *Runner) runKillPane(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("kill-pane", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	target := fs.String("t", "", "target pane")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}

	paneID := r.targetPane(*target)
	panes, err := r.openPanes()
	if err != nil {
		return r.fail(err)
	}
	sessionID, err := panes.Resolve(paneID)
	if err != nil {
		return r.fail(err)
	}

	c, err := r.dial()
	if err != nil {
		return r.fail(err)
	}
	defer c.Close() //nolint:errcheck

	// Destroy is idempotent on the daemon side; the local mapping entry is
	// removed only after the daemon confirms.
	if err := c.DestroySession(ctx, sessionID); err != nil {
		return r.fail(err)
	}
	if err := panes.Remove(paneID); err != nil && !errors.Is(err, paneregistry.ErrPaneNotFound) {
		return r.fail(err)
	}
	return 0
}

func (r *Runner) runCapturePane(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("capture-pane", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Bool("p", false, "print to stdout (always on)")
	fs.Bool("J", false, "join wrapped lines (ignored)")
	target := fs.String("t", "", "target pane")
	start := fs.String("S", "", "start line (-N for last N lines, - for all)")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}

	lines := defaultCaptureLines
	switch {
	case *start == "-":
		lines = r.cfg.ScrollbackLines
	case *start != "":
		n, err := strconv.Atoi(*start)
		if err != nil {
			return r.usageErr(fmt.Errorf("invalid -S value %q", *start))
		}
		if n < 0 {
			n = -n
		}
		if n > 0 {
			lines = n
		}
	}

	sessionID, code := r.resolveTarget(*target)
	if code != 0 {
		return code
	}
	c, err := r.dial()
	if err != nil {
		return r.fail(err)
	}
	defer c.Close() //nolint:errcheck

	tail, err := c.ReadScrollback(ctx, sessionID, lines)
	if err != nil {
		return r.fail(err)
	}
	for _, line := range tail {
		_, _ = fmt.Fprintln(r.out, line)
	}
	return 0
}

func (r *Runner) runDisplayMessage(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("display-message", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Bool("p", false, "print to stdout (always on)")
	target := fs.String("t", "", "target pane")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	if fs.NArg() == 0 {
		return 0
	}
	format := fs.Arg(0)

	paneID := r.targetPane(*target)
	vars := map[string]string{
		"pane_id":      paneID,
		"session_name": r.contextKey,
	}

	if formatNeedsDaemon(format) {
		sessionID, code := r.resolveTarget(*target)
		if code != 0 {
			return code
		}
		c, err := r.dial()
		if err != nil {
			return r.fail(err)
		}
		defer c.Close() //nolint:errcheck
		sessions, err := c.ListSessions(ctx)
		if err != nil {
			return r.fail(err)
		}
		for _, info := range sessions {
			if info.SessionID == sessionID {
				fillSessionVars(vars, info)
				break
			}
		}
	}
	_, _ = fmt.Fprintln(r.out, expandFormat(format, vars))
	return 0
}

func (r *Runner) runListPanes(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("list-panes", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Bool("a", false, "all panes (ignored; one context is visible)")
	format := fs.String("F", "#{pane_id}", "format")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}

	panes, err := r.openPanes()
	if err != nil {
		return r.fail(err)
	}
	mapping, err := panes.List()
	if err != nil {
		return r.fail(err)
	}
	if len(mapping) == 0 {
		return 0
	}

	c, err := r.dial()
	if err != nil {
		return r.fail(err)
	}
	defer c.Close() //nolint:errcheck
	sessions, err := c.ListSessions(ctx)
	if err != nil {
		return r.fail(err)
	}
	byID := make(map[string]protocol.SessionInfo, len(sessions))
	for _, info := range sessions {
		byID[info.SessionID] = info
	}

	paneIDs := make([]string, 0, len(mapping))
	for paneID := range mapping {
		paneIDs = append(paneIDs, paneID)
	}
	sort.Slice(paneIDs, func(i, j int) bool {
		return paneIndex(paneIDs[i]) < paneIndex(paneIDs[j])
	})

	for _, paneID := range paneIDs {
		vars := map[string]string{
			"pane_id":      paneID,
			"session_name": r.contextKey,
		}
		if info, ok := byID[mapping[paneID]]; ok {
			fillSessionVars(vars, info)
		}
		_, _ = fmt.Fprintln(r.out, expandFormat(*format, vars))
	}
	return 0
}

func (r *Runner) runResizePane(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("resize-pane", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	target := fs.String("t", "", "target pane")
	cols := fs.Int("x", 0, "width in columns")
	rows := fs.Int("y", 0, "height in rows")
	if err := fs.Parse(args); err != nil {
		return r.usageErr(err)
	}
	if *cols <= 0 || *rows <= 0 {
		// Relative or directional resizes have no daemon-backed meaning.
		return 0
	}

	sessionID, code := r.resolveTarget(*target)
	if code != 0 {
		return code
	}
	c, err := r.dial()
	if err != nil {
		return r.fail(err)
	}
	defer c.Close() //nolint:errcheck
	if err := c.Resize(ctx, sessionID, *rows, *cols); err != nil {
		return r.fail(err)
	}
	return 0
}

// targetPane picks the explicit -t value or falls back to the invoking
// pane from the environment.
func (r *Runner) targetPane(target string) string {
	if target != "" {
		return target
	}
	return r.currentPane
}

func (r *Runner) resolveTarget(target string) (string, int) {
	paneID := r.targetPane(target)
	if paneID == "" {
		_, _ = fmt.Fprintln(r.errOut, "error: no target pane and no current pane in environment")
		return "", 2
	}
	panes, err := r.openPanes()
	if err != nil {
		return "", r.fail(err)
	}
	sessionID, err := panes.Resolve(paneID)
	if err != nil {
		return "", r.fail(err)
	}
	return sessionID, 0
}

func (r *Runner) openPanes() (*paneregistry.Registry, error) {
	return paneregistry.Open(r.cfg.PaneRegistryPath(r.contextKey))
}

func (r *Runner) fail(err error) int {
	if errors.Is(err, client.ErrDaemonUnreachable) {
		_, _ = fmt.Fprintf(r.errOut, "error: %v (is kildd running?)\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) usageErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 2
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: kild-tmux <split-window|send-keys|kill-pane|capture-pane|display-message|list-panes|resize-pane> ...")
}

func fillSessionVars(vars map[string]string, info protocol.SessionInfo) {
	dead := "0"
	if info.State == "exited" || info.State == "failed" {
		dead = "1"
	}
	vars["pane_dead"] = dead
	vars["pane_dead_status"] = strconv.Itoa(info.ExitCode)
	vars["pane_pid"] = strconv.Itoa(info.PID)
	vars["pane_current_path"] = info.Cwd
	if len(info.Command) > 0 {
		vars["pane_current_command"] = info.Command[0]
	}
}

func paneIndex(paneID string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(paneID, "%"))
	if err != nil {
		return 1 << 30
	}
	return n
}
