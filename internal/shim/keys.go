package shim

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownKeyToken rejects unresolvable symbolic key names before any
// bytes reach the PTY, so a typo is never typed verbatim into the session.
var ErrUnknownKeyToken = errors.New("unknown key token")

// namedKeys maps tmux-style symbolic key names to the bytes a terminal
// would transmit. Cursor and navigation keys use the ANSI sequences tmux
// emits in normal (non-application) mode.
var namedKeys = map[string]string{
	"Enter":    "\n",
	"Tab":      "\t",
	"Space":    " ",
	"Escape":   "\x1b",
	"BSpace":   "\x7f",
	"DC":       "\x1b[3~", // delete
	"IC":       "\x1b[2~", // insert
	"Up":       "\x1b[A",
	"Down":     "\x1b[B",
	"Right":    "\x1b[C",
	"Left":     "\x1b[D",
	"Home":     "\x1b[H",
	"End":      "\x1b[F",
	"PPage":    "\x1b[5~",
	"NPage":    "\x1b[6~",
	"PageUp":   "\x1b[5~",
	"PageDown": "\x1b[6~",
	"F1":       "\x1bOP",
	"F2":       "\x1bOQ",
	"F3":       "\x1bOR",
	"F4":       "\x1bOS",
	"F5":       "\x1b[15~",
	"F6":       "\x1b[17~",
	"F7":       "\x1b[18~",
	"F8":       "\x1b[19~",
	"F9":       "\x1b[20~",
	"F10":      "\x1b[21~",
	"F11":      "\x1b[23~",
	"F12":      "\x1b[24~",
}

// resolveKeyToken translates one send-keys token to bytes. Named keys and
// control/meta combinations resolve through the table; anything else is
// literal UTF-8 text. A token that declares itself symbolic (C- or M-
// prefix) but cannot resolve is an error, not passthrough.
func resolveKeyToken(token string) ([]byte, error) {
	if b, ok := namedKeys[token]; ok {
		return []byte(b), nil
	}
	if strings.HasPrefix(token, "C-") || strings.HasPrefix(token, "^") {
		suffix := strings.TrimPrefix(token, "C-")
		suffix = strings.TrimPrefix(suffix, "^")
		b, err := controlByte(suffix)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKeyToken, token)
		}
		return []byte{b}, nil
	}
	if strings.HasPrefix(token, "M-") {
		suffix := strings.TrimPrefix(token, "M-")
		if len(suffix) != 1 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKeyToken, token)
		}
		// Meta prefixes the key with ESC.
		return []byte{0x1b, suffix[0]}, nil
	}
	return []byte(token), nil
}

func controlByte(suffix string) (byte, error) {
	if len(suffix) != 1 {
		return 0, fmt.Errorf("control key must name a single character")
	}
	c := suffix[0]
	switch {
	case c >= 'a' && c <= 'z':
		return c - 'a' + 1, nil
	case c >= 'A' && c <= 'Z':
		return c - 'A' + 1, nil
	case c == '@':
		return 0x00, nil
	case c == '[':
		return 0x1b, nil
	case c == '\\':
		return 0x1c, nil
	case c == ']':
		return 0x1d, nil
	case c == '^':
		return 0x1e, nil
	case c == '_':
		return 0x1f, nil
	case c == '?':
		return 0x7f, nil
	default:
		return 0, fmt.Errorf("no control mapping for %q", c)
	}
}

// translateKeys resolves every token before concatenation, so a bad token
// aborts the whole send with nothing written. literal disables symbolic
// lookup entirely (send-keys -l).
func translateKeys(tokens []string, literal bool) ([]byte, error) {
	var out []byte
	for _, token := range tokens {
		if literal {
			out = append(out, token...)
			continue
		}
		b, err := resolveKeyToken(token)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}
