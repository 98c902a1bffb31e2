package shim

import "strings"

// expandFormat substitutes tmux-style #{token} references from vars.
// Unknown tokens expand to the empty string, matching tmux, so scripts
// probing optional fields degrade instead of erroring. The bare aliases
// #P (pane id without %) and #S (session name) are also honored.
func expandFormat(format string, vars map[string]string) string {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '#' || i+1 >= len(format) {
			b.WriteByte(c)
			continue
		}
		switch format[i+1] {
		case '{':
			end := strings.IndexByte(format[i+2:], '}')
			if end < 0 {
				b.WriteByte(c)
				continue
			}
			token := format[i+2 : i+2+end]
			b.WriteString(vars[token])
			i += 2 + end
		case '#':
			b.WriteByte('#')
			i++
		case 'P':
			b.WriteString(strings.TrimPrefix(vars["pane_id"], "%"))
			i++
		case 'S':
			b.WriteString(vars["session_name"])
			i++
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// formatNeedsDaemon reports whether the format references session state
// that only the daemon knows. Purely local tokens (the pane id, the
// context name) resolve from environment without a socket round trip.
func formatNeedsDaemon(format string) bool {
	remote := []string{"pane_dead", "pane_dead_status", "pane_pid", "pane_current_path", "pane_current_command"}
	for _, token := range remote {
		if strings.Contains(format, "#{"+token+"}") {
			return true
		}
	}
	return false
}
