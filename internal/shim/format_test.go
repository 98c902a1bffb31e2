package shim

import "testing"

func TestExpandFormat(t *testing.T) {
	vars := map[string]string{
		"pane_id":      "%3",
		"session_name": "kild-42",
		"pane_pid":     "12345",
	}
	cases := []struct {
		format string
		want   string
	}{
		{"#{pane_id}", "%3"},
		{"#{session_name}:#{pane_id}", "kild-42:%3"},
		{"pid=#{pane_pid}", "pid=12345"},
		{"#{no_such_token}", ""},
		{"a#{no_such_token}b", "ab"},
		{"##{pane_id}", "#{pane_id}"},
		{"100##", "100#"},
		{"#P", "3"},
		{"#S", "kild-42"},
		{"plain text", "plain text"},
		{"#{unterminated", "#{unterminated"},
		{"trailing#", "trailing#"},
	}
	for _, tc := range cases {
		if got := expandFormat(tc.format, vars); got != tc.want {
			t.Errorf("expandFormat(%q) = %q, want %q", tc.format, got, tc.want)
		}
	}
}

func TestFormatNeedsDaemon(t *testing.T) {
	cases := []struct {
		format string
		want   bool
	}{
		{"#{pane_id}", false},
		{"#{session_name}", false},
		{"#{pane_dead}", true},
		{"#{pane_pid}", true},
		{"#{pane_current_path}", true},
		{"#{pane_id} #{pane_dead_status}", true},
		{"plain", false},
	}
	for _, tc := range cases {
		if got := formatNeedsDaemon(tc.format); got != tc.want {
			t.Errorf("formatNeedsDaemon(%q) = %v, want %v", tc.format, got, tc.want)
		}
	}
}
