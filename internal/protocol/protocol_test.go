package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestDecodeRequestValid(t *testing.T) {
	cases := []struct {
		name string
		line string
		typ  string
	}{
		{"create", `{"type":"CreateSession","command":["bash","-l"],"cwd":"/tmp","rows":24,"cols":80}`, TypeCreateSession},
		{"write", `{"type":"WriteStdin","session_id":"abc","data_b64":"aGk="}`, TypeWriteStdin},
		{"resize", `{"type":"Resize","session_id":"abc","rows":40,"cols":120}`, TypeResize},
		{"scrollback", `{"type":"ReadScrollback","session_id":"abc","lines":100}`, TypeReadScrollback},
		{"destroy", `{"type":"DestroySession","session_id":"abc"}`, TypeDestroySession},
		{"list", `{"type":"ListSessions"}`, TypeListSessions},
		{"subscribe", `{"type":"Subscribe","session_id":"abc"}`, TypeSubscribe},
		{"events", `{"type":"ListEvents","session_id":"abc","limit":10}`, TypeListEvents},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := DecodeRequest([]byte(tc.line))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if req.Type != tc.typ {
				t.Fatalf("type = %q, want %q", req.Type, tc.typ)
			}
		})
	}
}

func TestDecodeRequestInvalid(t *testing.T) {
	cases := []struct {
		name string
		line string
		want error
	}{
		{"not json", `{nope`, ErrMalformed},
		{"missing type", `{"session_id":"abc"}`, ErrMalformed},
		{"unknown type", `{"type":"SelfDestruct"}`, ErrUnknownType},
		{"create without command", `{"type":"CreateSession"}`, ErrMalformed},
		{"write without session", `{"type":"WriteStdin","data_b64":"aGk="}`, ErrMalformed},
		{"write without data", `{"type":"WriteStdin","session_id":"abc"}`, ErrMalformed},
		{"resize zero rows", `{"type":"Resize","session_id":"abc","rows":0,"cols":80}`, ErrMalformed},
		{"subscribe without session", `{"type":"Subscribe"}`, ErrMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeRequest([]byte(tc.line))
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestBase64RoundTrip(t *testing.T) {
	// Raw bytes that are not valid UTF-8, e.g. a truncated escape sequence.
	raw := []byte{0x1b, '[', 0x03, 0xff, 0xfe, 'h', 'i', '\n'}
	decoded, err := DecodeB64(EncodeB64(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded, raw) {
		t.Fatalf("round trip corrupted bytes: %v vs %v", decoded, raw)
	}
}

func TestDecodeB64Invalid(t *testing.T) {
	if _, err := DecodeB64("!!! not base64 !!!"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestLineReaderSkipsBlankLines(t *testing.T) {
	input := "\n\n{\"type\":\"ListSessions\"}\n\n"
	lr := NewLineReader(strings.NewReader(input), 0)
	line, err := lr.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if string(line) != `{"type":"ListSessions"}` {
		t.Fatalf("line = %q", line)
	}
	if _, err := lr.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestLineReaderTooLong(t *testing.T) {
	long := strings.Repeat("x", 4096)
	lr := NewLineReader(strings.NewReader(long+"\n"), 1024)
	if _, err := lr.Next(); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("err = %v, want ErrLineTooLong", err)
	}
}

func TestResponseShapes(t *testing.T) {
	var buf bytes.Buffer
	lw := NewLineWriter(&buf)

	if err := lw.Write(OK(CreateSessionData{SessionID: "s1", PID: 42})); err != nil {
		t.Fatalf("write ok: %v", err)
	}
	if err := lw.Write(Fail("session_not_found", "no such session")); err != nil {
		t.Fatalf("write fail: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var ok Response
	if err := json.Unmarshal([]byte(lines[0]), &ok); err != nil {
		t.Fatalf("unmarshal ok: %v", err)
	}
	if !ok.Success || ok.Error != nil {
		t.Fatalf("unexpected ok response: %+v", ok)
	}
	var data CreateSessionData
	if err := json.Unmarshal(ok.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.SessionID != "s1" || data.PID != 42 {
		t.Fatalf("unexpected data: %+v", data)
	}

	var fail Response
	if err := json.Unmarshal([]byte(lines[1]), &fail); err != nil {
		t.Fatalf("unmarshal fail: %v", err)
	}
	if fail.Success || fail.Error == nil || fail.Error.Kind != "session_not_found" {
		t.Fatalf("unexpected fail response: %+v", fail)
	}
}
