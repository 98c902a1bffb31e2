package scrollback

import (
	"fmt"
	"reflect"
	"testing"
)

func TestTailEmpty(t *testing.T) {
	b := New(10)
	if got := b.Tail(5); len(got) != 0 {
		t.Fatalf("expected empty tail, got %v", got)
	}
}

func TestAppendAndTail(t *testing.T) {
	b := New(10)
	b.Append([]byte("one\ntwo\nthree\n"))

	if got := b.Tail(2); !reflect.DeepEqual(got, []string{"two", "three"}) {
		t.Fatalf("tail(2) = %v", got)
	}
	if got := b.Tail(100); !reflect.DeepEqual(got, []string{"one", "two", "three"}) {
		t.Fatalf("tail(100) = %v", got)
	}
}

func TestTailIsIdempotent(t *testing.T) {
	b := New(10)
	b.Append([]byte("a\nb\n"))
	first := b.Tail(5)
	second := b.Tail(5)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("tail not idempotent: %v vs %v", first, second)
	}
}

func TestTailMonotonic(t *testing.T) {
	b := New(100)
	b.Append([]byte("a\nb\nc\n"))
	before := b.Tail(100)
	b.Append([]byte("d\ne\n"))
	after := b.Tail(100)
	if !reflect.DeepEqual(after[:len(before)], before) {
		t.Fatalf("historical lines reordered: before=%v after=%v", before, after)
	}
}

func TestFIFOEvictionByLine(t *testing.T) {
	b := New(3)
	for i := 0; i < 5; i++ {
		b.Append([]byte(fmt.Sprintf("line-%d\n", i)))
	}
	want := []string{"line-2", "line-3", "line-4"}
	if got := b.Tail(10); !reflect.DeepEqual(got, want) {
		t.Fatalf("after eviction tail = %v, want %v", got, want)
	}
	if b.Len() != 3 {
		t.Fatalf("len = %d, want 3", b.Len())
	}
}

func TestPartialLineAcrossAppends(t *testing.T) {
	b := New(10)
	b.Append([]byte("hel"))
	b.Append([]byte("lo\nwor"))
	b.Append([]byte("ld\n"))
	want := []string{"hello", "world"}
	if got := b.Tail(10); !reflect.DeepEqual(got, want) {
		t.Fatalf("tail = %v, want %v", got, want)
	}
}

func TestMultiByteSplitAcrossAppends(t *testing.T) {
	b := New(10)
	raw := []byte("héllo wörld\n") // é and ö are two bytes each
	b.Append(raw[:3])              // splits é mid-sequence
	b.Append(raw[3:])
	if got := b.Tail(1); !reflect.DeepEqual(got, []string{"héllo wörld"}) {
		t.Fatalf("tail = %q", got)
	}
}

func TestCRLFAndCarriageReturnOverwrite(t *testing.T) {
	b := New(10)
	b.Append([]byte("plain\r\n"))
	b.Append([]byte("10%\r50%\r100%\r\n"))
	want := []string{"plain", "100%"}
	if got := b.Tail(10); !reflect.DeepEqual(got, want) {
		t.Fatalf("tail = %v, want %v", got, want)
	}
}

func TestPartialLineVisibleInTail(t *testing.T) {
	b := New(10)
	b.Append([]byte("done\n$ "))
	want := []string{"done", "$ "}
	if got := b.Tail(10); !reflect.DeepEqual(got, want) {
		t.Fatalf("tail = %v, want %v", got, want)
	}
	// The partial line does not count as a stored line.
	if b.Len() != 1 {
		t.Fatalf("len = %d, want 1", b.Len())
	}
}

func TestTailCountsPartialAgainstN(t *testing.T) {
	b := New(10)
	b.Append([]byte("a\nb\nprompt> "))
	want := []string{"b", "prompt> "}
	if got := b.Tail(2); !reflect.DeepEqual(got, want) {
		t.Fatalf("tail(2) = %v, want %v", got, want)
	}
}

func TestTailZeroAndNegative(t *testing.T) {
	b := New(10)
	b.Append([]byte("x\n"))
	if got := b.Tail(0); got != nil {
		t.Fatalf("tail(0) = %v, want nil", got)
	}
	if got := b.Tail(-1); got != nil {
		t.Fatalf("tail(-1) = %v, want nil", got)
	}
}

func TestOversizedPendingRotates(t *testing.T) {
	b := New(10)
	huge := make([]byte, maxPendingBytes+10)
	for i := range huge {
		huge[i] = 'x'
	}
	b.Append(huge)
	if b.Len() == 0 {
		t.Fatal("oversized partial line was not rotated into storage")
	}
}
