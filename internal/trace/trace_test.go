package trace

import (
	"bytes"
	"strings"
	"sync"
	"testing"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWritefInactiveIsNoop(t *testing.T) {
	Close()
	Writef("test", "dropped %d", 1)
}

func TestWritefStampsSourceAndMessage(t *testing.T) {
	var buf syncBuffer
	Open(&buf)
	defer Close()

	Writef("mediator ioctl", "op=%d", 3)

	out := buf.String()
	if !strings.Contains(out, "mediator ioctl") {
		t.Fatalf("output %q missing source", out)
	}
	if !strings.Contains(out, "op=3") {
		t.Fatalf("output %q missing message", out)
	}
	if !strings.HasSuffix(out, "\n") {
		t.Fatalf("output %q not newline terminated", out)
	}
}

func TestCloseStopsWrites(t *testing.T) {
	var buf syncBuffer
	Open(&buf)
	Writef("test", "one")
	Close()
	Writef("test", "two")

	out := buf.String()
	if !strings.Contains(out, "one") || strings.Contains(out, "two") {
		t.Fatalf("unexpected output %q", out)
	}
}
