// Package trace is an opt-in operation log for debugging hardware
// interactions. Every mediator dispatch and every interrupt-controller write
// is recorded with a source tag so a failing bring-up can be replayed.
//
// Tracing is off until Open is called; the write path is a single atomic
// load when disabled.
package trace

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

type sink struct {
	mu sync.Mutex
	w  io.Writer
	c  io.Closer
}

var active atomic.Pointer[sink]

// Open starts tracing to w. A previous sink is replaced but not closed.
func Open(w io.Writer) {
	s := &sink{w: w}
	if c, ok := w.(io.Closer); ok {
		s.c = c
	}
	active.Store(s)
}

// OpenFile starts tracing to the named file, truncating a previous run.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("trace: open %s: %w", filename, err)
	}
	Open(f)
	return nil
}

// Close stops tracing and closes the sink if it is closable.
func Close() error {
	s := active.Swap(nil)
	if s == nil || s.c == nil {
		return nil
	}
	return s.c.Close()
}

// Writef records one formatted entry under the given source tag.
func Writef(source string, format string, args ...any) {
	s := active.Load()
	if s == nil {
		return
	}
	line := fmt.Appendf(nil, "%s %s: ", time.Now().UTC().Format(time.RFC3339Nano), source)
	line = fmt.Appendf(line, format, args...)
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(line)
}
