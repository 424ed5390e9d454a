package process

import (
	"bytes"
	"io"
	"sync"
)

// Stream identifies which pipe a Line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Line is one newline-terminated chunk of child output, without the newline.
type Line struct {
	Stream Stream
	Text   string
}

// maxLine caps a single buffered line; longer output is emitted in pieces.
const maxLine = 64 * 1024

// lineWriter splits written bytes into Lines and forwards them in order.
// exec copies each pipe from its own goroutine, so Write is never concurrent
// for one writer; the mutex only guards flush against a late Write.
type lineWriter struct {
	mu     sync.Mutex
	stream Stream
	out    chan<- Line
	tee    io.Writer
	buf    []byte
	closed bool
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	if w.tee != nil {
		_, _ = w.tee.Write(p)
	}
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) >= maxLine {
		w.emit(w.buf)
		w.buf = nil
	}
	// keep the backing array small after long bursts
	if len(w.buf) == 0 && cap(w.buf) > maxLine {
		w.buf = nil
	}
	return len(p), nil
}

// flush emits a trailing partial line and drops any later writes.
func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
	w.closed = true
}

func (w *lineWriter) emit(b []byte) {
	b = bytes.TrimSuffix(b, []byte("\r"))
	w.out <- Line{Stream: w.stream, Text: string(b)}
}
