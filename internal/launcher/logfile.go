package launcher

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"
)

// lineWriter frames a child's raw output into timestamped log lines so the
// shipper downstream always sees whole lines. Partial writes are buffered
// until a newline arrives or Flush is called.
type lineWriter struct {
	mu     sync.Mutex
	out    io.Writer
	prefix string
	buf    []byte
}

func newLineWriter(out io.Writer, name, stream string) *lineWriter {
	return &lineWriter{out: out, prefix: fmt.Sprintf("[%s][%s] ", name, stream)}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		if idx == -1 {
			w.buf = append(w.buf, p...)
			break
		}
		line := append(w.buf, p[:idx]...)
		w.buf = w.buf[:0]
		p = p[idx+1:]
		if err := w.emit(line); err != nil {
			return total, err
		}
	}
	return total, nil
}

// Flush writes any buffered partial line, used when the child exits without a
// trailing newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) == 0 {
		return
	}
	_ = w.emit(w.buf)
	w.buf = w.buf[:0]
}

func (w *lineWriter) emit(line []byte) error {
	line = bytes.TrimRight(line, "\r")
	_, err := fmt.Fprintf(w.out, "%s %s%s\n", time.Now().UTC().Format(time.RFC3339), w.prefix, line)
	return err
}
