package main

import (
	"bytes"
	"io"
	"sync"
)

// clearLine moves to column 0 and erases the line.
const clearLine = "\r\x1b[K"

// console shares one terminal between log lines and progress bars. A bar is redrawn in place
// without a newline, so a log line first erases whatever part of the bar is on the current line.
type console struct {
	mu       sync.Mutex
	w        io.Writer
	barDrawn bool
}

func newConsole(w io.Writer) *console {
	return &console{w: w}
}

// Log is the writer for the log handler. Every Write must be whole lines.
func (c *console) Log() io.Writer {
	return logWriter{c}
}

// Bar is the writer for progress bars.
func (c *console) Bar() io.Writer {
	return barWriter{c}
}

type logWriter struct{ c *console }

func (w logWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	if w.c.barDrawn {
		_, err := io.WriteString(w.c.w, clearLine)
		if err != nil {
			return 0, err
		}
		w.c.barDrawn = false
	}
	return w.c.w.Write(p)
}

type barWriter struct{ c *console }

func (w barWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	n, err := w.c.w.Write(p)
	if n > 0 {
		w.c.barDrawn = !bytes.HasSuffix(p[:n], []byte("\n"))
	}
	return n, err
}
