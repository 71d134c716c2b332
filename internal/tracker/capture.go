package tracker

import (
	"bytes"
	"context"
	"io"
	"sync"
)

type captureKey struct{}

// Capture collects what a running handler produces besides its error. The
// middleware stores it on the task's record when the handler returns.
type Capture struct {
	mu      sync.Mutex
	stdout  bytes.Buffer
	stderr  bytes.Buffer
	display string
	result  map[string]any
	buffers [][]byte
}

// FromContext returns the capture of the task being processed, or nil
// outside the tracker middleware.
func FromContext(ctx context.Context) *Capture {
	c, _ := ctx.Value(captureKey{}).(*Capture)
	return c
}

func withCapture(ctx context.Context, c *Capture) context.Context {
	return context.WithValue(ctx, captureKey{}, c)
}

type streamWriter struct {
	c   *Capture
	buf *bytes.Buffer
}

func (w streamWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.buf.Write(p)
}

// Stdout is the task's standard output stream.
func (c *Capture) Stdout() io.Writer { return streamWriter{c: c, buf: &c.stdout} }

// Stderr is the task's standard error stream.
func (c *Capture) Stderr() io.Writer { return streamWriter{c: c, buf: &c.stderr} }

// Display records the task's displayed output value.
func (c *Capture) Display(s string) {
	c.mu.Lock()
	c.display = s
	c.mu.Unlock()
}

// SetResult sets the result content stored on success.
func (c *Capture) SetResult(m map[string]any) {
	c.mu.Lock()
	c.result = m
	c.mu.Unlock()
}

// AddBuffer appends a binary attachment to the result.
func (c *Capture) AddBuffer(b []byte) {
	c.mu.Lock()
	c.buffers = append(c.buffers, bytes.Clone(b))
	c.mu.Unlock()
}

type captured struct {
	stdout, stderr, display string
	result                  map[string]any
	buffers                 [][]byte
}

func (c *Capture) snapshot() captured {
	c.mu.Lock()
	defer c.mu.Unlock()
	return captured{
		stdout:  c.stdout.String(),
		stderr:  c.stderr.String(),
		display: c.display,
		result:  c.result,
		buffers: c.buffers,
	}
}
