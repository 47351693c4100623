// Package testutil provides a scripted in-process engine peer for package
// tests. An Engine plays the engine side of the external-module wire: it
// records every line the client writes and lets the test inject engine
// lines, either by hand or through a scripted auto-responder.
package testutil

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// Engine is one scripted engine-side connection. It implements
// io.ReadWriteCloser so it can serve as the client's stream pair in local
// mode or as one dialed connection in network mode.
type Engine struct {
	r *io.PipeReader // client reads engine lines from here
	w *io.PipeWriter

	mu      sync.Mutex
	partial bytes.Buffer
	lines   chan string
	script  func(line string) []string

	closeOnce sync.Once
	closed    chan struct{}
}

// NewEngine creates an idle engine peer.
func NewEngine() *Engine {
	r, w := io.Pipe()
	return &Engine{
		r:      r,
		w:      w,
		lines:  make(chan string, 128),
		closed: make(chan struct{}),
	}
}

// Script installs an auto-responder invoked for every client line; each
// returned string is sent back as one engine line.
func (e *Engine) Script(fn func(line string) []string) {
	e.mu.Lock()
	e.script = fn
	e.mu.Unlock()
}

// Read implements the client-facing inbound stream.
func (e *Engine) Read(p []byte) (int, error) {
	return e.r.Read(p)
}

// Write receives client bytes, splitting them into lines.
func (e *Engine) Write(p []byte) (int, error) {
	select {
	case <-e.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	e.mu.Lock()
	e.partial.Write(p)
	var complete []string
	for {
		data := e.partial.String()
		idx := strings.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		complete = append(complete, strings.TrimRight(data[:idx], "\r"))
		e.partial.Reset()
		e.partial.WriteString(data[idx+1:])
	}
	script := e.script
	e.mu.Unlock()

	for _, line := range complete {
		e.lines <- line
		if script != nil {
			for _, reply := range script(line) {
				e.Send(reply)
			}
		}
	}
	return len(p), nil
}

// Close drops the connection; the client reader sees EOF.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		_ = e.r.CloseWithError(io.EOF)
	})
	return nil
}

// Send injects one engine line toward the client.
func (e *Engine) Send(line string) {
	_, _ = e.w.Write([]byte(line + "\n"))
}

// Recv returns the next line the client wrote, failing the test after two
// seconds.
func (e *Engine) Recv(t *testing.T) string {
	t.Helper()
	select {
	case line := <-e.lines:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client line")
		return ""
	}
}

// TryRecv returns the next client line if one arrives within d.
func (e *Engine) TryRecv(d time.Duration) (string, bool) {
	select {
	case line := <-e.lines:
		return line, true
	case <-time.After(d):
		return "", false
	}
}

// ExpectPrefix fails the test unless the next client line starts with
// prefix; the full line is returned.
func (e *Engine) ExpectPrefix(t *testing.T, prefix string) string {
	t.Helper()
	line := e.Recv(t)
	if !strings.HasPrefix(line, prefix) {
		t.Fatalf("expected line with prefix %q, got %q", prefix, line)
	}
	return line
}

// Dialer hands out successive engine connections, one per dial. Dials past
// the last engine fail, which keeps a reconnect loop spinning until the
// test adds another engine with Add.
type Dialer struct {
	mu      sync.Mutex
	engines []*Engine
}

// NewDialer creates a dialer over the given engine sessions.
func NewDialer(engines ...*Engine) *Dialer {
	return &Dialer{engines: engines}
}

// Add appends another engine session for a future dial.
func (d *Dialer) Add(e *Engine) {
	d.mu.Lock()
	d.engines = append(d.engines, e)
	d.mu.Unlock()
}

// Dial pops the next engine session.
func (d *Dialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.engines) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	e := d.engines[0]
	d.engines = d.engines[1:]
	return e, nil
}
