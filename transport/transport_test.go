package transport

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0LEG0/next-yate/errors"
)

// fakeConn is one scripted engine-side connection. The transport reads what
// the test sends and the test receives every line the transport writes.
type fakeConn struct {
	in  *io.PipeReader
	inW *io.PipeWriter

	mu      sync.Mutex
	partial bytes.Buffer
	out     chan string

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	r, w := io.Pipe()
	return &fakeConn{
		in:     r,
		inW:    w,
		out:    make(chan string, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) Read(p []byte) (int, error) {
	return f.in.Read(p)
}

func (f *fakeConn) Write(p []byte) (int, error) {
	select {
	case <-f.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partial.Write(p)
	for {
		data := f.partial.String()
		idx := strings.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		f.out <- data[:idx]
		f.partial.Reset()
		f.partial.WriteString(data[idx+1:])
	}
	return len(p), nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.in.CloseWithError(io.EOF)
	})
	return nil
}

// send injects one engine line into the transport.
func (f *fakeConn) send(line string) {
	_, _ = f.inW.Write([]byte(line + "\n"))
}

// recv returns the next line the transport wrote.
func (f *fakeConn) recv(t *testing.T) string {
	t.Helper()
	select {
	case line := <-f.out:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound line")
		return ""
	}
}

// connQueue hands successive connections to the transport's dialer.
type connQueue struct {
	mu    sync.Mutex
	conns []*fakeConn
	ready chan struct{}
}

func newConnQueue(conns ...*fakeConn) *connQueue {
	q := &connQueue{conns: conns, ready: make(chan struct{})}
	close(q.ready)
	return q
}

func (q *connQueue) dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	select {
	case <-q.ready:
	default:
		return nil, errors.New("engine down")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.conns) == 0 {
		return nil, errors.New("no engine available")
	}
	c := q.conns[0]
	q.conns = q.conns[1:]
	return c, nil
}

func TestLocalModeWrites(t *testing.T) {
	var out syncBuffer
	tr, err := NewLocal(strings.NewReader(""), &out)
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	require.NoError(t, tr.WriteLine("%%>output:hello"))
	require.NoError(t, tr.WriteLine("%%>output:again\n"))

	assert.Equal(t, "%%>output:hello\n%%>output:again\n", out.String())
	assert.True(t, tr.Connected())
}

func TestStartTwiceFails(t *testing.T) {
	tr, err := NewLocal(strings.NewReader(""), &syncBuffer{})
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()
	assert.ErrorIs(t, tr.Start(context.Background()), errors.ErrAlreadyStarted)
}

func TestTruncationAndNewline(t *testing.T) {
	var out syncBuffer
	tr, err := NewLocal(strings.NewReader(""), &out, WithBufSize(16))
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	require.NoError(t, tr.WriteLine(strings.Repeat("x", 40)))
	assert.Equal(t, strings.Repeat("x", 16)+"\n", out.String())
}

func TestInboundDelivery(t *testing.T) {
	in, inW := io.Pipe()
	lines := make(chan string, 8)
	tr, err := NewLocal(in, &syncBuffer{}, WithLineHandler(func(l string) { lines <- l }))
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	go func() {
		_, _ = inW.Write([]byte("%%<watch:engine.timer:true\r\n\n%%<setlocal:a:b:true\n"))
	}()

	assert.Equal(t, "%%<watch:engine.timer:true", <-lines)
	// The blank line is skipped.
	assert.Equal(t, "%%<setlocal:a:b:true", <-lines)
}

func TestOfflineQueueFIFOAndOverflow(t *testing.T) {
	engine := newFakeConn()
	q := &connQueue{conns: []*fakeConn{engine}, ready: make(chan struct{})}

	tr, err := NewNetwork(q.dial,
		WithBanner("%%>connect:global:t:data"),
		WithReconnect(true, 10*time.Millisecond),
		WithQueueLimit(3),
	)
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	// Dial is blocked; lines park in order.
	require.NoError(t, tr.WriteLine("one"))
	require.NoError(t, tr.WriteLine("two"))
	require.NoError(t, tr.WriteLine("three"))
	assert.Equal(t, 3, tr.QueueDepth())

	err = tr.WriteLine("four")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrQueueOverflow))

	// Let the dialer through; banner first, then the parked lines in order.
	close(q.ready)
	assert.Equal(t, "%%>connect:global:t:data", engine.recv(t))
	assert.Equal(t, "one", engine.recv(t))
	assert.Equal(t, "two", engine.recv(t))
	assert.Equal(t, "three", engine.recv(t))
	assert.Equal(t, 0, tr.QueueDepth())
}

func TestReconnectReplaysHookBeforeQueue(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	q := newConnQueue(first, second)

	tr, err := NewNetwork(q.dial,
		WithBanner("%%>connect:global:t:data"),
		WithReconnect(true, 10*time.Millisecond),
		WithConnectHook(func(write func(string) error) {
			_ = write("%%>setlocal:bufsize:4096")
			_ = write("%%>install:100:engine.timer")
		}),
	)
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	assert.Equal(t, "%%>connect:global:t:data", first.recv(t))
	assert.Equal(t, "%%>setlocal:bufsize:4096", first.recv(t))
	assert.Equal(t, "%%>install:100:engine.timer", first.recv(t))

	require.NoError(t, tr.WriteLine("before-drop"))
	assert.Equal(t, "before-drop", first.recv(t))

	// Kill the link, park a line while down, then watch the replay order on
	// the second connection: banner, hook lines, parked traffic.
	dropped := make(chan struct{})
	tr.mu.Lock()
	tr.onDisconnect = func(error) { close(dropped) }
	tr.mu.Unlock()

	first.Close()
	<-dropped
	require.NoError(t, tr.WriteLine("after-drop"))

	assert.Equal(t, "%%>connect:global:t:data", second.recv(t))
	assert.Equal(t, "%%>setlocal:bufsize:4096", second.recv(t))
	assert.Equal(t, "%%>install:100:engine.timer", second.recv(t))
	assert.Equal(t, "after-drop", second.recv(t))
}

func TestObserverSeesBothDirections(t *testing.T) {
	engine := newFakeConn()
	q := newConnQueue(engine)

	var mu sync.Mutex
	var traced []string
	tr, err := NewNetwork(q.dial,
		WithReconnect(false, 0),
		WithObserver(func(dir Direction, line string) {
			mu.Lock()
			traced = append(traced, dir.String()+" "+line)
			mu.Unlock()
		}),
	)
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))
	defer tr.Close()

	require.NoError(t, tr.WriteLine("%%>watch:engine.timer"))
	assert.Equal(t, "%%>watch:engine.timer", engine.recv(t))
	engine.send("%%<watch:engine.timer:true")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(traced) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "-> %%>watch:engine.timer", traced[0])
	assert.Equal(t, "<- %%<watch:engine.timer:true", traced[1])
}

func TestCloseStopsEverything(t *testing.T) {
	engine := newFakeConn()
	q := newConnQueue(engine)

	tr, err := NewNetwork(q.dial, WithReconnect(true, 10*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, tr.Start(context.Background()))

	require.NoError(t, tr.Close())
	assert.Equal(t, StatusClosed, tr.Status())
	assert.ErrorIs(t, tr.WriteLine("x"), errors.ErrClosed)
	assert.NoError(t, tr.Close(), "second close is a no-op")
}

func TestNoReconnectSurfacesDialError(t *testing.T) {
	q := newConnQueue() // empty: dial always fails
	tr, err := NewNetwork(q.dial, WithReconnect(false, 0))
	require.NoError(t, err)
	err = tr.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

// syncBuffer is a goroutine-safe bytes.Buffer.
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
