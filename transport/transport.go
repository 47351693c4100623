// Package transport moves protocol lines between the application and the
// engine. It supports two modes: local (stdin/stdout, no reconnect) and
// network (TCP or UNIX stream socket with a reconnect loop).
//
// The transport enforces the wire-level guarantees of the connection:
//
//   - a single-writer discipline serializes all outbound lines;
//   - lines submitted while disconnected park in a bounded FIFO and flush,
//     in order, once the link is back;
//   - on every (re)connect the banner goes out first, then the connect hook
//     runs (the registry replay), then the parked lines flush — so restored
//     engine state always precedes application traffic;
//   - lines longer than the buffer size are truncated, and a newline is
//     appended if absent.
package transport

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0LEG0/next-yate/errors"
	"github.com/0LEG0/next-yate/pkg/retry"
)

// Status represents the state of the engine link.
type Status int32

// Possible link statuses.
const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusClosed
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Direction tags a traced line.
type Direction int

// Trace directions.
const (
	DirIn Direction = iota
	DirOut
)

// String returns the conventional trace arrow for the direction.
func (d Direction) String() string {
	if d == DirOut {
		return "->"
	}
	return "<-"
}

// Observer receives every line actually moved in each direction.
type Observer func(dir Direction, line string)

// Dialer opens one connection to the engine.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// Transport is the line mover. Configure it with options, wire the hooks,
// then Start it once.
type Transport struct {
	mu     sync.Mutex // guards w, closer, queue, gen, reconnecting
	w      io.Writer
	closer io.Closer
	queue  []string
	gen    uint64

	localIn  io.Reader // local mode inbound; nil in network mode
	localOut io.Writer // local mode outbound
	dial     Dialer    // network mode dialer; nil in local mode

	banner        string
	reconnect     bool
	reconnectWait time.Duration
	bufSize       int
	queueLimit    int

	onLine       func(string)
	onConnect    func(write func(line string) error)
	onDisconnect func(error)
	observer     Observer
	logger       *slog.Logger

	status       atomic.Int32
	started      atomic.Bool
	closed       atomic.Bool
	reconnecting bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Transport.
type Option func(*Transport) error

// WithBanner sets the line written first on every (re)connect, normally the
// %%>connect handshake.
func WithBanner(line string) Option {
	return func(t *Transport) error {
		t.banner = line
		return nil
	}
}

// WithReconnect enables or disables the reconnect loop and sets the delay
// between attempts.
func WithReconnect(enabled bool, wait time.Duration) Option {
	return func(t *Transport) error {
		t.reconnect = enabled
		if wait > 0 {
			t.reconnectWait = wait
		}
		return nil
	}
}

// WithBufSize caps the length of one outbound line.
func WithBufSize(n int) Option {
	return func(t *Transport) error {
		if n <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidArgument, "Transport", "WithBufSize", "bufsize must be positive")
		}
		t.bufSize = n
		return nil
	}
}

// WithQueueLimit bounds the offline FIFO.
func WithQueueLimit(n int) Option {
	return func(t *Transport) error {
		if n <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidArgument, "Transport", "WithQueueLimit", "queue limit must be positive")
		}
		t.queueLimit = n
		return nil
	}
}

// WithObserver installs the line tracer.
func WithObserver(obs Observer) Option {
	return func(t *Transport) error {
		t.observer = obs
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) error {
		if l != nil {
			t.logger = l
		}
		return nil
	}
}

// WithLineHandler sets the callback invoked for every inbound line.
func WithLineHandler(fn func(string)) Option {
	return func(t *Transport) error {
		t.onLine = fn
		return nil
	}
}

// WithConnectHook sets the callback run on every (re)connect, after the
// banner and before parked lines flush. The hook writes through the passed
// function only; calling WriteLine from inside it deadlocks.
func WithConnectHook(fn func(write func(line string) error)) Option {
	return func(t *Transport) error {
		t.onConnect = fn
		return nil
	}
}

// WithDisconnectHook sets the callback fired when the link drops.
func WithDisconnectHook(fn func(error)) Option {
	return func(t *Transport) error {
		t.onDisconnect = fn
		return nil
	}
}

func newTransport(opts []Option) (*Transport, error) {
	t := &Transport{
		reconnectWait: 10 * time.Second,
		bufSize:       8192,
		queueLimit:    100,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// NewLocal creates a stdin/stdout style transport over the given streams.
// Reconnect is always disabled in local mode.
func NewLocal(in io.Reader, out io.Writer, opts ...Option) (*Transport, error) {
	if in == nil || out == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument, "Transport", "NewLocal", "streams are required")
	}
	t, err := newTransport(opts)
	if err != nil {
		return nil, err
	}
	t.localIn = in
	t.localOut = out
	t.reconnect = false
	return t, nil
}

// NewNetwork creates a socket transport using dial for every connection
// attempt.
func NewNetwork(dial Dialer, opts ...Option) (*Transport, error) {
	if dial == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument, "Transport", "NewNetwork", "dialer is required")
	}
	t, err := newTransport(opts)
	if err != nil {
		return nil, err
	}
	t.dial = dial
	return t, nil
}

// Start brings the link up. In network mode a failed first dial is not an
// error while reconnect is enabled; traffic parks until the loop succeeds.
func (t *Transport) Start(ctx context.Context) error {
	if !t.started.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}
	t.ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if t.dial == nil {
		t.attach(rwCloser{Reader: t.localIn, Writer: t.localOut})
		return nil
	}

	t.status.Store(int32(StatusConnecting))
	conn, err := t.dial(t.ctx)
	if err != nil {
		if !t.reconnect {
			t.status.Store(int32(StatusDisconnected))
			return errors.WrapTransient(err, "Transport", "Start", "dial engine")
		}
		t.logger.Info("engine unreachable, reconnect loop armed", "error", err)
		t.spawnReconnect(false)
		return nil
	}
	t.attach(conn)
	return nil
}

// rwCloser joins separate local streams into one connection-shaped value.
type rwCloser struct {
	io.Reader
	io.Writer
}

func (rwCloser) Close() error { return nil }

// attach installs a live connection: the reader goroutine, then banner,
// connect hook, and queue flush. The reader runs first so engine replies to
// the replayed lines are drained while the replay is still writing.
func (t *Transport) attach(conn io.ReadWriteCloser) {
	t.mu.Lock()
	if t.closed.Load() {
		t.mu.Unlock()
		_ = conn.Close()
		return
	}
	t.w = conn
	t.closer = conn
	t.gen++
	gen := t.gen
	t.status.Store(int32(StatusConnected))
	go t.readLoop(conn, gen)

	ok := true
	if t.banner != "" {
		ok = t.writeLocked(t.banner) == nil
	}
	if ok && t.onConnect != nil {
		t.onConnect(t.writeLocked)
	}
	for ok && t.w != nil && len(t.queue) > 0 {
		line := t.queue[0]
		t.queue = t.queue[1:]
		if err := t.writeLocked(line); err != nil {
			// writeLocked tore the link down; keep the line for next time.
			t.queue = append([]string{line}, t.queue...)
			ok = false
		}
	}
	live := ok && t.w != nil
	t.mu.Unlock()

	if live {
		t.logger.Info("engine link up")
	}
}

// writeLocked sends one line on the current connection, truncating to the
// buffer size and appending the newline. Call with mu held. A failed write
// tears the link down.
func (t *Transport) writeLocked(line string) error {
	if t.w == nil {
		return errors.ErrNotConnected
	}
	if len(line) > t.bufSize {
		line = line[:t.bufSize]
	}
	out := line
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	if _, err := io.WriteString(t.w, out); err != nil {
		t.dropLocked(err)
		return err
	}
	if t.observer != nil {
		t.observer(DirOut, line)
	}
	return nil
}

// WriteLine submits one outbound line: written now when connected, parked in
// the bounded FIFO otherwise. Serialization and the connected check are one
// atomic step, so submission order is emission order — including across a
// disconnect.
func (t *Transport) WriteLine(line string) error {
	if t.closed.Load() {
		return errors.ErrClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.w == nil {
		return t.parkLocked(line)
	}
	if err := t.writeLocked(line); err != nil {
		// The link just died under this line; park it so it leads the
		// flush after reconnect.
		t.queue = append([]string{line}, t.queue...)
	}
	return nil
}

func (t *Transport) parkLocked(line string) error {
	if len(t.queue) >= t.queueLimit {
		return errors.WrapTransient(errors.ErrQueueOverflow, "Transport", "WriteLine", "park line")
	}
	t.queue = append(t.queue, line)
	return nil
}

// readLoop delivers inbound lines until the connection dies.
func (t *Transport) readLoop(conn io.Reader, gen uint64) {
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if trimmed := strings.TrimRight(line, "\r\n"); trimmed != "" {
			if t.observer != nil {
				t.observer(DirIn, trimmed)
			}
			if t.onLine != nil {
				t.onLine(trimmed)
			}
		}
		if err != nil {
			t.mu.Lock()
			if t.gen == gen && t.w != nil {
				t.dropLocked(err)
			}
			t.mu.Unlock()
			return
		}
	}
}

// dropLocked tears down the live connection and arms the reconnect loop.
// Call with mu held.
func (t *Transport) dropLocked(err error) {
	if t.closer != nil {
		_ = t.closer.Close()
	}
	t.w = nil
	t.closer = nil
	if t.closed.Load() {
		t.status.Store(int32(StatusClosed))
		return
	}
	t.status.Store(int32(StatusDisconnected))
	t.logger.Warn("engine link down", "error", err)

	if t.onDisconnect != nil {
		go t.onDisconnect(err)
	}
	if t.reconnect && t.dial != nil {
		t.spawnReconnectLocked(true)
	}
}

func (t *Transport) spawnReconnect(delayFirst bool) {
	t.mu.Lock()
	t.spawnReconnectLocked(delayFirst)
	t.mu.Unlock()
}

// spawnReconnectLocked starts the reconnect goroutine once. Call with mu
// held.
func (t *Transport) spawnReconnectLocked(delayFirst bool) {
	if t.reconnecting {
		return
	}
	t.reconnecting = true

	finish := func() {
		t.mu.Lock()
		t.reconnecting = false
		t.mu.Unlock()
	}

	go func() {
		if delayFirst {
			timer := time.NewTimer(t.reconnectWait)
			select {
			case <-t.ctx.Done():
				timer.Stop()
				finish()
				return
			case <-timer.C:
			}
		}
		t.status.Store(int32(StatusConnecting))
		err := retry.Do(t.ctx, retry.Fixed(t.reconnectWait), func() error {
			conn, err := t.dial(t.ctx)
			if err != nil {
				t.logger.Debug("reconnect attempt failed", "error", err)
				return err
			}
			// The loop is done before attach so a drop during attach can
			// arm a fresh one.
			finish()
			t.attach(conn)
			return nil
		})
		if err != nil {
			finish()
			t.logger.Debug("reconnect loop stopped", "error", err)
		}
	}()
}

// SetReconnect enables or disables further reconnect attempts. Graceful
// shutdown disables it before closing the socket.
func (t *Transport) SetReconnect(enabled bool) {
	t.mu.Lock()
	t.reconnect = enabled
	t.mu.Unlock()
}

// Status returns the current link status.
func (t *Transport) Status() Status {
	if t.closed.Load() {
		return StatusClosed
	}
	return Status(t.status.Load())
}

// Connected reports whether the link is currently up.
func (t *Transport) Connected() bool {
	return t.Status() == StatusConnected
}

// QueueDepth returns the number of parked lines.
func (t *Transport) QueueDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Close shuts the transport down. Parked lines are discarded; further
// writes fail with ErrClosed.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Lock()
	if t.closer != nil {
		_ = t.closer.Close()
	}
	t.w = nil
	t.closer = nil
	t.queue = nil
	t.mu.Unlock()
	t.status.Store(int32(StatusClosed))
	return nil
}
