// Package extmodule implements the connection to the engine's
// external-module interface: the inbound router, the acknowledgement
// engine, and the request operations.
//
// A Conn owns one transport, one registry, and a correlation table. The
// transport's reader delivers lines in strict reception order; the router
// parses each one and hands it to the matching correlation waiter, the
// installed handlers, or the watcher set. Handlers for one incoming message
// are joined before the single acknowledgement goes out; a per-message
// deadline guarantees the engine never waits on a stalled handler.
package extmodule

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0LEG0/next-yate/codec"
	"github.com/0LEG0/next-yate/config"
	"github.com/0LEG0/next-yate/errors"
	"github.com/0LEG0/next-yate/message"
	"github.com/0LEG0/next-yate/metric"
	"github.com/0LEG0/next-yate/registry"
	"github.com/0LEG0/next-yate/transport"
)

// Conn is one live connection to the engine.
type Conn struct {
	cfg     config.Config
	tr      *transport.Transport
	reg     *registry.Registry
	logger  *slog.Logger
	metrics *metric.Metrics
	onError func(line string)
	exit    func(code int)

	wmu     sync.Mutex
	waiters map[string]chan *message.Message

	localIn  io.Reader
	localOut io.Writer
	dialer   transport.Dialer

	connects atomic.Int64
	debug    atomic.Bool
	closed   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Conn before it starts.
type Option func(*Conn) error

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) error {
		if l != nil {
			c.logger = l
		}
		return nil
	}
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Conn) error {
		c.metrics = m
		return nil
	}
}

// WithErrorHandler sets the callback for engine error lines and for the
// terminal disconnect signal when reconnect is disabled.
func WithErrorHandler(fn func(line string)) Option {
	return func(c *Conn) error {
		c.onError = fn
		return nil
	}
}

// WithStreams forces the connection onto the given local streams instead of
// the process stdio. Used by channel-mode helpers and tests.
func WithStreams(in io.Reader, out io.Writer) Option {
	return func(c *Conn) error {
		if in == nil || out == nil {
			return errors.WrapInvalid(errors.ErrInvalidArgument, "Conn", "WithStreams", "streams are required")
		}
		c.localIn = in
		c.localOut = out
		return nil
	}
}

// WithDialer replaces the network dialer.
func WithDialer(d transport.Dialer) Option {
	return func(c *Conn) error {
		c.dialer = d
		return nil
	}
}

// WithExiter replaces the process exit function used by Terminate and the
// signal watcher.
func WithExiter(fn func(code int)) Option {
	return func(c *Conn) error {
		if fn != nil {
			c.exit = fn
		}
		return nil
	}
}

// Connect validates cfg, brings the transport up, and returns a running
// connection. With no host or socket path configured the connection runs
// over stdin/stdout and reconnection stays off.
func Connect(ctx context.Context, cfg config.Config, opts ...Option) (*Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Conn", "Connect", "validate config")
	}

	c := &Conn{
		cfg:     cfg,
		reg:     registry.New(),
		logger:  slog.Default(),
		waiters: make(map[string]chan *message.Message),
		exit:    os.Exit,
	}
	c.debug.Store(cfg.Debug)
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))

	trOpts := []transport.Option{
		transport.WithLogger(c.logger),
		transport.WithBufSize(cfg.BufSize),
		transport.WithQueueLimit(cfg.QueueLimit),
		transport.WithLineHandler(c.route),
		transport.WithObserver(c.observe),
		transport.WithConnectHook(c.replay),
		transport.WithDisconnectHook(c.disconnected),
	}

	var (
		tr  *transport.Transport
		err error
	)
	switch {
	case c.localIn != nil:
		tr, err = transport.NewLocal(c.localIn, c.localOut, trOpts...)
	case !cfg.Network() && c.dialer == nil:
		tr, err = transport.NewLocal(os.Stdin, os.Stdout, trOpts...)
	default:
		dial := c.dialer
		if dial == nil {
			dial = func(ctx context.Context) (io.ReadWriteCloser, error) {
				network, addr := cfg.Address()
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			}
		}
		trOpts = append(trOpts,
			transport.WithBanner(codec.EncodeConnect(cfg.Role, cfg.TrackName, "data")),
			transport.WithReconnect(cfg.Reconnect, cfg.ReconnectWait),
		)
		tr, err = transport.NewNetwork(dial, trOpts...)
	}
	if err != nil {
		return nil, err
	}
	c.tr = tr

	if err := tr.Start(c.ctx); err != nil {
		c.cancel()
		return nil, err
	}
	if cfg.HandleSignals {
		go c.watchSignals()
	}
	return c, nil
}

// Config returns the connection configuration.
func (c *Conn) Config() config.Config {
	return c.cfg
}

// Connected reports whether the engine link is up.
func (c *Conn) Connected() bool {
	return c.tr.Connected()
}

// SetDebug turns wire tracing on or off.
func (c *Conn) SetDebug(on bool) {
	c.debug.Store(on)
}

// Debug reports whether wire tracing is on.
func (c *Conn) Debug() bool {
	return c.debug.Load()
}

// observe is the transport observer: metrics plus optional wire tracing.
func (c *Conn) observe(dir transport.Direction, line string) {
	if dir == transport.DirOut {
		c.metrics.RecordLineOut()
	} else {
		c.metrics.RecordLineIn()
	}
	if c.debug.Load() {
		c.logger.Debug(dir.String() + " " + line)
	}
}

// replay pushes the registry to a fresh connection: setlocals, installs,
// watches, in that order, before any parked traffic flushes.
func (c *Conn) replay(write func(line string) error) {
	if c.connects.Add(1) > 1 {
		c.metrics.RecordReconnect()
		c.logger.Info("replaying registry after reconnect")
	}
	c.metrics.RecordConnected(true)

	snap := c.reg.Snapshot()
	for _, sl := range snap.Setlocals {
		if write(codec.EncodeSetlocal(sl.Name, sl.Value)) != nil {
			return
		}
	}
	for _, in := range snap.Installs {
		if write(codec.EncodeInstall(in.Priority, in.Name, in.FilterName, in.FilterValue)) != nil {
			return
		}
	}
	for _, name := range snap.Watches {
		if write(codec.EncodeWatch(name)) != nil {
			return
		}
	}
}

// disconnected is the transport drop hook.
func (c *Conn) disconnected(err error) {
	c.metrics.RecordConnected(false)
	c.metrics.RecordQueueDepth(c.tr.QueueDepth())
	if !c.cfg.Reconnect || !c.cfg.Network() {
		// Terminal: no reconnect loop will restore this link.
		if c.onError != nil && !c.closed.Load() {
			c.onError("connection lost: " + err.Error())
		}
	}
}

// route dispatches one parsed inbound record by kind. It runs on the
// transport reader goroutine, so records are handled in strict reception
// order; handler execution moves off-loop so a slow handler cannot stall
// the reader.
func (c *Conn) route(line string) {
	m := codec.ParseLine(line)
	switch m.Kind {
	case message.KindIncoming:
		c.metrics.RecordIncoming(m.Name)
		go c.handleIncoming(m)
	case message.KindNotification:
		c.metrics.RecordNotification(m.Name)
		go c.handleNotification(m)
	case message.KindAnswer:
		c.resolve("answer/"+m.ID, m)
	case message.KindInstall:
		c.resolve("install/"+m.Name, m)
	case message.KindUninstall:
		c.resolve("uninstall/"+m.Name, m)
	case message.KindWatch:
		c.resolve("watch/"+m.Name, m)
	case message.KindUnwatch:
		c.resolve("unwatch/"+m.Name, m)
	case message.KindSetlocal:
		c.resolve("setlocal/"+m.Name, m)
	case message.KindError:
		c.metrics.RecordDecodeError()
		c.logger.Error("engine error line", "line", m.RetValue)
		if c.onError != nil {
			c.onError(m.RetValue)
		}
	}
}

// handleIncoming joins every matching handler and emits the single
// acknowledgement: when all handlers resolve, or when the acknowledgement
// deadline fires, whichever comes first. Late handler results are discarded.
func (c *Conn) handleIncoming(m *message.Message) {
	entries := c.reg.HandlersFor(m)

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.AcknowledgeTimeout)
	defer cancel()

	type outcome struct {
		handled bool
		body    *message.Message
	}
	done := make(chan outcome, 1)

	go func() {
		handled := false
		body := m
		for _, e := range entries {
			res, err := e.Handler(ctx, body)
			if err != nil {
				// A failing handler acknowledges unchanged, not handled.
				c.logger.Warn("handler failed", "message", m.Name, "error", err)
				continue
			}
			if res.IsHandled() {
				handled = true
			}
			if mutated := res.Message(); mutated != nil {
				body = mutated
			}
		}
		done <- outcome{handled: handled, body: body}
	}()

	select {
	case o := <-done:
		outcomeLabel := "unhandled"
		if o.handled {
			outcomeLabel = "handled"
		}
		c.sendAck(m, o.body, o.handled, outcomeLabel)
	case <-ctx.Done():
		c.sendAck(m, m, false, "deadline")
	}
}

// sendAck emits the acknowledgement for orig exactly once; body supplies the
// return value and parameters (the mutated message when a handler replaced
// it).
func (c *Conn) sendAck(orig, body *message.Message, handled bool, outcomeLabel string) {
	if !orig.Acknowledge() {
		return
	}
	ack := body.Clone()
	ack.ID = orig.ID
	ack.Processed = handled
	if err := c.tr.WriteLine(codec.EncodeAck(ack)); err != nil {
		c.logger.Warn("acknowledgement not sent", "id", orig.ID, "error", err)
		return
	}
	c.metrics.RecordAck(outcomeLabel)
}

// handleNotification feeds matching watchers; notifications are never
// acknowledged.
func (c *Conn) handleNotification(m *message.Message) {
	for _, e := range c.reg.WatchersFor(m) {
		e.Watch(m)
	}
}

// addWaiter registers a single-shot correlation waiter for key.
func (c *Conn) addWaiter(key string) chan *message.Message {
	ch := make(chan *message.Message, 1)
	c.wmu.Lock()
	c.waiters[key] = ch
	c.wmu.Unlock()
	return ch
}

func (c *Conn) removeWaiter(key string) {
	c.wmu.Lock()
	delete(c.waiters, key)
	c.wmu.Unlock()
}

// resolve delivers a reply to its waiter; replies nobody waits for are
// discarded.
func (c *Conn) resolve(key string, m *message.Message) {
	c.wmu.Lock()
	ch, ok := c.waiters[key]
	if ok {
		delete(c.waiters, key)
	}
	c.wmu.Unlock()
	if ok {
		ch <- m
	}
}

// await blocks until the waiter resolves, its deadline elapses, or a
// context cancels.
func (c *Conn) await(ctx context.Context, key string, ch chan *message.Message, timeout time.Duration) (*message.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case m := <-ch:
		return m, nil
	case <-timer.C:
		c.removeWaiter(key)
		return nil, errors.ErrTimeout
	case <-ctx.Done():
		c.removeWaiter(key)
		return nil, ctx.Err()
	case <-c.ctx.Done():
		c.removeWaiter(key)
		return nil, errors.ErrClosed
	}
}

// watchSignals performs the graceful SIGINT shutdown: reconnect off, socket
// closed, exit after a short grace period so the engine sees a clean close.
func (c *Conn) watchSignals() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	defer signal.Stop(sig)

	select {
	case <-c.ctx.Done():
	case s := <-sig:
		c.logger.Info("shutting down", "signal", s.String())
		c.Shutdown()
		time.Sleep(100 * time.Millisecond)
		c.exit(0)
	}
}

// Shutdown disables reconnection and closes the link.
func (c *Conn) Shutdown() {
	c.tr.SetReconnect(false)
	_ = c.Close()
}

// Terminate schedules a graceful process exit after delay. Channel mode uses
// it to end the process shortly after hangup.
func (c *Conn) Terminate(delay time.Duration) {
	time.AfterFunc(delay, func() {
		c.Shutdown()
		c.exit(0)
	})
}

// Close shuts the connection down. Outstanding waiters resolve with
// ErrClosed.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	return c.tr.Close()
}
