package extmodule

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/0LEG0/next-yate/codec"
	"github.com/0LEG0/next-yate/errors"
	"github.com/0LEG0/next-yate/message"
	"github.com/0LEG0/next-yate/registry"
)

// DefaultPriority is the handler priority used when none is given.
const DefaultPriority = 100

type callOptions struct {
	priority    int
	filterName  string
	filterValue string
}

// CallOption adjusts an install, uninstall, watch, or unwatch call.
type CallOption func(*callOptions)

// WithPriority sets the handler priority in [0,100]. Priority is a per-name
// property; changing it forces an engine-side uninstall/install round trip.
func WithPriority(p int) CallOption {
	return func(o *callOptions) {
		o.priority = p
	}
}

// WithFilter restricts the handler or watcher to messages whose parameter
// name matches the regular expression value.
func WithFilter(name, value string) CallOption {
	return func(o *callOptions) {
		o.filterName = name
		o.filterValue = value
	}
}

func applyOptions(opts []CallOption) callOptions {
	o := callOptions{priority: DefaultPriority}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Install registers h for engine messages named name and advertises the
// subscription to the engine. It returns true when the handler is active:
// either the engine confirmed the subscription, or one already existed for
// this name and no engine-side change was necessary. A negative engine
// reply rolls the optimistic registry entry back; a timeout keeps it, since
// the reconnect replay re-advertises it.
func (c *Conn) Install(ctx context.Context, name string, h registry.Handler, opts ...CallOption) (bool, error) {
	if c.closed.Load() {
		return false, errors.ErrClosed
	}
	o := applyOptions(opts)

	installNeeded, priorityChanged, err := c.reg.AddHandler(name, o.priority, o.filterName, o.filterValue, h)
	if err != nil {
		return false, err
	}
	if !installNeeded && !priorityChanged {
		return true, nil
	}

	if priorityChanged {
		// Replace the engine-side subscription: uninstall, then install with
		// the new priority. The uninstall outcome is advisory.
		ch := c.addWaiter("uninstall/" + name)
		if err := c.tr.WriteLine(codec.EncodeUninstall(name)); err != nil {
			c.removeWaiter("uninstall/" + name)
			return false, errors.WrapTransient(err, "Conn", "Install", "replace subscription")
		}
		_, _ = c.await(ctx, "uninstall/"+name, ch, c.cfg.DispatchTimeout)
	}

	key := "install/" + name
	ch := c.addWaiter(key)
	if err := c.tr.WriteLine(codec.EncodeInstall(o.priority, name, o.filterName, o.filterValue)); err != nil {
		c.removeWaiter(key)
		c.reg.RollbackHandler(name, o.filterName, o.filterValue)
		return false, errors.WrapTransient(err, "Conn", "Install", "send install")
	}

	rep, err := c.await(ctx, key, ch, c.cfg.DispatchTimeout)
	if err != nil {
		return false, errors.Wrap(err, "Conn", "Install", "await reply")
	}
	if !rep.Processed {
		c.reg.RollbackHandler(name, o.filterName, o.filterValue)
		return false, nil
	}
	return true, nil
}

// Uninstall removes handler entries for name — all of them, or only the
// (filterName, filterValue) row when WithFilter is given. The engine-side
// subscription is dropped only when no entries remain for the name;
// otherwise Uninstall resolves false with the subscription retained.
func (c *Conn) Uninstall(ctx context.Context, name string, opts ...CallOption) (bool, error) {
	if c.closed.Load() {
		return false, errors.ErrClosed
	}
	o := applyOptions(opts)

	removed, remaining := c.reg.RemoveHandlers(name, o.filterName, o.filterValue)
	if removed == 0 || remaining > 0 {
		return false, nil
	}

	key := "uninstall/" + name
	ch := c.addWaiter(key)
	if err := c.tr.WriteLine(codec.EncodeUninstall(name)); err != nil {
		c.removeWaiter(key)
		return false, errors.WrapTransient(err, "Conn", "Uninstall", "send uninstall")
	}
	rep, err := c.await(ctx, key, ch, c.cfg.DispatchTimeout)
	if err != nil {
		return false, errors.Wrap(err, "Conn", "Uninstall", "await reply")
	}
	return rep.Processed, nil
}

// Watch registers w for notifications named name. Same shape as Install but
// without priority; the engine verb is %%>watch.
func (c *Conn) Watch(ctx context.Context, name string, w registry.WatchFunc, opts ...CallOption) (bool, error) {
	if c.closed.Load() {
		return false, errors.ErrClosed
	}
	o := applyOptions(opts)

	watchNeeded, err := c.reg.AddWatcher(name, o.filterName, o.filterValue, w)
	if err != nil {
		return false, err
	}
	if !watchNeeded {
		return true, nil
	}

	key := "watch/" + name
	ch := c.addWaiter(key)
	if err := c.tr.WriteLine(codec.EncodeWatch(name)); err != nil {
		c.removeWaiter(key)
		c.reg.RollbackWatcher(name, o.filterName, o.filterValue)
		return false, errors.WrapTransient(err, "Conn", "Watch", "send watch")
	}
	rep, err := c.await(ctx, key, ch, c.cfg.DispatchTimeout)
	if err != nil {
		return false, errors.Wrap(err, "Conn", "Watch", "await reply")
	}
	if !rep.Processed {
		c.reg.RollbackWatcher(name, o.filterName, o.filterValue)
		return false, nil
	}
	return true, nil
}

// Unwatch removes watcher entries for name with Uninstall's matching rules.
func (c *Conn) Unwatch(ctx context.Context, name string, opts ...CallOption) (bool, error) {
	if c.closed.Load() {
		return false, errors.ErrClosed
	}
	o := applyOptions(opts)

	removed, remaining := c.reg.RemoveWatchers(name, o.filterName, o.filterValue)
	if removed == 0 || remaining > 0 {
		return false, nil
	}

	key := "unwatch/" + name
	ch := c.addWaiter(key)
	if err := c.tr.WriteLine(codec.EncodeUnwatch(name)); err != nil {
		c.removeWaiter(key)
		return false, errors.WrapTransient(err, "Conn", "Unwatch", "send unwatch")
	}
	rep, err := c.await(ctx, key, ch, c.cfg.DispatchTimeout)
	if err != nil {
		return false, errors.Wrap(err, "Conn", "Unwatch", "await reply")
	}
	return rep.Processed, nil
}

// SetLocal sets an engine-side connection parameter and stores it for
// replay after reconnect. The engine-reported value is returned.
func (c *Conn) SetLocal(ctx context.Context, name, value string) (string, error) {
	if c.closed.Load() {
		return "", errors.ErrClosed
	}
	if name == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidArgument, "Conn", "SetLocal", "name is required")
	}

	key := "setlocal/" + name
	ch := c.addWaiter(key)
	if err := c.tr.WriteLine(codec.EncodeSetlocal(name, value)); err != nil {
		c.removeWaiter(key)
		return "", errors.WrapTransient(err, "Conn", "SetLocal", "send setlocal")
	}
	rep, err := c.await(ctx, key, ch, c.cfg.DispatchTimeout)
	if err != nil {
		return "", errors.Wrap(err, "Conn", "SetLocal", "await reply")
	}
	if !rep.Processed {
		return "", errors.Wrap(errors.ErrRejected, "Conn", "SetLocal", "apply "+name)
	}
	if value != "" {
		c.reg.SetLocal(name, rep.RetValue)
	}
	return rep.RetValue, nil
}

// GetLocal reads an engine-side parameter without changing it.
func (c *Conn) GetLocal(ctx context.Context, name string) (string, error) {
	return c.SetLocal(ctx, name, "")
}

// Enqueue submits an outgoing message without waiting for an answer.
func (c *Conn) Enqueue(m *message.Message) error {
	if c.closed.Load() {
		return errors.ErrClosed
	}
	if m == nil || m.Kind != message.KindOutgoing || m.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidMessage, "Conn", "Enqueue", "outgoing message required")
	}
	return c.tr.WriteLine(codec.EncodeMessage(m, false))
}

// Dispatch submits an outgoing message and waits for its answer. On timeout
// the original message comes back with Processed=false and no error — the
// quiet resolution the acknowledgement machinery depends on — and a late
// engine answer is discarded.
func (c *Conn) Dispatch(ctx context.Context, m *message.Message) (*message.Message, error) {
	if c.closed.Load() {
		return nil, errors.ErrClosed
	}
	if m == nil || m.Kind != message.KindOutgoing || m.ID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidMessage, "Conn", "Dispatch", "outgoing message required")
	}

	key := "answer/" + m.ID
	ch := c.addWaiter(key)
	start := time.Now()
	if err := c.tr.WriteLine(codec.EncodeMessage(m, false)); err != nil {
		c.removeWaiter(key)
		return nil, errors.WrapTransient(err, "Conn", "Dispatch", "send message")
	}

	rep, err := c.await(ctx, key, ch, c.cfg.DispatchTimeout)
	if err != nil {
		if errors.Is(err, errors.ErrTimeout) {
			m.Processed = false
			return m, nil
		}
		return nil, errors.Wrap(err, "Conn", "Dispatch", "await answer")
	}
	c.metrics.ObserveDispatch(time.Since(start))
	if rep.Name == "" {
		rep.Name = m.Name
	}
	return rep, nil
}

// Acknowledge emits an explicit early acknowledgement of an incoming
// message, with its current return value, handled flag, and parameters. The
// router's later acknowledgement attempt then becomes a no-op.
func (c *Conn) Acknowledge(m *message.Message) error {
	if c.closed.Load() {
		return errors.ErrClosed
	}
	if m == nil || m.Kind != message.KindIncoming {
		return errors.WrapInvalid(errors.ErrInvalidMessage, "Conn", "Acknowledge", "incoming message required")
	}
	if !m.Acknowledge() {
		return nil
	}
	if err := c.tr.WriteLine(codec.EncodeAck(m)); err != nil {
		return errors.WrapTransient(err, "Conn", "Acknowledge", "send acknowledgement")
	}
	c.metrics.RecordAck("explicit")
	return nil
}

// Output forwards text to the engine log, one %%>output line per input
// line.
func (c *Conn) Output(text string) error {
	if c.closed.Load() {
		return errors.ErrClosed
	}
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}
		if err := c.tr.WriteLine(codec.EncodeOutput(line)); err != nil {
			return err
		}
	}
	return nil
}

// environmentKeys is the fixed set of engine.* parameters Environment reads.
var environmentKeys = []string{
	"version", "release", "nodename", "runid", "configname",
	"sharedpath", "configpath", "cfgsuffix", "modulepath", "modsuffix",
	"logfile", "clientmode", "supervised", "maxworkers",
}

// Environment reads the engine environment through parallel setlocal
// queries and returns it as a dictionary keyed by the bare parameter names.
func (c *Conn) Environment(ctx context.Context) (map[string]string, error) {
	results := make([]string, len(environmentKeys))

	g, gctx := errgroup.WithContext(ctx)
	for i, key := range environmentKeys {
		i, key := i, key
		g.Go(func() error {
			v, err := c.GetLocal(gctx, "engine."+key)
			if err != nil {
				return err
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "Conn", "Environment", "read engine parameters")
	}

	env := make(map[string]string, len(environmentKeys))
	for i, key := range environmentKeys {
		env[key] = results[i]
	}
	return env, nil
}

// ReleaseFilter removes every handler and watcher whose filter is exactly
// (filterName, filterValue). Channels use it on hangup to shed per-call
// subscriptions.
func (c *Conn) ReleaseFilter(filterName, filterValue string) int {
	return c.reg.RemoveByFilter(filterName, filterValue)
}
