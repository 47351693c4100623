// Package nextyate connects an application process to the external-module
// interface of the YATE telephony engine.
//
// The module is organized as small packages, one per concern:
//
//   - codec: the wire codec for the external-module line protocol — the
//     percent escape scheme, line parsing into tagged message records, and
//     serialization of outbound commands.
//   - message: the message record and its parameter bag, including dotted-key
//     nesting, boolean coding, and the underscore convention for internal
//     keys that never reach the wire.
//   - transport: the byte layer — stdin/stdout or a TCP/UNIX stream socket,
//     a single-writer outbound path, a bounded offline queue, and the
//     reconnect loop.
//   - registry: tables of installed handlers, watchers, and setlocal values;
//     the authoritative state replayed to the engine after every reconnect.
//   - extmodule: the connection itself — the router that dispatches inbound
//     records to correlation waiters, handlers, and watchers, the
//     acknowledgement engine, and the request operations (install,
//     uninstall, watch, unwatch, setlocal, dispatch, enqueue, output).
//   - channel: a per-call-leg state machine layered on the connection,
//     sequencing chan.attach and call.* interactions with cancellation.
//   - config: connection knobs with defaults, validation, and environment
//     loading.
//   - metric: optional Prometheus instrumentation.
//   - errors: standard error variables and wrapping helpers shared by all
//     packages.
//
// # Quick start
//
// Connect to an engine over TCP, install a route handler, and answer calls:
//
//	cfg := config.Default()
//	cfg.Host = "127.0.0.1"
//
//	conn, err := extmodule.Connect(ctx, cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer conn.Close()
//
//	_, err = conn.Install(ctx, "call.route", func(ctx context.Context, m *message.Message) (registry.Result, error) {
//		m.RetValue = "tone/ring"
//		return registry.Mutated(m), nil
//	})
//
// A process launched by the engine with its stdio attached uses the same
// API with no host configured; the transport then runs over stdin/stdout
// and reconnection is disabled.
//
// # Lifetime guarantees
//
// Every incoming message is acknowledged exactly once, within the
// acknowledgement deadline even if handlers stall. Outbound lines keep their
// submission order across disconnects: while the socket is down they are
// parked in a bounded FIFO and flushed after the registry has been replayed
// to the engine, so the engine-visible set of installs, watches, and
// setlocals always matches the registry.
package nextyate
