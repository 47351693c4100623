// Package channel is the per-call-leg abstraction layered on a connection.
//
// A Channel tracks one call leg through its lifecycle
// (incoming → ringing → answered → dropped or hangup) and sequences the
// chan.attach and call.* interactions: media attach with notification
// tracking (CallTo), redirect (CallJust), progress signalling (Ringing,
// Progress, Answered), and teardown (Hangup). Every suspending operation
// honors a single per-channel Reset signal that cancels in-flight waits.
package channel

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/0LEG0/next-yate/errors"
	"github.com/0LEG0/next-yate/extmodule"
	"github.com/0LEG0/next-yate/message"
	"github.com/0LEG0/next-yate/registry"

	"github.com/google/uuid"
)

// Status is the call-leg state.
type Status int

// Call-leg states.
const (
	StatusIncoming Status = iota
	StatusRinging
	StatusAnswered
	StatusDropped
	StatusHangup
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case StatusIncoming:
		return "incoming"
	case StatusRinging:
		return "ringing"
	case StatusAnswered:
		return "answered"
	case StatusDropped:
		return "dropped"
	case StatusHangup:
		return "hangup"
	default:
		return "unknown"
	}
}

// DefaultRecordMaxlen is the recording length cap in milliseconds when the
// caller gives none.
const DefaultRecordMaxlen = "180000"

// dtmfUnit is the per-digit playback allowance for tone/dtmf targets.
const dtmfUnit = 250 * time.Millisecond

// Channel is one call leg.
type Channel struct {
	conn *extmodule.Conn

	mu          sync.Mutex
	id          string
	peerID      string
	status      Status
	ready       bool
	resetC      chan struct{}
	channelMode bool

	seed *message.Message
}

// New creates a channel from an incoming call.route or call.execute message
// and installs its lifetime watchers: chan.notify filtered by the channel id
// keeps per-channel subscriptions alive, and chan.hangup filtered by the
// channel id tears the leg down.
func New(ctx context.Context, conn *extmodule.Conn, seed *message.Message) (*Channel, error) {
	if conn == nil || seed == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument, "Channel", "New", "connection and seed message required")
	}
	if seed.Name != "call.route" && seed.Name != "call.execute" {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument, "Channel", "New", "seed must be call.route or call.execute")
	}
	id := seed.Params["id"]
	if id == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument, "Channel", "New", "seed carries no channel id")
	}

	ch := &Channel{
		conn:   conn,
		id:     id,
		peerID: seed.Params["targetid"],
		status: StatusIncoming,
		resetC: make(chan struct{}),
		seed:   seed,
	}
	if err := ch.installLifetimeWatchers(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}

func (ch *Channel) installLifetimeWatchers(ctx context.Context) error {
	idFilter := "^" + regexp.QuoteMeta(ch.id) + "$"
	if _, err := ch.conn.Watch(ctx, "chan.notify", func(*message.Message) {}, extmodule.WithFilter("id", idFilter)); err != nil {
		return errors.Wrap(err, "Channel", "New", "watch chan.notify")
	}
	if _, err := ch.conn.Watch(ctx, "chan.hangup", ch.onHangup, extmodule.WithFilter("id", idFilter)); err != nil {
		return errors.Wrap(err, "Channel", "New", "watch chan.hangup")
	}
	return nil
}

// onHangup flips the leg into its terminal state, sheds every registry entry
// filtered on this channel id, and cancels in-flight operations.
func (ch *Channel) onHangup(*message.Message) {
	ch.mu.Lock()
	ch.ready = false
	ch.status = StatusHangup
	close(ch.resetC)
	ch.resetC = make(chan struct{})
	ch.mu.Unlock()

	// The channel's own entries carry the anchored expression; entries
	// registered with the bare id go too.
	ch.conn.ReleaseFilter("id", "^"+regexp.QuoteMeta(ch.id)+"$")
	ch.conn.ReleaseFilter("id", ch.id)
}

// Init completes channel setup. A notification-form call.execute seed is
// ready immediately; a call.route seed waits for the engine's call.execute
// on this channel id and takes the peer from it. Init does not change the
// call-leg status.
func (ch *Channel) Init(ctx context.Context) error {
	ch.mu.Lock()
	seed := ch.seed
	ch.mu.Unlock()

	if seed.Name == "call.execute" && seed.Kind == message.KindNotification {
		ch.mu.Lock()
		ch.ready = true
		if tid := seed.Params["targetid"]; tid != "" {
			ch.peerID = tid
		}
		ch.mu.Unlock()
		return nil
	}

	idFilter := "^" + regexp.QuoteMeta(ch.id) + "$"
	executed := make(chan *message.Message, 1)
	if _, err := ch.conn.Watch(ctx, "call.execute", func(m *message.Message) {
		select {
		case executed <- m:
		default:
		}
	}, extmodule.WithFilter("id", idFilter)); err != nil {
		return errors.Wrap(err, "Channel", "Init", "watch call.execute")
	}
	defer func() {
		_, _ = ch.conn.Unwatch(context.WithoutCancel(ctx), "call.execute", extmodule.WithFilter("id", idFilter))
	}()

	reset := ch.resetChan()
	select {
	case m := <-executed:
		ch.mu.Lock()
		ch.ready = true
		if peer := m.Params.GetDefault("peerid", m.Params["targetid"]); peer != "" {
			ch.peerID = peer
		}
		ch.mu.Unlock()
		return nil
	case <-reset:
		return errors.ErrReset
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ID returns the channel id.
func (ch *Channel) ID() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.id
}

// PeerID returns the peer channel id.
func (ch *Channel) PeerID() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.peerID
}

// Status returns the call-leg state.
func (ch *Channel) Status() Status {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.status
}

// Ready reports whether the leg is initialized and not hung up.
func (ch *Channel) Ready() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.ready
}

// Reset cancels every in-flight channel operation; their waiters fail with
// ErrReset and their timers are released.
func (ch *Channel) Reset() {
	ch.mu.Lock()
	close(ch.resetC)
	ch.resetC = make(chan struct{})
	ch.mu.Unlock()
}

func (ch *Channel) resetChan() <-chan struct{} {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.resetC
}

func (ch *Channel) gone() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.status == StatusHangup || ch.status == StatusDropped
}

// CallTo attaches a media endpoint to the leg through a chan.masquerade
// wrapping chan.attach, and resolves with the first chan.notify carrying the
// attach's unique notify target. Three target families:
//
//   - wave/record/...: record from the peer into dst;
//   - tone/dtmf/... and tone/dtmfstr/...: tone override on this channel, no
//     notification wait, resolved after the computed playback time;
//   - anything else (wave/play/..., tone/...): play dst toward the peer.
//
// Without a notification the operation resolves with a synthesized
// reason=eof record after params["timeout"] ms (default the call timeout).
// A Reset cancels the wait with ErrReset.
func (ch *Channel) CallTo(ctx context.Context, dst string, params message.Params) (*message.Message, error) {
	if ch.gone() {
		return nil, errors.ErrChannelGone
	}
	if params == nil {
		params = message.Params{}
	}

	targetid := fmt.Sprintf("%s-notify/%d", ch.conn.Config().TrackName, message.Nonce())
	attach := message.Params{
		"message": "chan.attach",
		"notify":  targetid,
	}

	isDTMF := strings.HasPrefix(dst, "tone/dtmf")
	switch {
	case strings.HasPrefix(dst, "wave/record"):
		attach["id"] = ch.PeerID()
		attach["consumer"] = dst
		attach["source"] = "wave/play/-"
		attach["maxlen"] = params.GetDefault("maxlen", DefaultRecordMaxlen)
	case isDTMF:
		// Tones override the primary channel, not the peer.
		attach["id"] = ch.ID()
		attach["override"] = dst
	default:
		attach["id"] = ch.PeerID()
		attach["source"] = dst
		attach["consumer"] = "wave/record/-"
	}
	for k, v := range params {
		switch k {
		case "message", "notify", "id", "timeout":
		default:
			attach[k] = v
		}
	}

	reset := ch.resetChan()
	masq := message.New("chan.masquerade", "", attach)

	if isDTMF {
		if _, err := ch.conn.Dispatch(ctx, masq); err != nil {
			return nil, errors.Wrap(err, "Channel", "CallTo", "dispatch attach")
		}
		wait := dtmfUnit
		if digits := strings.TrimPrefix(dst, "tone/dtmfstr/"); digits != dst && digits != "" {
			wait = time.Duration(len(digits)) * dtmfUnit
		}
		if ms := params.GetInt("timeout", 0); ms > 0 {
			wait = time.Duration(ms) * time.Millisecond
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
			return eofNotification(targetid), nil
		case <-reset:
			return nil, errors.ErrReset
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	notifyFilter := "^" + regexp.QuoteMeta(targetid) + "$"
	notified := make(chan *message.Message, 1)
	if _, err := ch.conn.Watch(ctx, "chan.notify", func(m *message.Message) {
		select {
		case notified <- m:
		default:
		}
	}, extmodule.WithFilter("targetid", notifyFilter)); err != nil {
		return nil, errors.Wrap(err, "Channel", "CallTo", "watch notify target")
	}
	defer func() {
		_, _ = ch.conn.Unwatch(context.WithoutCancel(ctx), "chan.notify", extmodule.WithFilter("targetid", notifyFilter))
	}()

	if _, err := ch.conn.Dispatch(ctx, masq); err != nil {
		return nil, errors.Wrap(err, "Channel", "CallTo", "dispatch attach")
	}

	wait := ch.conn.Config().CallTimeout
	if ms := params.GetInt("timeout", 0); ms > 0 {
		wait = time.Duration(ms) * time.Millisecond
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case n := <-notified:
		return n, nil
	case <-timer.C:
		return eofNotification(targetid), nil
	case <-reset:
		return nil, errors.ErrReset
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func eofNotification(targetid string) *message.Message {
	return &message.Message{
		Kind: message.KindNotification,
		Name: "chan.notify",
		Params: message.Params{
			"targetid": targetid,
			"reason":   "eof",
		},
	}
}

// CallJust redirects the leg to a new target through a chan.masquerade
// wrapping call.execute, taking the peer from the answer. In channel mode a
// successful redirect is terminal: the process exits shortly after.
func (ch *Channel) CallJust(ctx context.Context, dst string, params message.Params) (*message.Message, error) {
	if ch.gone() {
		return nil, errors.ErrChannelGone
	}
	p := message.Params{}
	for k, v := range params {
		p[k] = v
	}
	p["message"] = "call.execute"
	p["id"] = ch.ID()
	p["callto"] = dst

	answer, err := ch.conn.Dispatch(ctx, message.New("chan.masquerade", "", p))
	if err != nil {
		return nil, errors.Wrap(err, "Channel", "CallJust", "dispatch redirect")
	}

	ch.mu.Lock()
	if peer := answer.Params.GetDefault("peerid", answer.Params["targetid"]); peer != "" {
		ch.peerID = peer
	}
	mode := ch.channelMode
	ch.mu.Unlock()

	if mode && answer.Processed {
		ch.conn.Terminate(100 * time.Millisecond)
	}
	return answer, nil
}

// Ringing signals early media / alerting upstream.
func (ch *Channel) Ringing(ctx context.Context, params message.Params) error {
	return ch.signal(ctx, "call.ringing", params)
}

// Progress signals call progress upstream.
func (ch *Channel) Progress(ctx context.Context, params message.Params) error {
	return ch.signal(ctx, "call.progress", params)
}

// Answered signals the call as answered and forces the state accordingly.
func (ch *Channel) Answered(ctx context.Context, params message.Params) error {
	return ch.signal(ctx, "call.answered", params)
}

func (ch *Channel) signal(ctx context.Context, name string, params message.Params) error {
	if ch.gone() {
		return errors.ErrChannelGone
	}
	p := message.Params{}
	for k, v := range params {
		p[k] = v
	}
	p["message"] = name
	p["id"] = ch.ID()
	if peer := ch.PeerID(); peer != "" {
		p["targetid"] = peer
	}

	if _, err := ch.conn.Dispatch(ctx, message.New("chan.masquerade", "", p)); err != nil {
		return errors.Wrap(err, "Channel", "signal", "dispatch "+name)
	}

	ch.mu.Lock()
	if name == "call.answered" {
		ch.status = StatusAnswered
	} else if ch.status != StatusAnswered {
		ch.status = StatusRinging
	}
	ch.mu.Unlock()
	return nil
}

// Hangup drops the leg with the given reason. In channel mode the process
// exits shortly after.
func (ch *Channel) Hangup(ctx context.Context, reason string) error {
	p := message.Params{"id": ch.ID()}
	if reason != "" {
		p["reason"] = reason
	}
	if _, err := ch.conn.Dispatch(ctx, message.New("call.drop", "", p)); err != nil {
		return errors.Wrap(err, "Channel", "Hangup", "dispatch call.drop")
	}

	ch.mu.Lock()
	ch.status = StatusDropped
	ch.ready = false
	mode := ch.channelMode
	ch.mu.Unlock()

	if mode {
		ch.conn.Terminate(100 * time.Millisecond)
	}
	return nil
}

// FromConnection turns a stdio connection launched by the engine into a
// single synthetic channel: it captures the engine-originated call.execute
// with a one-shot priority-0 handler, answers it with its own synthetic
// peer id, and returns the initialized channel. Hangup and a successful
// CallJust terminate the process shortly after.
func FromConnection(ctx context.Context, conn *extmodule.Conn) (*Channel, error) {
	if conn == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidArgument, "Channel", "FromConnection", "connection required")
	}

	peerID := fmt.Sprintf("%s/%s", conn.Config().TrackName, uuid.NewString())
	captured := make(chan *message.Message, 1)

	ok, err := conn.Install(ctx, "call.execute", func(_ context.Context, m *message.Message) (registry.Result, error) {
		select {
		case captured <- m:
		default:
			return registry.Ignored(), nil
		}
		out := m.Clone()
		out.Params["targetid"] = peerID
		return registry.Mutated(out), nil
	}, extmodule.WithPriority(0))
	if err != nil {
		return nil, errors.Wrap(err, "Channel", "FromConnection", "install call.execute")
	}
	if !ok {
		return nil, errors.Wrap(errors.ErrRejected, "Channel", "FromConnection", "install call.execute")
	}

	var seed *message.Message
	select {
	case seed = <-captured:
	case <-ctx.Done():
		_, _ = conn.Uninstall(context.WithoutCancel(ctx), "call.execute")
		return nil, ctx.Err()
	}
	// One-shot: the capture handler goes away once the call arrived.
	_, _ = conn.Uninstall(ctx, "call.execute")

	ch := &Channel{
		conn:        conn,
		id:          seed.Params["id"],
		peerID:      peerID,
		status:      StatusIncoming,
		ready:       true,
		resetC:      make(chan struct{}),
		channelMode: true,
		seed:        seed,
	}
	if ch.id == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidMessage, "Channel", "FromConnection", "call.execute carries no channel id")
	}
	if err := ch.installLifetimeWatchers(ctx); err != nil {
		return nil, err
	}
	return ch, nil
}
