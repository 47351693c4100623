package registry

import (
	"context"

	"github.com/0LEG0/next-yate/message"
)

// Handler processes one incoming engine message. The returned Result drives
// the acknowledgement: Handled sets the handled flag, Mutated additionally
// replaces the acknowledged parameters, Ignored leaves the message as
// received. A handler error is treated as Ignored and logged by the router;
// it never propagates.
type Handler func(ctx context.Context, m *message.Message) (Result, error)

// WatchFunc observes a notification for a message handled elsewhere. No
// acknowledgement is produced for notifications.
type WatchFunc func(m *message.Message)

type resultKind int

const (
	resultIgnored resultKind = iota
	resultHandled
	resultMutated
)

// Result is the tagged outcome of a Handler.
type Result struct {
	kind    resultKind
	handled bool
	msg     *message.Message
}

// Handled reports the handled flag without touching the message.
func Handled(v bool) Result {
	return Result{kind: resultHandled, handled: v}
}

// Mutated marks the message handled and substitutes m — its return value and
// parameters replace the original in the acknowledgement.
func Mutated(m *message.Message) Result {
	return Result{kind: resultMutated, handled: true, msg: m}
}

// Ignored acknowledges the message unchanged and not handled.
func Ignored() Result {
	return Result{kind: resultIgnored}
}

// IsHandled reports whether the result sets the handled flag.
func (r Result) IsHandled() bool {
	return r.handled
}

// Message returns the substituted message for Mutated results, nil otherwise.
func (r Result) Message() *message.Message {
	if r.kind != resultMutated {
		return nil
	}
	return r.msg
}
