package client

import (
	"time"

	"github.com/capitalize-ai/direct-messaging/internal/model"
)

// State is the local lifecycle of a message as the client sees it.
type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateDelivered State = "delivered"
	StateRead      State = "read"
	StateFailed    State = "failed"
)

func (s State) rank() int {
	switch s {
	case StateConfirmed:
		return 1
	case StateDelivered:
		return 2
	case StateRead:
		return 3
	default:
		return 0
	}
}

// stateFor maps a server status onto the local state machine.
func stateFor(status model.Status) State {
	switch status {
	case model.StatusDelivered:
		return StateDelivered
	case model.StatusRead:
		return StateRead
	default:
		return StateConfirmed
	}
}

// Entry is one message in a conversation view: either an optimistic local
// entry awaiting the server or a message the server confirmed.
type Entry struct {
	LocalID   string
	Message   model.Message
	State     State
	Err       error
	Retryable bool
	QueuedAt  time.Time

	recipient string
}

// Confirmed reports whether the server has assigned the entry an ID and seq.
func (e *Entry) Confirmed() bool {
	return e.State.rank() > 0
}

// advance moves the entry forward to next, never backward.
func (e *Entry) advance(next State) bool {
	if next.rank() <= e.State.rank() {
		return false
	}
	e.State = next
	e.Err = nil
	e.Retryable = false
	return true
}

// confirm binds a pending or failed entry to its server message.
func (e *Entry) confirm(msg *model.Message) {
	e.Message = *msg
	e.Err = nil
	e.Retryable = false
	if next := stateFor(msg.Status); next.rank() > e.State.rank() {
		e.State = next
	}
}
