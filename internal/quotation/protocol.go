package quotation

import (
	"errors"
	"fmt"
)

// ErrInvalidState is returned when an event is not legal from the current
// thread status.
var ErrInvalidState = errors.New("invalid thread state")

// Event is a closure protocol trigger.
type Event int

const (
	EventRequestClosure Event = iota + 1
	EventGrantPermission
	EventRejectClosure
	EventCloseThread
)

// Events lists every protocol event.
func Events() []Event {
	return []Event{EventRequestClosure, EventGrantPermission, EventRejectClosure, EventCloseThread}
}

func (e Event) String() string {
	switch e {
	case EventRequestClosure:
		return "request_closure"
	case EventGrantPermission:
		return "grant_permission"
	case EventRejectClosure:
		return "reject_closure"
	case EventCloseThread:
		return "close_thread"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// Edge describes the single legal transition for an event.
type Edge struct {
	From ThreadStatus
	To   ThreadStatus
	// Actor is the role allowed to fire the event.
	Actor Role
	// OwnerOnly requires the actor to be the quotation's customer.
	OwnerOnly bool
	Message   MessageType
}

// EdgeFor returns the transition definition for e.
func EdgeFor(e Event) (Edge, bool) {
	switch e {
	case EventRequestClosure:
		return Edge{
			From:    ThreadActive,
			To:      ThreadAwaitingUserPermission,
			Actor:   RoleAdmin,
			Message: MessageClosureRequest,
		}, true
	case EventGrantPermission:
		return Edge{
			From:      ThreadAwaitingUserPermission,
			To:        ThreadUserApprovedClosure,
			Actor:     RoleUser,
			OwnerOnly: true,
			Message:   MessageClosurePermissionGranted,
		}, true
	case EventRejectClosure:
		return Edge{
			From:      ThreadAwaitingUserPermission,
			To:        ThreadActive,
			Actor:     RoleUser,
			OwnerOnly: true,
			Message:   MessageClosurePermissionRejected,
		}, true
	case EventCloseThread:
		return Edge{
			From:    ThreadUserApprovedClosure,
			To:      ThreadClosed,
			Actor:   RoleAdmin,
			Message: MessageThreadClosed,
		}, true
	default:
		return Edge{}, false
	}
}

// Next returns the thread status reached by firing e from current.
func Next(current ThreadStatus, e Event) (ThreadStatus, error) {
	edge, ok := EdgeFor(e)
	if !ok {
		return current, fmt.Errorf("%w: unknown event %s", ErrInvalidState, e)
	}
	if current != edge.From {
		return current, fmt.Errorf("%w: cannot %s from %s", ErrInvalidState, e, current)
	}
	return edge.To, nil
}

// Authorize checks that an actor may fire e on a quotation owned by ownerID.
func Authorize(e Event, role Role, actorID, ownerID string) bool {
	edge, ok := EdgeFor(e)
	if !ok || role != edge.Actor {
		return false
	}
	if edge.OwnerOnly {
		return actorID != "" && actorID == ownerID
	}
	return true
}
