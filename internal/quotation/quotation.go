// Package quotation holds the quotation domain vocabulary and the thread
// closure protocol.
package quotation

// Status is the commercial lifecycle of a quotation. It moves independently
// of ThreadStatus: an accepted quotation may keep an active thread.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusQuoted     Status = "quoted"
	StatusAccepted   Status = "accepted"
	StatusRejected   Status = "rejected"
	StatusExpired    Status = "expired"
	StatusClosed     Status = "closed"
	StatusRevised    Status = "revised"
)

var statuses = []Status{
	StatusDraft,
	StatusPending,
	StatusProcessing,
	StatusQuoted,
	StatusAccepted,
	StatusRejected,
	StatusExpired,
	StatusClosed,
	StatusRevised,
}

// ParseStatus reports whether value names a known commercial status.
func ParseStatus(value string) (Status, bool) {
	for _, status := range statuses {
		if string(status) == value {
			return status, true
		}
	}
	return "", false
}

// Statuses returns every commercial status in lifecycle order.
func Statuses() []Status {
	out := make([]Status, len(statuses))
	copy(out, statuses)
	return out
}

// ThreadStatus is the communication lifecycle of a quotation's thread.
type ThreadStatus string

const (
	ThreadActive                 ThreadStatus = "active"
	ThreadAwaitingUserPermission ThreadStatus = "awaiting_user_permission"
	ThreadUserApprovedClosure    ThreadStatus = "user_approved_closure"
	ThreadClosed                 ThreadStatus = "closed"
)

var threadStatuses = []ThreadStatus{
	ThreadActive,
	ThreadAwaitingUserPermission,
	ThreadUserApprovedClosure,
	ThreadClosed,
}

func ParseThreadStatus(value string) (ThreadStatus, bool) {
	for _, status := range threadStatuses {
		if string(status) == value {
			return status, true
		}
	}
	return "", false
}

func ThreadStatuses() []ThreadStatus {
	out := make([]ThreadStatus, len(threadStatuses))
	copy(out, threadStatuses)
	return out
}

// CanPost reports whether new messages may be appended to a thread.
func CanPost(status ThreadStatus) bool {
	return status != ThreadClosed
}

// MessageType tags every thread message. All types except MessageText and
// MessageSystemNotification are emitted only by protocol transitions.
type MessageType string

const (
	MessageText                      MessageType = "message"
	MessageSystemNotification        MessageType = "system_notification"
	MessageClosureRequest            MessageType = "closure_request"
	MessageClosurePermissionGranted  MessageType = "closure_permission_granted"
	MessageClosurePermissionRejected MessageType = "closure_permission_rejected"
	MessageThreadClosed              MessageType = "thread_closed"
)

func ParseMessageType(value string) (MessageType, bool) {
	switch MessageType(value) {
	case MessageText,
		MessageSystemNotification,
		MessageClosureRequest,
		MessageClosurePermissionGranted,
		MessageClosurePermissionRejected,
		MessageThreadClosed:
		return MessageType(value), true
	default:
		return "", false
	}
}

// Role identifies which side of the thread an actor is on.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func ParseRole(value string) (Role, bool) {
	switch Role(value) {
	case RoleUser, RoleAdmin:
		return Role(value), true
	default:
		return "", false
	}
}

// CanAuthor reports whether role may post a message of type t directly.
func CanAuthor(role Role, t MessageType) bool {
	switch t {
	case MessageText:
		return role == RoleUser || role == RoleAdmin
	case MessageSystemNotification:
		return role == RoleAdmin
	default:
		return false
	}
}
