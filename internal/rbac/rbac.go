package rbac

type Role string
type Action string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

const (
	ActionRead           Action = "read"
	ActionMessage        Action = "message"
	ActionRequestClosure Action = "request_closure"
	ActionRespondClosure Action = "respond_closure"
	ActionCloseThread    Action = "close_thread"
	ActionModerate       Action = "moderate"
	ActionAdmin          Action = "admin"
)

// Can answers role-level questions only. Ownership of a quotation is checked
// by the caller.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		// admins never answer a closure request on the customer's behalf
		return action != ActionRespondClosure
	case RoleUser:
		return action == ActionRead || action == ActionMessage || action == ActionRespondClosure
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleUser, RoleAdmin:
		return Role(role)
	default:
		return RoleUser
	}
}
