package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	// ActionRead covers presence, session listings and history.
	ActionRead Action = "read"
	// ActionCollaborate covers starting, joining and sending into sessions.
	ActionCollaborate Action = "collaborate"
	// ActionModerate allows force-ending sessions owned by someone else.
	ActionModerate Action = "moderate"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionCollaborate
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
