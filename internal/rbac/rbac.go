// Package rbac decides which conversation actions a participant may take,
// given the kind of conversation.
package rbac

type Kind string
type Action string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

const (
	ActionRead      Action = "read"
	ActionSend      Action = "send"
	ActionReact     Action = "react"
	ActionType      Action = "type"
	ActionRename    Action = "rename"
	ActionAddMember Action = "add_member"
	ActionLeave     Action = "leave"
)

func Can(kind Kind, action Action) bool {
	switch kind {
	case KindGroup:
		switch action {
		case ActionRead, ActionSend, ActionReact, ActionType, ActionRename, ActionAddMember, ActionLeave:
			return true
		}
		return false
	case KindDirect:
		return action == ActionRead || action == ActionSend || action == ActionReact || action == ActionType
	default:
		return false
	}
}

func Normalize(kind string) Kind {
	switch Kind(kind) {
	case KindDirect, KindGroup:
		return Kind(kind)
	default:
		return KindDirect
	}
}
