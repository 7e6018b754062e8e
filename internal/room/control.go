package room

import "github.com/RoseWrightdev/signaling-core/internal/types"

// Control-plane exchange message kinds, published under the reserved
// "control" source namespace. Every runner in a room subscribes to its
// room's all-participants key and reacts to these.
const (
	ControlJoined      = "joined"
	ControlLeft        = "left"
	ControlUpdate      = "update"
	ControlRoleUpdated = "role_updated"
	ControlFatalError  = "fatal_server_error"
)

// JoinedPayload announces a completed join to the room.
type JoinedPayload struct {
	Id types.ParticipantId `json:"id"`
}

// LeftPayload announces a departure.
type LeftPayload struct {
	Id     types.ParticipantId `json:"id"`
	Reason string              `json:"reason"`
}

// Leave reasons carried by LeftPayload.
const (
	LeaveReasonQuit    = "quit"
	LeaveReasonKicked  = "kicked"
	LeaveReasonBanned  = "banned"
	LeaveReasonCrashed = "crashed"
)

// UpdatePayload announces that a participant's attributes changed and
// peers should re-read them.
type UpdatePayload struct {
	Id types.ParticipantId `json:"id"`
}

// RoleUpdatedPayload is delivered on the target runner's own key when a
// moderator grants or revokes its moderator role.
type RoleUpdatedPayload struct {
	NewRole types.Role `json:"new_role"`
}
