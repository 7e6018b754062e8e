package runner

import (
	"time"

	"github.com/RoseWrightdev/signaling-core/internal/moderr"
	"github.com/RoseWrightdev/signaling-core/internal/types"
)

// Control-namespace command kinds (client -> runner).
const (
	cmdJoin       = "join"
	cmdRaiseHand  = "raise_hand"
	cmdLowerHand  = "lower_hand"
	cmdGrantRole  = "grant_moderator_role"
	cmdRevokeRole = "revoke_moderator_role"
)

// Control-namespace event kinds (runner -> client).
const (
	evtJoinSuccess = "join_success"
	evtJoined      = "joined"
	evtLeft        = "left"
	evtUpdate      = "update"
	evtRoleUpdated = "role_updated"
	evtError       = "error"
	evtFatal       = "fatal_server_error"
)

// WebSocket close codes.
const (
	closeCodeNormal   = 1000
	closeCodeInternal = 1011
)

// JoinCmd is the client's join request; everything else about the
// participant comes from the redeemed ticket.
type JoinCmd struct {
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// TargetCmd addresses grant/revoke moderator role.
type TargetCmd struct {
	Target types.ParticipantId `json:"target"`
}

// ParticipantEntry is one peer in JoinSuccess and the payload of
// joined/update control events.
type ParticipantEntry struct {
	Id            types.ParticipantId      `json:"id"`
	DisplayName   string                   `json:"display_name"`
	AvatarURL     string                   `json:"avatar_url,omitempty"`
	Role          types.Role               `json:"role"`
	Kind          types.ParticipationKind  `json:"kind"`
	JoinedAt      time.Time                `json:"joined_at"`
	HandIsUp      bool                     `json:"hand_is_up"`
	HandUpdatedAt time.Time                `json:"hand_updated_at"`
	IsRoomOwner   bool                     `json:"is_room_owner"`
	ModuleData    map[types.ModuleId]any   `json:"module_data,omitempty"`
}

// JoinSuccess is the control payload completing a Join.
type JoinSuccess struct {
	Id           types.ParticipantId    `json:"id"`
	DisplayName  string                 `json:"display_name"`
	AvatarURL    string                 `json:"avatar_url,omitempty"`
	Role         types.Role             `json:"role"`
	Tariff       string                 `json:"tariff,omitempty"`
	IsRoomOwner  bool                   `json:"is_room_owner"`
	ModuleData   map[types.ModuleId]any `json:"module_data,omitempty"`
	Participants []ParticipantEntry     `json:"participants"`
}

// LeftEvent is the control payload announcing a departure.
type LeftEvent struct {
	Id     types.ParticipantId `json:"id"`
	Reason string              `json:"reason"`
}

// RoleUpdatedEvent is the control payload delivered to a participant
// whose role changed.
type RoleUpdatedEvent struct {
	NewRole types.Role `json:"new_role"`
}

// ErrorPayload is the typed error surface for recoverable failures.
type ErrorPayload struct {
	Error  moderr.ErrorKind `json:"error"`
	Detail string           `json:"detail,omitempty"`
	Data   any              `json:"data,omitempty"`
}

// controlMessage wraps a control payload with its event kind.
type controlMessage struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload,omitempty"`
}
