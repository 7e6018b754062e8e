// Package types holds the identifier and data-model types shared across
// the signaling core: rooms, participants, roles, and the attribute set
// every module reads and writes through the volatile store.
package types

import (
	"time"

	"github.com/google/uuid"
)

// RoomId identifies a logical conference room.
type RoomId string

// BreakoutRoomId identifies a sub-room nested under a RoomId.
type BreakoutRoomId string

// SignalingRoomId is the pair that scopes all volatile state: a room and
// an optional breakout room within it.
type SignalingRoomId struct {
	Room     RoomId
	Breakout BreakoutRoomId // empty when not in a breakout room
}

// String renders the id the way it appears in volatile-store keys.
func (s SignalingRoomId) String() string {
	if s.Breakout == "" {
		return string(s.Room)
	}
	return string(s.Room) + ":" + string(s.Breakout)
}

// ParticipantId identifies a single runner instance within a room. Fresh
// per join; never reused, including across a reconnect.
type ParticipantId string

// NewParticipantId mints a fresh participant id.
func NewParticipantId() ParticipantId {
	return ParticipantId(uuid.NewString())
}

// UserId identifies a registered user across rooms and sessions.
type UserId string

// TenantId identifies a user's tenant, used for per-tenant quotas and
// PDF templates.
type TenantId string

// GroupId identifies a named group membership resolved via the identity
// collaborator, used by the chat module's group scope.
type GroupId string

// ModuleId is the short string namespace a module owns in both wire
// messages and volatile keys, e.g. "chat".
type ModuleId string

// Role is one of the three authoritative roles for a participant.
type Role string

const (
	RoleModerator Role = "moderator"
	RoleUser      Role = "user"
	RoleGuest     Role = "guest"
)

// ParticipationKind distinguishes how a participant entered the room.
type ParticipationKind string

const (
	KindUser     ParticipationKind = "user"
	KindGuest    ParticipationKind = "guest"
	KindSip      ParticipationKind = "sip"
	KindRecorder ParticipationKind = "recorder"
)

// ParticipantAttrs is the per-participant attribute bag maintained in the
// volatile store under attrs:{room}:{participant}.
type ParticipantAttrs struct {
	Kind          ParticipationKind `json:"kind"`
	DisplayName   string            `json:"display_name"`
	AvatarURL     string            `json:"avatar_url,omitempty"`
	Role          Role              `json:"role"`
	JoinedAt      time.Time         `json:"joined_at"`
	HandIsUp      bool              `json:"hand_is_up"`
	HandUpdatedAt time.Time         `json:"hand_updated_at"`
	IsPresent     bool              `json:"is_present"`
	IsRoomOwner   bool              `json:"is_room_owner"`
	LeftAt        *time.Time        `json:"left_at,omitempty"`
	UserId        *UserId           `json:"user_id,omitempty"`
}

// IsUser reports whether the attrs resolve to a registered user (as
// opposed to a guest, SIP leg, or recorder) — used by the legal-vote
// module's eligibility build, which rejects guests.
func (a ParticipantAttrs) IsUser() bool {
	return a.Kind == KindUser && a.UserId != nil
}
