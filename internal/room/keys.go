package room

import "github.com/RoseWrightdev/signaling-core/internal/types"

// Volatile-store key builders for the core room aggregate. Each module
// owns its own key namespace and builds its keys locally; only the keys
// the runner and room aggregate themselves touch live here.

// ParticipantsKey is the set of current participant ids in a room.
func ParticipantsKey(room types.SignalingRoomId) string {
	return "participants:" + room.String()
}

// AttrsKey is the per-participant attribute hash.
func AttrsKey(room types.SignalingRoomId, pid types.ParticipantId) string {
	return "attrs:" + room.String() + ":" + string(pid)
}

// AllParticipantsKey accumulates every participant id that ever joined
// the room (never shrinks until room destroy), so the destroying runner
// can find and delete every attrs record.
func AllParticipantsKey(room types.SignalingRoomId) string {
	return "participants_all:" + room.String()
}

// PresentersKey is the set of participants granted the presenter role,
// written by the media module and read during screen-share permission
// checks.
func PresentersKey(room types.SignalingRoomId) string {
	return "presenters:" + room.String()
}

// OwnerKey holds the room creator's user id, written from the
// room_owner claim every ticket carries. Used by the legal-vote
// resource grants.
func OwnerKey(room types.SignalingRoomId) string {
	return "owner:" + room.String()
}
