package module

import "github.com/RoseWrightdev/signaling-core/internal/types"

// Event is the discriminated union OnEvent dispatches on. Exactly one
// field is non-nil per call.
type Event struct {
	Joined             *JoinedEvent
	Leaving            *LeavingEvent
	ParticipantJoined  *ParticipantJoinedEvent
	ParticipantUpdated *ParticipantUpdatedEvent
	ParticipantLeft    *ParticipantLeftEvent
	RoleUpdated        *RoleUpdatedEvent
	RaiseHand          *RaiseHandEvent
	LowerHand          *LowerHandEvent
	WsMessage          *Incoming
	Exchange           *ExchangeMessage
	Ext                *ExtEvent
}

// JoinedEvent is dispatched during Join, after the participant is added
// to the room and before the join is announced to it; the module populates FrontendData (its slice of the JoinSuccess
// payload) and may attach per-peer entries for each already-present
// participant.
type JoinedEvent struct {
	Participants []ParticipantSummary

	// FrontendData is set by the module during OnEvent: its slice of
	// the JoinSuccess payload. The runner reads it back after the
	// handler returns.
	FrontendData any
	// PeerData carries module-specific per-peer entries for every
	// already-present participant, keyed by participant id.
	PeerData map[types.ParticipantId]any
}

// SetPeerData records a per-peer entry, allocating the map lazily.
func (e *JoinedEvent) SetPeerData(id types.ParticipantId, data any) {
	if e.PeerData == nil {
		e.PeerData = make(map[types.ParticipantId]any)
	}
	e.PeerData[id] = data
}

// ParticipantSummary is the minimal per-peer view Joined and
// ParticipantJoined/Updated carry.
type ParticipantSummary struct {
	Id    types.ParticipantId
	Attrs types.ParticipantAttrs
}

// LeavingEvent is dispatched to every module before a participant's
// runner begins teardown.
type LeavingEvent struct{}

type ParticipantJoinedEvent struct {
	Participant ParticipantSummary
}

type ParticipantUpdatedEvent struct {
	Participant ParticipantSummary
}

type ParticipantLeftEvent struct {
	Id     types.ParticipantId
	Reason string
}

type RoleUpdatedEvent struct {
	NewRole types.Role
}

type RaiseHandEvent struct{}

type LowerHandEvent struct{}
