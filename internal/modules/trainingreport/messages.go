package trainingreport

import (
	"time"

	"github.com/RoseWrightdev/signaling-core/internal/types"
)

// Incoming command kinds.
const (
	cmdEnable          = "enable"
	cmdDisable         = "disable"
	cmdConfirmPresence = "confirm_presence"
)

// Outgoing event kinds.
const (
	evtEnabled           = "enabled"
	evtDisabled          = "disabled"
	evtPresenceRequested = "presence_confirmation_requested"
	evtRoomOwnerHandOver = "room_owner_hand_over"
	evtPdfAsset          = "pdf_asset"
)

// Exchange message kinds.
const (
	exEnabled           = "enabled"
	exDisabled          = "disabled"
	exPresenceRequested = "presence_confirmation_requested"
	exHandOver          = "room_owner_hand_over"
	exPdfAsset          = "pdf_asset"
)

// Session states.
const (
	StateWaitingForParticipant    = "waiting_for_participant"
	StateWaitingForInitialTimeout = "waiting_for_initial_timeout"
	StateTrackingPresence         = "tracking_presence"
)

// End reasons.
const (
	EndReasonByModerator   = "disabled_by_moderator"
	EndReasonNoTrainees    = "all_trainees_left"
	EndReasonCreatorLeft   = "creator_left"
	EndReasonRoomDestroyed = "room_destroyed"
)

// Range is a randomized delay window: after + uniform(0, within)
// seconds.
type Range struct {
	AfterSecs  int `json:"after"`
	WithinSecs int `json:"within"`
}

type EnableCmd struct {
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
	InitialDelay *Range `json:"initial_delay,omitempty"`
	Interval     *Range `json:"interval,omitempty"`
}

// SessionRecord is the training:state value.
type SessionRecord struct {
	State        string    `json:"state"`
	Title        string    `json:"title,omitempty"`
	Description  string    `json:"description,omitempty"`
	Timezone     string    `json:"timezone,omitempty"`
	Start        time.Time `json:"start"`
	InitialDelay Range     `json:"initial_delay"`
	Interval     Range     `json:"interval"`

	// NextFireAt is the scheduled moment of the upcoming checkpoint;
	// NextCheckpoint is the id of the checkpoint currently accepting
	// confirmations.
	NextFireAt     time.Time `json:"next_fire_at,omitempty"`
	NextCheckpoint time.Time `json:"next_checkpoint,omitempty"`

	KnownParticipants []types.ParticipantId `json:"known_participants,omitempty"`
	Responsible       types.ParticipantId   `json:"responsible"`
}

type DisabledEvent struct {
	Reason string `json:"reason"`
}

type PresenceRequestedEvent struct {
	Checkpoint time.Time `json:"checkpoint"`
}

type HandOverEvent struct {
	Next           types.ParticipantId `json:"next"`
	NextCheckpoint time.Time           `json:"next_checkpoint,omitempty"`
}

type PdfAssetEvent struct {
	Filename string `json:"filename"`
	AssetId  string `json:"asset_id"`
}

// FrontendData is the training-report slice of JoinSuccess.
type FrontendData struct {
	Enabled bool   `json:"enabled"`
	State   string `json:"state,omitempty"`
}
