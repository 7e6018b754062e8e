package media

import (
	"time"

	"github.com/RoseWrightdev/signaling-core/internal/types"
)

// SessionType distinguishes the two publishing slots a participant
// owns.
type SessionType string

const (
	SessionVideo  SessionType = "video"
	SessionScreen SessionType = "screen"
)

// State is the publish state of one media session.
type State struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

// Incoming command kinds.
const (
	cmdPublish             = "publish"
	cmdPublishComplete     = "publish_complete"
	cmdUpdateMediaSession  = "update_media_session"
	cmdUnpublish           = "unpublish"
	cmdSubscribe           = "subscribe"
	cmdResubscribe         = "resubscribe"
	cmdSdpAnswer           = "sdp_answer"
	cmdSdpCandidate        = "sdp_candidate"
	cmdSdpEndOfCandidates  = "sdp_end_of_candidates"
	cmdConfigure           = "configure"
	cmdModeratorMute       = "moderator_mute"
	cmdGrantPresenterRole  = "grant_presenter_role"
	cmdRevokePresenterRole = "revoke_presenter_role"
	cmdUpdateSpeakingState = "update_speaking_state"
)

// Outgoing event kinds.
const (
	evtSdpAnswer         = "sdp_answer"
	evtSdpOffer          = "sdp_offer"
	evtWebRtcDown        = "webrtc_down"
	evtAssociatedMcuDied = "associated_mcu_died"
	evtMediaStatus       = "media_status"
	evtSpeakingUpdated   = "speaking_updated"
	evtRequestMute       = "request_mute"
	evtPresenterGranted  = "presenter_granted"
	evtPresenterRevoked  = "presenter_revoked"
)

// Exchange message kinds.
const (
	exStateUpdated     = "state_updated"
	exSpeakingUpdated  = "speaking_updated"
	exRequestMute      = "request_mute"
	exPresenterGranted = "presenter_granted"
	exPresenterRevoked = "presenter_revoked"
	// ExMcuShutdown is published to a session owner's key when the MCU
	// pool loses the client their session was placed on. cmd/signaling
	// wires the pool's DeadClientNotifier to this kind.
	ExMcuShutdown = "mcu_shutdown"
)

type PublishCmd struct {
	Type SessionType `json:"type"`
	Sdp  string      `json:"sdp"`
}

type PublishCompleteCmd struct {
	Type  SessionType `json:"type"`
	State State       `json:"state"`
}

type UpdateMediaSessionCmd struct {
	Type  SessionType `json:"type"`
	State State       `json:"state"`
}

type UnpublishCmd struct {
	Type SessionType `json:"type"`
}

type SubscribeCmd struct {
	Target       types.ParticipantId `json:"target"`
	Type         SessionType         `json:"type"`
	WithoutVideo bool                `json:"without_video,omitempty"`
}

type ResubscribeCmd struct {
	Target types.ParticipantId `json:"target"`
	Type   SessionType         `json:"type"`
}

// SdpCmd carries answer/candidate traffic for a publisher (Target
// empty) or a subscriber (Target set).
type SdpCmd struct {
	Target    types.ParticipantId `json:"target,omitempty"`
	Type      SessionType         `json:"type"`
	Sdp       string              `json:"sdp,omitempty"`
	Candidate string              `json:"candidate,omitempty"`
}

type ConfigureCmd struct {
	Target        types.ParticipantId `json:"target"`
	Type          SessionType         `json:"type"`
	Configuration SubscriberConfig    `json:"configuration"`
}

type SubscriberConfig struct {
	Substream int32 `json:"substream"`
	Video     bool  `json:"video"`
}

type ModeratorMuteCmd struct {
	Targets []types.ParticipantId `json:"targets"`
	Force   bool                  `json:"force"`
}

type PresenterRoleCmd struct {
	ParticipantIds []types.ParticipantId `json:"participant_ids"`
}

type UpdateSpeakingStateCmd struct {
	IsSpeaking bool `json:"is_speaking"`
}

// StateUpdatedEvent fans a participant's publish state out to the room.
type StateUpdatedEvent struct {
	Participant types.ParticipantId `json:"participant"`
	Type        SessionType         `json:"type"`
	State       *State              `json:"state"` // nil on unpublish
}

type SpeakingUpdatedEvent struct {
	Participant types.ParticipantId `json:"participant"`
	IsSpeaking  bool                `json:"is_speaking"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

type RequestMuteEvent struct {
	Issuer types.ParticipantId `json:"issuer"`
	Force  bool                `json:"force"`
}

type PresenterEvent struct {
	IssuedBy types.ParticipantId `json:"issued_by"`
}

// McuShutdownEvent is the payload of ExMcuShutdown.
type McuShutdownEvent struct {
	SessionType SessionType `json:"session_type"`
	Code        string      `json:"code"` // mcu.ShutdownCode
}

// FrontendData is the media slice of JoinSuccess.
type FrontendData struct {
	IsPresenter bool `json:"is_presenter"`
}

// PeerData is the media per-peer slice of JoinSuccess: the peer's
// current publish state per session type.
type PeerData struct {
	State map[SessionType]State `json:"state,omitempty"`
}
