package automod

import (
	"time"

	"github.com/RoseWrightdev/signaling-core/internal/types"
)

// Strategy selects how the next speaker is chosen.
type Strategy string

const (
	StrategyNone       Strategy = "none"
	StrategyPlaylist   Strategy = "playlist"
	StrategyRandom     Strategy = "random"
	StrategyNomination Strategy = "nomination"
)

// Incoming command kinds.
const (
	cmdStart  = "start"
	cmdStop   = "stop"
	cmdSelect = "select"
	cmdYield  = "yield"
)

// Outgoing event kinds.
const (
	evtStarted        = "started"
	evtStopped        = "stopped"
	evtSpeakerUpdated = "speaker_updated"
	evtStartAnimation = "start_animation"
)

// Exchange message kinds mirror the outgoing events one-to-one.
const (
	exStarted        = "started"
	exStopped        = "stopped"
	exSpeakerUpdated = "speaker_updated"
	exStartAnimation = "start_animation"
)

// Select modes.
const (
	SelectNone     = "none"
	SelectSpecific = "specific"
	SelectRandom   = "random"
	SelectNext     = "next"
)

// Config is the persisted session configuration (automod:config key).
type Config struct {
	Strategy          Strategy            `json:"selection_strategy"`
	TimeLimitSecs     int                 `json:"time_limit_secs,omitempty"`
	AnimationOnRandom bool                `json:"animation_on_random,omitempty"`
	AllowDoubleSelect bool                `json:"allow_double_selection,omitempty"`
	StartedAt         time.Time           `json:"started_at"`
	IssuedBy          types.ParticipantId `json:"issued_by"`
}

type StartCmd struct {
	Strategy          Strategy              `json:"selection_strategy"`
	AllowList         []types.ParticipantId `json:"allow_list,omitempty"`
	Playlist          []types.ParticipantId `json:"playlist,omitempty"`
	TimeLimitSecs     int                   `json:"time_limit_secs,omitempty"`
	AnimationOnRandom bool                  `json:"animation_on_random,omitempty"`
	AllowDoubleSelect bool                  `json:"allow_double_selection,omitempty"`
}

type SelectCmd struct {
	Mode            string              `json:"mode"`
	Participant     types.ParticipantId `json:"participant,omitempty"`
	KeepInRemaining bool                `json:"keep_in_remaining,omitempty"`
}

type YieldCmd struct {
	Next types.ParticipantId `json:"next,omitempty"`
}

// Stop reasons.
const (
	StopReasonByModerator     = "stopped_by_moderator"
	StopReasonSessionFinished = "session_finished"
)

// StartedEvent fans the new session out to the room.
type StartedEvent struct {
	Config    Config                `json:"config"`
	Remaining []types.ParticipantId `json:"remaining"`
}

type StoppedEvent struct {
	Reason   string               `json:"reason"`
	IssuedBy *types.ParticipantId `json:"issued_by,omitempty"`
}

type SpeakerUpdatedEvent struct {
	Speaker   *types.ParticipantId  `json:"speaker,omitempty"`
	Remaining []types.ParticipantId `json:"remaining,omitempty"`
	History   []types.ParticipantId `json:"history"`
}

type StartAnimationEvent struct {
	Result types.ParticipantId `json:"result"`
}

// FrontendData is the automod slice of JoinSuccess: the running
// session, if any.
type FrontendData struct {
	Config    *Config               `json:"config,omitempty"`
	Speaker   *types.ParticipantId  `json:"speaker,omitempty"`
	Remaining []types.ParticipantId `json:"remaining,omitempty"`
	History   []types.ParticipantId `json:"history,omitempty"`
}
