package legalvote

import (
	"time"

	"github.com/RoseWrightdev/signaling-core/internal/types"
)

// VoteId identifies one legal vote.
type VoteId string

// Kind selects the vote's visibility discipline.
type Kind string

const (
	KindRollCall     Kind = "roll_call"
	KindLiveRollCall Kind = "live_roll_call"
	KindPseudonymous Kind = "pseudonymous"
)

// Option is one ballot choice.
type Option string

const (
	OptionYes     Option = "yes"
	OptionNo      Option = "no"
	OptionAbstain Option = "abstain"
)

// Incoming command kinds.
const (
	cmdStart       = "start"
	cmdStop        = "stop"
	cmdCancel      = "cancel"
	cmdVote        = "vote"
	cmdGeneratePdf = "generate_pdf"
	cmdReportIssue = "report_issue"
)

// Outgoing event kinds.
const (
	evtStarted  = "started"
	evtVoted    = "voted"
	evtUpdated  = "updated"
	evtStopped  = "stopped"
	evtCanceled = "canceled"
	evtPdfAsset = "pdf_asset"
)

// Exchange message kinds.
const (
	exStarted    = "started"
	exBallotCast = "ballot_cast"
	exStopped    = "stopped"
	exCanceled   = "canceled"
	exPdfAsset   = "pdf_asset"
)

// Parameters is the vote configuration, persisted under
// legal_vote:params and echoed in Started events.
type Parameters struct {
	Kind          Kind   `json:"kind"`
	Name          string `json:"name,omitempty"`
	Subtitle      string `json:"subtitle,omitempty"`
	Topic         string `json:"topic,omitempty"`
	EnableAbstain bool   `json:"enable_abstain"`
	AutoClose     bool   `json:"auto_close"`
	DurationSecs  int    `json:"duration_secs,omitempty"`
	CreatePdf     bool   `json:"create_pdf"`
	Timezone      string `json:"timezone,omitempty"`

	// Derived at start.
	InitiatorId types.ParticipantId `json:"initiator_id"`
	StartTime   time.Time           `json:"start_time"`
	MaxVotes    int                 `json:"max_votes"`
}

// StartCmd starts a vote over the listed participants.
type StartCmd struct {
	Kind                Kind                  `json:"kind"`
	Name                string                `json:"name,omitempty"`
	Subtitle            string                `json:"subtitle,omitempty"`
	Topic               string                `json:"topic,omitempty"`
	EnableAbstain       bool                  `json:"enable_abstain"`
	AutoClose           bool                  `json:"auto_close"`
	DurationSecs        int                   `json:"duration_secs,omitempty"`
	CreatePdf           bool                  `json:"create_pdf"`
	Timezone            string                `json:"timezone,omitempty"`
	AllowedParticipants []types.ParticipantId `json:"allowed_participants"`
}

type StopCmd struct {
	VoteId VoteId `json:"legal_vote_id"`
}

type CancelCmd struct {
	VoteId VoteId `json:"legal_vote_id"`
	Reason string `json:"reason,omitempty"`
}

type VoteCmd struct {
	VoteId VoteId `json:"legal_vote_id"`
	Option Option `json:"option"`
	Token  string `json:"token"`
}

type GeneratePdfCmd struct {
	VoteId VoteId `json:"legal_vote_id"`
}

type ReportIssueCmd struct {
	VoteId      VoteId `json:"legal_vote_id"`
	Description string `json:"description"`
}

// Tally is the running count per option. Abstain is nil when abstain
// is disabled.
type Tally struct {
	Yes     uint64  `json:"yes"`
	No      uint64  `json:"no"`
	Abstain *uint64 `json:"abstain,omitempty"`
}

// Cancel reasons.
const (
	CancelReasonByModerator   = "canceled_by_moderator"
	CancelReasonInitiatorLeft = "initiator_left"
	CancelReasonRoomDestroyed = "room_destroyed"
)

// Stop kinds.
const (
	StopAuto    = "auto"
	StopByUser  = "by_user"
	StopExpired = "expired"
)

// FinalResults is the terminal validity verdict.
type FinalResults struct {
	Valid   *Tally `json:"valid,omitempty"`
	Invalid string `json:"invalid,omitempty"` // one of the Invalid* reasons
}

const (
	InvalidVoteCountInconsistent = "vote_count_inconsistent"
	InvalidAbstainDisabled       = "abstain_disabled"
	InvalidProtocolInconsistent  = "protocol_inconsistent"
)

// UserInfo identifies a voter in visible-kind protocol entries; nil in
// pseudonymous votes.
type UserInfo struct {
	Issuer        types.UserId        `json:"issuer"`
	ParticipantId types.ParticipantId `json:"participant_id"`
}

// ProtocolEntry is one append-only protocol log record.
type ProtocolEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`

	Parameters *Parameters   `json:"parameters,omitempty"`
	Option     Option        `json:"option,omitempty"`
	Token      string        `json:"token,omitempty"`
	UserInfo   *UserInfo     `json:"user_info,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	StopKind   string        `json:"stop_kind,omitempty"`
	Issue      string        `json:"issue,omitempty"`
	Results    *FinalResults `json:"results,omitempty"`
}

// Protocol entry kinds.
const (
	entryStart        = "start"
	entryVote         = "vote"
	entryUserJoined   = "user_joined"
	entryUserLeft     = "user_left"
	entryIssue        = "issue"
	entryCancel       = "cancel"
	entryStop         = "stop"
	entryFinalResults = "final_results"
)

// StartedEvent is delivered to each client; Token is set only for
// participants entitled to vote.
type StartedEvent struct {
	VoteId     VoteId     `json:"legal_vote_id"`
	Parameters Parameters `json:"parameters"`
	Token      string     `json:"token,omitempty"`
}

type VotedEvent struct {
	VoteId VoteId `json:"legal_vote_id"`
	Option Option `json:"option"`
}

type UpdatedEvent struct {
	VoteId VoteId `json:"legal_vote_id"`
	Tally  Tally  `json:"tally"`
}

type StoppedEvent struct {
	VoteId  VoteId       `json:"legal_vote_id"`
	Kind    string       `json:"kind"`
	Results FinalResults `json:"final_results"`
	EndTime time.Time    `json:"end_time"`
}

type CanceledEvent struct {
	VoteId  VoteId    `json:"legal_vote_id"`
	Reason  string    `json:"reason"`
	EndTime time.Time `json:"end_time"`
}

type PdfAssetEvent struct {
	VoteId   VoteId `json:"legal_vote_id"`
	Filename string `json:"filename"`
	AssetId  string `json:"asset_id"`
}

// FrontendData is the legal-vote slice of JoinSuccess: the running
// vote, if any, with the joiner's own token when entitled.
type FrontendData struct {
	Current *StartedEvent `json:"current,omitempty"`
	History []VoteId      `json:"history,omitempty"`
}
