package chat

import (
	"time"

	"github.com/RoseWrightdev/signaling-core/internal/types"
)

// Incoming command kinds.
const (
	cmdSendMessage  = "send_message"
	cmdEnableChat   = "enable_chat"
	cmdDisableChat  = "disable_chat"
	cmdClearHistory = "clear_history"
	cmdSetLastSeen  = "set_last_seen"
)

// Outgoing event kinds.
const (
	evtMessageSent    = "message_sent"
	evtChatEnabled    = "chat_enabled"
	evtChatDisabled   = "chat_disabled"
	evtHistoryCleared = "history_cleared"
	evtError          = "error"
)

// Exchange message kinds.
const (
	exMessage        = "message"
	exEnabledChanged = "enabled_changed"
	exHistoryCleared = "history_cleared"
)

// Scope addresses one of the three chat scopes. Kind is "global",
// "group", or "private"; Group and Target qualify the latter two.
type Scope struct {
	Kind   string              `json:"kind"`
	Group  types.GroupId       `json:"group,omitempty"`
	Target types.ParticipantId `json:"target,omitempty"`
}

const (
	ScopeGlobal  = "global"
	ScopeGroup   = "group"
	ScopePrivate = "private"
)

// SendMessageCmd is the client's send request.
type SendMessageCmd struct {
	Scope   Scope  `json:"scope"`
	Content string `json:"content"`
}

// SetLastSeenCmd records the client's read position for one scope.
type SetLastSeenCmd struct {
	Scope     Scope     `json:"scope"`
	Timestamp time.Time `json:"timestamp"`
}

// StoredMessage is one history entry, also the fan-out payload.
type StoredMessage struct {
	Id        string              `json:"id"`
	Source    types.ParticipantId `json:"source"`
	Scope     Scope               `json:"scope"`
	Content   string              `json:"content"`
	Timestamp time.Time           `json:"timestamp"`
}

// HistoryClearedEvent fans out a moderator's clear action.
type HistoryClearedEvent struct {
	IssuedBy types.ParticipantId `json:"issued_by"`
}

// EnabledChangedEvent fans out a moderator's enable/disable toggle.
type EnabledChangedEvent struct {
	Enabled  bool                `json:"enabled"`
	IssuedBy types.ParticipantId `json:"issued_by"`
}

// FrontendData is the chat slice of JoinSuccess.
type FrontendData struct {
	Enabled     bool                 `json:"enabled"`
	RoomHistory []StoredMessage      `json:"room_history"`
	Groups      []GroupHistory       `json:"groups,omitempty"`
	LastSeen    map[string]time.Time `json:"last_seen,omitempty"`
}

// GroupHistory is one group's scope history in FrontendData.
type GroupHistory struct {
	Name    types.GroupId   `json:"name"`
	History []StoredMessage `json:"history"`
}
