// Package chat implements the chat signaling module: global, group,
// and private message scopes with append-only per-scope history,
// moderator enable/disable, and history clearing.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/signaling-core/internal/exchange"
	"github.com/RoseWrightdev/signaling-core/internal/identity"
	"github.com/RoseWrightdev/signaling-core/internal/logging"
	"github.com/RoseWrightdev/signaling-core/internal/metrics"
	"github.com/RoseWrightdev/signaling-core/internal/moderr"
	"github.com/RoseWrightdev/signaling-core/internal/module"
	"github.com/RoseWrightdev/signaling-core/internal/store"
	"github.com/RoseWrightdev/signaling-core/internal/types"
)

// Namespace is the chat module's wire and key namespace.
const Namespace types.ModuleId = "chat"

// maxContentCodePoints bounds message content; longer content is
// truncated to a prefix aligned on a character boundary.
const maxContentCodePoints = 4096

func enabledKey(room types.SignalingRoomId) string {
	return "chat:enabled:" + room.String()
}

func globalHistoryKey(room types.SignalingRoomId) string {
	return "chat:history:global:" + room.String()
}

func groupHistoryKey(room types.SignalingRoomId, group types.GroupId) string {
	return "chat:history:group:" + room.String() + ":" + string(group)
}

// privateHistoryKey orders the pair lexicographically so both sides
// address the same list.
func privateHistoryKey(room types.SignalingRoomId, a, b types.ParticipantId) string {
	if b < a {
		a, b = b, a
	}
	return "chat:history:private:" + room.String() + ":" + string(a) + ":" + string(b)
}

// historyIndexKey tracks every history list created in the room, so a
// global cleanup can find private-pair lists it never saw.
func historyIndexKey(room types.SignalingRoomId) string {
	return "chat:history:index:" + room.String()
}

func lastSeenKey(room types.SignalingRoomId, pid types.ParticipantId) string {
	return "chat:last_seen:" + room.String() + ":" + string(pid)
}

// Module is the process-wide chat module.
type Module struct {
	directory identity.Directory
}

// New builds the chat module. directory resolves group memberships for
// the group scope; nil disables group chat.
func New(directory identity.Directory) *Module {
	return &Module{directory: directory}
}

func (m *Module) Namespace() types.ModuleId { return Namespace }

// Init activates chat for every participant. Group subscriptions are
// resolved once here, from the identity collaborator.
func (m *Module) Init(ctx context.Context, ic *module.InitContext) (module.Instance, error) {
	inst := &instance{
		room:     ic.Room,
		self:     ic.Participant,
		lastSeen: make(map[string]time.Time),
	}
	if m.directory != nil && ic.Attrs.UserId != nil {
		groups, err := m.directory.Groups(ctx, *ic.Attrs.UserId)
		if err != nil {
			logging.Warn(ctx, "chat: group resolution failed, group scope disabled for participant", zap.Error(err))
		}
		inst.groups = groups
		for _, g := range groups {
			ic.Subscribe(exchange.GroupKey(ic.Room, g))
		}
	}
	return inst, nil
}

type instance struct {
	room   types.SignalingRoomId
	self   types.ParticipantId
	groups []types.GroupId

	// lastSeen accumulates set_last_seen updates; persisted on Leaving.
	lastSeen map[string]time.Time
}

func (i *instance) OnEvent(ctx context.Context, mc *module.ModuleContext, event module.Event) error {
	switch {
	case event.Joined != nil:
		return i.handleJoined(ctx, mc, event.Joined)
	case event.Leaving != nil:
		return i.persistLastSeen(ctx, mc)
	case event.WsMessage != nil:
		return i.handleCommand(ctx, mc, event.WsMessage)
	case event.Exchange != nil:
		return i.handleExchange(mc, event.Exchange)
	}
	return nil
}

func (i *instance) handleJoined(ctx context.Context, mc *module.ModuleContext, ev *module.JoinedEvent) error {
	fd := FrontendData{Enabled: i.enabled(ctx, mc.Store)}

	history, err := readHistory(ctx, mc.Store, globalHistoryKey(i.room))
	if err != nil {
		return err
	}
	fd.RoomHistory = history

	for _, g := range i.groups {
		gh, err := readHistory(ctx, mc.Store, groupHistoryKey(i.room, g))
		if err != nil {
			return err
		}
		fd.Groups = append(fd.Groups, GroupHistory{Name: g, History: gh})
	}

	if seen, err := mc.Store.HashGetAll(ctx, lastSeenKey(i.room, i.self)); err == nil && len(seen) > 0 {
		fd.LastSeen = make(map[string]time.Time, len(seen))
		for scope, stamp := range seen {
			if t, err := time.Parse(time.RFC3339Nano, stamp); err == nil {
				fd.LastSeen[scope] = t
			}
		}
	}

	ev.FrontendData = fd
	return nil
}

func (i *instance) handleCommand(ctx context.Context, mc *module.ModuleContext, cmd *module.Incoming) error {
	switch cmd.Kind {
	case cmdSendMessage:
		var send SendMessageCmd
		if err := json.Unmarshal(cmd.Payload, &send); err != nil {
			return moderr.New(moderr.KindMalformedMessage, "send_message")
		}
		return i.sendMessage(ctx, mc, send)

	case cmdEnableChat, cmdDisableChat:
		if mc.Role != types.RoleModerator {
			return moderr.New(moderr.KindPermissionDenied, "chat toggle requires moderator")
		}
		enabled := cmd.Kind == cmdEnableChat
		if err := mc.Store.Set(ctx, enabledKey(i.room), fmt.Sprintf("%t", enabled), 0); err != nil {
			return moderr.NewFatal(err)
		}
		msg, err := module.NewExchangeMessage(Namespace, exEnabledChanged, EnabledChangedEvent{Enabled: enabled, IssuedBy: i.self})
		if err != nil {
			return err
		}
		mc.ExchangePublish(exchange.ParticipantsKey(i.room), msg)
		return nil

	case cmdClearHistory:
		if mc.Role != types.RoleModerator {
			return moderr.New(moderr.KindPermissionDenied, "clear_history requires moderator")
		}
		keys, err := mc.Store.SetMembers(ctx, historyIndexKey(i.room))
		if err != nil {
			return moderr.NewFatal(err)
		}
		for _, key := range keys {
			if err := mc.Store.Del(ctx, key); err != nil {
				return moderr.NewFatal(err)
			}
		}
		if err := mc.Store.Del(ctx, historyIndexKey(i.room)); err != nil {
			return moderr.NewFatal(err)
		}
		msg, err := module.NewExchangeMessage(Namespace, exHistoryCleared, HistoryClearedEvent{IssuedBy: i.self})
		if err != nil {
			return err
		}
		mc.ExchangePublish(exchange.ParticipantsKey(i.room), msg)
		return nil

	case cmdSetLastSeen:
		var set SetLastSeenCmd
		if err := json.Unmarshal(cmd.Payload, &set); err != nil {
			return moderr.New(moderr.KindMalformedMessage, "set_last_seen")
		}
		i.lastSeen[scopeField(set.Scope)] = set.Timestamp
		return nil

	default:
		return moderr.New(moderr.KindMalformedMessage, "unknown chat command "+cmd.Kind)
	}
}

func (i *instance) sendMessage(ctx context.Context, mc *module.ModuleContext, send SendMessageCmd) error {
	if send.Content == "" {
		return nil // empty content is dropped silently
	}
	if !i.enabled(ctx, mc.Store) {
		return moderr.New(moderr.KindChatDisabled, "")
	}

	msg := StoredMessage{
		Id:        uuid.NewString(),
		Source:    i.self,
		Scope:     send.Scope,
		Content:   Truncate(send.Content, maxContentCodePoints),
		Timestamp: mc.Timestamp().UTC(),
	}

	var historyKey, routingKey string
	switch send.Scope.Kind {
	case ScopeGlobal:
		historyKey = globalHistoryKey(i.room)
		routingKey = exchange.ParticipantsKey(i.room)
	case ScopeGroup:
		if !i.memberOf(send.Scope.Group) {
			return moderr.New(moderr.KindPermissionDenied, "not a member of group "+string(send.Scope.Group))
		}
		historyKey = groupHistoryKey(i.room, send.Scope.Group)
		routingKey = exchange.GroupKey(i.room, send.Scope.Group)
	case ScopePrivate:
		if send.Scope.Target == "" || send.Scope.Target == i.self {
			return moderr.New(moderr.KindMalformedMessage, "invalid private target")
		}
		historyKey = privateHistoryKey(i.room, i.self, send.Scope.Target)
		routingKey = exchange.ParticipantKey(i.room, send.Scope.Target)
	default:
		return moderr.New(moderr.KindMalformedMessage, "unknown scope "+send.Scope.Kind)
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := mc.Store.ListAppend(ctx, historyKey, string(raw)); err != nil {
		return moderr.NewFatal(err)
	}
	if err := mc.Store.SetAdd(ctx, historyIndexKey(i.room), historyKey); err != nil {
		return moderr.NewFatal(err)
	}

	exMsg, err := module.NewExchangeMessage(Namespace, exMessage, msg)
	if err != nil {
		return err
	}
	mc.ExchangePublish(routingKey, exMsg)
	if send.Scope.Kind == ScopePrivate {
		// The target's key doesn't reach the sender; echo locally.
		mc.WsSend(Namespace, outgoing(evtMessageSent, msg))
	}
	metrics.ChatMessagesTotal.WithLabelValues(send.Scope.Kind).Inc()
	return nil
}

func (i *instance) handleExchange(mc *module.ModuleContext, msg *module.ExchangeMessage) error {
	switch msg.Kind {
	case exMessage:
		var stored StoredMessage
		if err := json.Unmarshal(msg.Payload, &stored); err != nil {
			return err
		}
		mc.WsSend(Namespace, outgoing(evtMessageSent, stored))
	case exEnabledChanged:
		var ev EnabledChangedEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		if ev.Enabled {
			mc.WsSend(Namespace, outgoing(evtChatEnabled, ev))
		} else {
			mc.WsSend(Namespace, outgoing(evtChatDisabled, ev))
		}
	case exHistoryCleared:
		var ev HistoryClearedEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		mc.WsSend(Namespace, outgoing(evtHistoryCleared, ev))
	}
	return nil
}

func (i *instance) persistLastSeen(ctx context.Context, mc *module.ModuleContext) error {
	key := lastSeenKey(i.room, i.self)
	for scope, t := range i.lastSeen {
		if err := mc.Store.HashSet(ctx, key, scope, t.UTC().Format(time.RFC3339Nano)); err != nil {
			logging.Warn(ctx, "chat: failed to persist last-seen", zap.Error(err))
			return nil
		}
	}
	return nil
}

func (i *instance) OnDestroy(ctx context.Context, dc *module.DestroyContext) {
	if dc.CleanupScope == module.CleanupNone {
		return
	}
	keys, err := dc.Store.SetMembers(ctx, historyIndexKey(i.room))
	if err == nil {
		for _, key := range keys {
			_ = dc.Store.Del(ctx, key)
		}
	}
	_ = dc.Store.Del(ctx, historyIndexKey(i.room))
	_ = dc.Store.Del(ctx, enabledKey(i.room))
	_ = dc.Store.Del(ctx, lastSeenKey(i.room, i.self))
}

// enabled defaults to true when no moderator has toggled the room.
func (i *instance) enabled(ctx context.Context, st store.Store) bool {
	v, err := st.Get(ctx, enabledKey(i.room))
	if err != nil {
		return true
	}
	return v != "false"
}

func (i *instance) memberOf(g types.GroupId) bool {
	for _, own := range i.groups {
		if own == g {
			return true
		}
	}
	return false
}

func readHistory(ctx context.Context, st store.Store, key string) ([]StoredMessage, error) {
	raws, err := st.ListRange(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]StoredMessage, 0, len(raws))
	for _, raw := range raws {
		var msg StoredMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func scopeField(s Scope) string {
	switch s.Kind {
	case ScopeGroup:
		return "group:" + string(s.Group)
	case ScopePrivate:
		return "private:" + string(s.Target)
	default:
		return ScopeGlobal
	}
}

// outgoing wraps a payload with its event kind the way every chat wire
// message is shaped: {"kind": ..., "payload": ...}.
func outgoing(kind string, payload any) map[string]any {
	return map[string]any{"kind": kind, "payload": payload}
}

// Truncate cuts s to at most n code points, never splitting a
// character.
func Truncate(s string, n int) string {
	count := 0
	for i := range s {
		count++
		if count > n {
			return s[:i]
		}
	}
	return s
}
