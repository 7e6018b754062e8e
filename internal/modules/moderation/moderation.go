// Package moderation implements the moderation signaling module:
// kicking a participant and banning a registered user from the room.
// The ban set is also consulted by the gateway before a runner starts.
package moderation

import (
	"context"
	"encoding/json"

	"github.com/RoseWrightdev/signaling-core/internal/exchange"
	"github.com/RoseWrightdev/signaling-core/internal/moderr"
	"github.com/RoseWrightdev/signaling-core/internal/module"
	"github.com/RoseWrightdev/signaling-core/internal/room"
	"github.com/RoseWrightdev/signaling-core/internal/store"
	"github.com/RoseWrightdev/signaling-core/internal/types"
)

// Namespace is the moderation module's wire and key namespace.
const Namespace types.ModuleId = "moderation"

// BannedUsersKey is the set of banned user ids, scoped to the parent
// room so a ban also covers its breakout rooms. The gateway checks it
// during ticket redemption.
func BannedUsersKey(r types.SignalingRoomId) string {
	return "moderation:banned:" + string(r.Room)
}

const (
	cmdKick = "kick"
	cmdBan  = "ban"
)

const (
	evtKicked = "kicked"
	evtBanned = "banned"
)

const (
	exKicked = "kicked"
	exBanned = "banned"
)

// Close codes used when removing a participant.
const (
	CloseCodeKicked = 4001
	CloseCodeBanned = 4002
)

type TargetCmd struct {
	Target types.ParticipantId `json:"target"`
}

type RemovedEvent struct {
	IssuedBy types.ParticipantId `json:"issued_by"`
}

// Module is the process-wide moderation module.
type Module struct{}

func New() *Module { return &Module{} }

func (m *Module) Namespace() types.ModuleId { return Namespace }

func (m *Module) Init(ctx context.Context, ic *module.InitContext) (module.Instance, error) {
	return &instance{room: ic.Room, self: ic.Participant}, nil
}

type instance struct {
	room types.SignalingRoomId
	self types.ParticipantId
}

func (i *instance) OnEvent(ctx context.Context, mc *module.ModuleContext, event module.Event) error {
	switch {
	case event.WsMessage != nil:
		return i.handleCommand(ctx, mc, event.WsMessage)
	case event.Exchange != nil:
		return i.handleExchange(mc, event.Exchange)
	}
	return nil
}

func (i *instance) handleCommand(ctx context.Context, mc *module.ModuleContext, cmd *module.Incoming) error {
	if mc.Role != types.RoleModerator {
		return moderr.New(moderr.KindPermissionDenied, "moderation commands require moderator")
	}
	var c TargetCmd
	if err := json.Unmarshal(cmd.Payload, &c); err != nil {
		return moderr.New(moderr.KindMalformedMessage, cmd.Kind)
	}
	if c.Target == "" || c.Target == i.self {
		return moderr.New(moderr.KindMalformedMessage, "invalid target")
	}

	switch cmd.Kind {
	case cmdKick:
		return i.remove(mc, c.Target, exKicked)
	case cmdBan:
		attrs, err := room.ReadAttrs(ctx, mc.Store, i.room, c.Target)
		if err != nil {
			return moderr.New(moderr.KindMalformedMessage, "unknown target")
		}
		if attrs.UserId == nil {
			// Guests have no durable identity to ban; kick instead.
			return i.remove(mc, c.Target, exKicked)
		}
		if err := mc.Store.SetAdd(ctx, BannedUsersKey(i.room), string(*attrs.UserId)); err != nil {
			return moderr.NewFatal(err)
		}
		return i.remove(mc, c.Target, exBanned)
	default:
		return moderr.New(moderr.KindMalformedMessage, "unknown moderation command "+cmd.Kind)
	}
}

func (i *instance) remove(mc *module.ModuleContext, target types.ParticipantId, kind string) error {
	msg, err := module.NewExchangeMessage(Namespace, kind, RemovedEvent{IssuedBy: i.self})
	if err != nil {
		return err
	}
	mc.ExchangePublish(exchange.ParticipantKey(i.room, target), msg)
	return nil
}

// handleExchange runs on the target's runner: surface the event and
// ask the runner to shut the connection down.
func (i *instance) handleExchange(mc *module.ModuleContext, msg *module.ExchangeMessage) error {
	var ev RemovedEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return err
	}
	switch msg.Kind {
	case exKicked:
		mc.WsSend(Namespace, outgoing(evtKicked, ev))
		mc.Exit(CloseCodeKicked, room.LeaveReasonKicked)
	case exBanned:
		mc.WsSend(Namespace, outgoing(evtBanned, ev))
		mc.Exit(CloseCodeBanned, room.LeaveReasonBanned)
	}
	return nil
}

func (i *instance) OnDestroy(ctx context.Context, dc *module.DestroyContext) {
	if dc.CleanupScope == module.CleanupGlobal {
		_ = dc.Store.Del(ctx, BannedUsersKey(i.room))
	}
}

// IsBanned reports whether a user is banned from the room; the gateway
// consults it before starting a runner.
func IsBanned(ctx context.Context, st store.Store, r types.SignalingRoomId, uid types.UserId) (bool, error) {
	return st.SetIsMember(ctx, BannedUsersKey(r), string(uid))
}

func outgoing(kind string, payload any) map[string]any {
	return map[string]any{"kind": kind, "payload": payload}
}
