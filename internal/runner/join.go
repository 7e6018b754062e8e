package runner

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/signaling-core/internal/exchange"
	"github.com/RoseWrightdev/signaling-core/internal/logging"
	"github.com/RoseWrightdev/signaling-core/internal/metrics"
	"github.com/RoseWrightdev/signaling-core/internal/moderr"
	"github.com/RoseWrightdev/signaling-core/internal/module"
	"github.com/RoseWrightdev/signaling-core/internal/room"
	"github.com/RoseWrightdev/signaling-core/internal/types"
)

// handleControlCommand processes a control-namespace frame. Returns
// true when the runner must shut down.
func (r *Runner) handleControlCommand(ctx context.Context, payload json.RawMessage) bool {
	var body struct {
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		r.sendControlError(ErrorPayload{Error: moderr.KindMalformedMessage, Detail: "invalid control payload"})
		return false
	}

	if body.Kind == cmdJoin {
		if r.state != stateJoining {
			r.sendControlError(ErrorPayload{Error: moderr.KindMalformedMessage, Detail: "already joined"})
			return false
		}
		var join JoinCmd
		if err := json.Unmarshal(body.Payload, &join); err != nil {
			r.sendControlError(ErrorPayload{Error: moderr.KindMalformedMessage, Detail: "invalid join payload"})
			return false
		}
		if err := r.doJoin(ctx, join); err != nil {
			logging.Error(ctx, "runner: join failed", zap.Error(err))
			r.closeWith(closeCodeInternal, "join failed")
			return true
		}
		return false
	}

	if r.state != stateInRoom {
		r.sendControlError(ErrorPayload{Error: moderr.KindMalformedMessage, Detail: "not joined"})
		return false
	}

	switch body.Kind {
	case cmdRaiseHand, cmdLowerHand:
		up := body.Kind == cmdRaiseHand
		if err := room.SetHand(ctx, r.deps.Store, r.room, r.id, up, r.now().UTC()); err != nil {
			logging.Error(ctx, "runner: failed to update hand state", zap.Error(err))
			return false
		}
		r.attrs.HandIsUp = up
		r.attrs.HandUpdatedAt = r.now().UTC()
		event := module.Event{RaiseHand: &module.RaiseHandEvent{}}
		if !up {
			event = module.Event{LowerHand: &module.LowerHandEvent{}}
		}
		if fatal := r.dispatchToAll(ctx, event); fatal {
			return true
		}
		r.broadcastUpdate(ctx)
		return false

	case cmdGrantRole, cmdRevokeRole:
		if r.role != types.RoleModerator {
			r.sendControlError(ErrorPayload{Error: moderr.KindPermissionDenied})
			return false
		}
		var target TargetCmd
		if err := json.Unmarshal(body.Payload, &target); err != nil || target.Target == "" {
			r.sendControlError(ErrorPayload{Error: moderr.KindMalformedMessage, Detail: "invalid target"})
			return false
		}
		newRole := types.RoleModerator
		if body.Kind == cmdRevokeRole {
			newRole = types.RoleUser
		}
		if err := room.SetRole(ctx, r.deps.Store, r.room, target.Target, newRole); err != nil {
			logging.Error(ctx, "runner: failed to update role", zap.Error(err))
			return false
		}
		r.publishControl(ctx, exchange.ParticipantKey(r.room, target.Target),
			room.ControlRoleUpdated, room.RoleUpdatedPayload{NewRole: newRole})
		r.publishControl(ctx, exchange.ParticipantsKey(r.room),
			room.ControlUpdate, room.UpdatePayload{Id: target.Target})
		return false

	default:
		r.sendControlError(ErrorPayload{Error: moderr.KindMalformedMessage, Detail: "unknown control command " + body.Kind})
		return false
	}
}

// doJoin executes the authoritative join sequence.
func (r *Runner) doJoin(ctx context.Context, join JoinCmd) error {
	now := r.now().UTC()

	// The room creator rides on every ticket; ownership never depends on
	// connection order.
	if r.ticket.RoomOwner != "" {
		if err := room.SetOwner(ctx, r.deps.Store, r.room, r.ticket.RoomOwner); err != nil {
			return err
		}
	}

	r.attrs = types.ParticipantAttrs{
		Kind:          r.ticket.Kind,
		DisplayName:   join.DisplayName,
		AvatarURL:     join.AvatarURL,
		Role:          r.role,
		JoinedAt:      now,
		HandIsUp:      false,
		HandUpdatedAt: now,
		IsPresent:     true,
		UserId:        r.ticket.UserID,
	}
	if r.ticket.Kind == types.KindUser && r.ticket.UserID != nil && r.ticket.RoomOwner != "" {
		r.attrs.IsRoomOwner = *r.ticket.UserID == r.ticket.RoomOwner
	}

	existing, err := room.Join(ctx, r.deps.Store, r.room, r.id, r.attrs)
	if err != nil {
		return err
	}

	// Subscriptions come up right after the join transaction and before
	// module init; exchange messages published between the two are not
	// received.
	r.subscribeExchange(ctx, exchange.ParticipantsKey(r.room))
	r.subscribeExchange(ctx, exchange.ParticipantKey(r.room, r.id))
	if r.ticket.UserID != nil {
		r.subscribeExchange(ctx, exchange.UserKey(r.room, *r.ticket.UserID))
	}

	peers := make([]module.ParticipantSummary, 0, len(existing))
	entries := make([]ParticipantEntry, 0, len(existing))
	for _, pid := range existing {
		attrs, err := room.ReadAttrs(ctx, r.deps.Store, r.room, pid)
		if err != nil {
			continue
		}
		peers = append(peers, module.ParticipantSummary{Id: pid, Attrs: attrs})
		entries = append(entries, participantEntry(pid, attrs))
	}

	moduleData := make(map[types.ModuleId]any)
	for _, m := range r.deps.Registry.All() {
		ic := &module.InitContext{
			Room:        r.room,
			Participant: r.id,
			Attrs:       r.attrs,
			Store:       r.deps.Store,
		}
		inst, err := m.Init(ctx, ic)
		if err != nil {
			return err
		}
		if inst == nil {
			continue
		}
		for _, key := range ic.Subscriptions() {
			r.subscribeExchange(ctx, key)
		}
		r.modules = append(r.modules, activeModule{ns: m.Namespace(), inst: inst})

		joined := &module.JoinedEvent{Participants: peers}
		mc := r.newModuleContext()
		if fatal := r.runHandler(ctx, m.Namespace(), inst, mc, module.Event{Joined: joined}); fatal {
			return errModuleJoinFailed
		}
		r.flushActions(ctx, m.Namespace(), mc)

		if joined.FrontendData != nil {
			moduleData[m.Namespace()] = joined.FrontendData
		}
		for idx := range entries {
			if data, ok := joined.PeerData[entries[idx].Id]; ok {
				if entries[idx].ModuleData == nil {
					entries[idx].ModuleData = make(map[types.ModuleId]any)
				}
				entries[idx].ModuleData[m.Namespace()] = data
			}
		}
	}

	r.state = stateInRoom
	metrics.RoomParticipants.WithLabelValues(r.room.String()).Inc()

	r.sendControl(evtJoinSuccess, JoinSuccess{
		Id:           r.id,
		DisplayName:  r.attrs.DisplayName,
		AvatarURL:    r.attrs.AvatarURL,
		Role:         r.role,
		Tariff:       r.ticket.Tariff,
		IsRoomOwner:  r.attrs.IsRoomOwner,
		ModuleData:   moduleData,
		Participants: entries,
	})

	r.publishControl(ctx, exchange.ParticipantsKey(r.room), room.ControlJoined, room.JoinedPayload{Id: r.id})
	return nil
}

// handleControlExchange reacts to another runner's control message.
func (r *Runner) handleControlExchange(ctx context.Context, msg module.ExchangeMessage) bool {
	switch msg.Kind {
	case room.ControlJoined:
		var p room.JoinedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Id == r.id {
			return false
		}
		attrs, err := room.ReadAttrs(ctx, r.deps.Store, r.room, p.Id)
		if err != nil {
			return false
		}
		summary := module.ParticipantSummary{Id: p.Id, Attrs: attrs}
		if fatal := r.dispatchToAll(ctx, module.Event{ParticipantJoined: &module.ParticipantJoinedEvent{Participant: summary}}); fatal {
			return true
		}
		r.sendControl(evtJoined, participantEntry(p.Id, attrs))
		return false

	case room.ControlLeft:
		var p room.LeftPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Id == r.id {
			return false
		}
		if fatal := r.dispatchToAll(ctx, module.Event{ParticipantLeft: &module.ParticipantLeftEvent{Id: p.Id, Reason: p.Reason}}); fatal {
			return true
		}
		r.sendControl(evtLeft, p)
		return false

	case room.ControlUpdate:
		var p room.UpdatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return false
		}
		attrs, err := room.ReadAttrs(ctx, r.deps.Store, r.room, p.Id)
		if err != nil {
			return false
		}
		if p.Id == r.id {
			// Our own broadcast bounced back; peers already handled it.
			return false
		}
		summary := module.ParticipantSummary{Id: p.Id, Attrs: attrs}
		if fatal := r.dispatchToAll(ctx, module.Event{ParticipantUpdated: &module.ParticipantUpdatedEvent{Participant: summary}}); fatal {
			return true
		}
		r.sendControl(evtUpdate, participantEntry(p.Id, attrs))
		return false

	case room.ControlRoleUpdated:
		var p room.RoleUpdatedPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return false
		}
		r.role = p.NewRole
		r.attrs.Role = p.NewRole
		if fatal := r.dispatchToAll(ctx, module.Event{RoleUpdated: &module.RoleUpdatedEvent{NewRole: p.NewRole}}); fatal {
			return true
		}
		r.sendControl(evtRoleUpdated, RoleUpdatedEvent{NewRole: p.NewRole})
		return false

	case room.ControlFatalError:
		var p room.UpdatePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil || p.Id == r.id {
			return false
		}
		r.sendControl(evtFatal, nil)
		return false
	}
	return false
}

// leave executes the leave protocol: Leaving dispatch, attrs stamp,
// the atomic membership removal, the Left broadcast, and OnDestroy
// with the computed cleanup scope.
func (r *Runner) leave(ctx context.Context) {
	if r.state != stateInRoom && r.state != stateLeaving {
		return
	}
	r.state = stateLeaving

	r.dispatchToAll(ctx, module.Event{Leaving: &module.LeavingEvent{}})

	if err := room.SetLeftAt(ctx, r.deps.Store, r.room, r.id, r.now().UTC()); err != nil {
		logging.Warn(ctx, "runner: failed to stamp left_at", zap.Error(err))
	}

	destroyed, err := room.Leave(ctx, r.deps.Store, r.room, r.id)
	if err != nil {
		logging.Error(ctx, "runner: leave transaction failed", zap.Error(err))
	}
	metrics.RoomParticipants.WithLabelValues(r.room.String()).Dec()

	r.publishControl(ctx, exchange.ParticipantsKey(r.room), room.ControlLeft,
		room.LeftPayload{Id: r.id, Reason: r.leaveReason})

	scope := module.CleanupNone
	if destroyed {
		if r.room.Breakout != "" {
			scope = module.CleanupLocal
		} else {
			scope = module.CleanupGlobal
		}
	}
	for _, m := range r.modules {
		dc := &module.DestroyContext{
			Room:         r.room,
			Participant:  r.id,
			Store:        r.deps.Store,
			CleanupScope: scope,
		}
		m.inst.OnDestroy(ctx, dc)
	}

	if destroyed {
		if err := room.DeleteCoreKeys(ctx, r.deps.Store, r.room); err != nil {
			logging.Warn(ctx, "runner: failed to delete room core keys", zap.Error(err))
		}
	}
}

var errModuleJoinFailed = moderr.NewFatal(nil)
