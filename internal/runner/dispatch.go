package runner

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/signaling-core/internal/exchange"
	"github.com/RoseWrightdev/signaling-core/internal/logging"
	"github.com/RoseWrightdev/signaling-core/internal/metrics"
	"github.com/RoseWrightdev/signaling-core/internal/moderr"
	"github.com/RoseWrightdev/signaling-core/internal/module"
	"github.com/RoseWrightdev/signaling-core/internal/room"
	"github.com/RoseWrightdev/signaling-core/internal/types"
)

// handleWsEnvelope routes one decoded frame. Returns true when a fatal
// error requires the runner to shut down.
func (r *Runner) handleWsEnvelope(ctx context.Context, env types.Envelope) bool {
	if env.Namespace == types.ControlNamespace {
		return r.handleControlCommand(ctx, env.Payload)
	}

	if r.state != stateInRoom {
		r.sendControlError(ErrorPayload{Error: moderr.KindMalformedMessage, Detail: "not joined"})
		return false
	}

	var body struct {
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		r.sendControlError(ErrorPayload{Error: moderr.KindMalformedMessage, Detail: "invalid payload"})
		return false
	}

	for _, m := range r.modules {
		if m.ns == env.Namespace {
			incoming := module.Incoming{Kind: body.Kind, Payload: body.Payload}
			return r.dispatchToModule(ctx, m.ns, module.Event{WsMessage: &incoming})
		}
	}

	metrics.RunnerEventsTotal.WithLabelValues("ws", "unknown_namespace").Inc()
	r.sendControlError(ErrorPayload{Error: moderr.KindUnknownNamespace, Detail: string(env.Namespace)})
	return false
}

// handleExchangePayload decodes a bus delivery and routes it: control
// messages to the runner itself, module messages to the owning module
// instance.
func (r *Runner) handleExchangePayload(ctx context.Context, payload []byte) bool {
	msg, err := module.DecodeExchangeMessage(payload)
	if err != nil {
		logging.Warn(ctx, "runner: undecodable exchange message", zap.Error(err))
		return false
	}

	if msg.Source == types.ControlNamespace {
		return r.handleControlExchange(ctx, msg)
	}

	for _, m := range r.modules {
		if m.ns == msg.Source {
			return r.dispatchToModule(ctx, m.ns, module.Event{Exchange: &msg})
		}
	}
	return false
}

// dispatchToModule invokes one module's OnEvent and flushes the
// requested actions. Returns true on a fatal error.
func (r *Runner) dispatchToModule(ctx context.Context, ns types.ModuleId, event module.Event) bool {
	for _, m := range r.modules {
		if m.ns != ns {
			continue
		}
		mc := r.newModuleContext()
		fatal := r.runHandler(ctx, ns, m.inst, mc, event)
		exit := r.flushActions(ctx, ns, mc)
		return fatal || exit
	}
	return false
}

// dispatchToAll fans a lifecycle event across every module in
// registration order.
func (r *Runner) dispatchToAll(ctx context.Context, event module.Event) bool {
	for _, m := range r.modules {
		mc := r.newModuleContext()
		fatal := r.runHandler(ctx, m.ns, m.inst, mc, event)
		exit := r.flushActions(ctx, m.ns, mc)
		if fatal || exit {
			return true
		}
	}
	return false
}

func (r *Runner) newModuleContext() *module.ModuleContext {
	return module.NewModuleContext(r.room, r.id, r.role, r.deps.Store, r.now)
}

// runHandler calls OnEvent, classifies its error, and reports whether
// the error was fatal.
func (r *Runner) runHandler(ctx context.Context, ns types.ModuleId, inst module.Instance, mc *module.ModuleContext, event module.Event) bool {
	start := time.Now()
	err := inst.OnEvent(ctx, mc, event)
	metrics.EventProcessingDuration.WithLabelValues(string(ns)).Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.RunnerEventsTotal.WithLabelValues(string(ns), "ok").Inc()
		return false
	}

	switch e := err.(type) {
	case *moderr.Recoverable:
		metrics.ModuleErrorsTotal.WithLabelValues(string(ns), string(e.Kind)).Inc()
		r.enqueue(ns, controlMessage{Kind: evtError, Payload: ErrorPayload{Error: e.Kind, Detail: e.Detail, Data: e.Data}})
		return false
	default:
		metrics.ModuleErrorsTotal.WithLabelValues(string(ns), "fatal").Inc()
		logging.Error(ctx, "runner: fatal module error", zap.String("module", string(ns)), zap.Error(err))
		r.broadcastFatal(ctx)
		r.closeWith(closeCodeInternal, "internal error")
		return true
	}
}

// flushActions applies a handler's requested side effects in the
// contract order: WS sends, exchange publishes, invalidate broadcast,
// stream registrations, exit. Returns true when an exit was requested.
func (r *Runner) flushActions(ctx context.Context, ns types.ModuleId, mc *module.ModuleContext) bool {
	actions := mc.DrainActions()

	for _, a := range actions {
		if a.WsSend != nil {
			r.enqueue(a.WsSend.Namespace, a.WsSend.Payload)
		}
	}
	for _, a := range actions {
		if a.ExchangePublish != nil {
			r.publishExchange(ctx, a.ExchangePublish.RoutingKey, a.ExchangePublish.Message)
		}
	}
	for _, a := range actions {
		if a.InvalidateData {
			r.broadcastUpdate(ctx)
			break
		}
	}
	for _, a := range actions {
		if a.AddEventStream != nil {
			r.registerExtStream(ns, a.AddEventStream.Stream)
		}
	}
	for _, a := range actions {
		if a.Exit != nil {
			r.leaveReason = a.Exit.Reason
			r.closeWith(a.Exit.CloseCode, a.Exit.Reason)
			return true
		}
	}
	return false
}

func (r *Runner) publishExchange(ctx context.Context, routingKey string, msg module.ExchangeMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logging.Warn(ctx, "runner: failed to marshal exchange message", zap.Error(err))
		return
	}
	if err := r.deps.Exchange.Publish(ctx, routingKey, data); err != nil {
		logging.Warn(ctx, "runner: exchange publish failed", zap.String("routing_key", routingKey), zap.Error(err))
	}
}

func (r *Runner) publishControl(ctx context.Context, routingKey, kind string, payload any) {
	msg, err := module.NewExchangeMessage(types.ControlNamespace, kind, payload)
	if err != nil {
		return
	}
	r.publishExchange(ctx, routingKey, msg)
}

// broadcastUpdate announces that this participant's attributes changed.
func (r *Runner) broadcastUpdate(ctx context.Context) {
	r.publishControl(ctx, exchange.ParticipantsKey(r.room), room.ControlUpdate, room.UpdatePayload{Id: r.id})
}

// broadcastFatal tells the room this runner hit a fatal infrastructure
// error before its socket closes.
func (r *Runner) broadcastFatal(ctx context.Context) {
	r.publishControl(ctx, exchange.ParticipantsKey(r.room), room.ControlFatalError, room.UpdatePayload{Id: r.id})
	r.sendControl(evtFatal, nil)
}

// participantEntry assembles the control-plane view of a peer from its
// attributes.
func participantEntry(id types.ParticipantId, attrs types.ParticipantAttrs) ParticipantEntry {
	return ParticipantEntry{
		Id:            id,
		DisplayName:   attrs.DisplayName,
		AvatarURL:     attrs.AvatarURL,
		Role:          attrs.Role,
		Kind:          attrs.Kind,
		JoinedAt:      attrs.JoinedAt,
		HandIsUp:      attrs.HandIsUp,
		HandUpdatedAt: attrs.HandUpdatedAt,
		IsRoomOwner:   attrs.IsRoomOwner,
	}
}
