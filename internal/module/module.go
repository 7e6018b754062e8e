// Package module defines the contract every signaling module (chat,
// media, automod, legal-vote, training-report, ...) implements, plus
// the Init/Event/Destroy context types the runner hands to module
// instances. The runner dispatches through the Module interface alone,
// so new modules plug in without runner changes.
package module

import (
	"context"
	"encoding/json"
	"time"

	"github.com/RoseWrightdev/signaling-core/internal/store"
	"github.com/RoseWrightdev/signaling-core/internal/types"
)

// Builder constructs a module's process-wide parameter block once at
// startup. Returning (nil, nil) disables the module for every
// participant; returning an error aborts startup.
type Builder func() (any, error)

// Module is the full per-participant contract. A concrete module type
// implements this once; NewForParticipant-style construction happens
// inside Init, which may itself return nil to skip the module for this
// participant (e.g. a module scoped to moderators only).
type Module interface {
	// Namespace returns this module's unique wire/key prefix.
	Namespace() types.ModuleId

	// Init runs once per participant, under no lock. It may read the
	// volatile store to decide whether to activate, and may request
	// extra exchange subscriptions via InitContext.Subscribe. Returning
	// (nil, nil) disables the module for this participant.
	Init(ctx context.Context, ic *InitContext) (Instance, error)
}

// Instance is the live, per-participant module object returned by
// Init. OnEvent is called with no concurrent calls for the same
// instance; OnDestroy is the last call.
type Instance interface {
	OnEvent(ctx context.Context, mc *ModuleContext, event Event) error
	OnDestroy(ctx context.Context, dc *DestroyContext)
}

// CleanupScope tells OnDestroy how much state to erase.
type CleanupScope string

const (
	// CleanupNone leaves all persisted module state untouched (e.g. a
	// reconnecting participant, or a non-last departure from the room).
	CleanupNone CleanupScope = "none"
	// CleanupLocal erases only breakout-room-scoped state.
	CleanupLocal CleanupScope = "local"
	// CleanupGlobal erases every key the module owns under the room.
	CleanupGlobal CleanupScope = "global"
)

// InitContext is passed to Init. It exposes identity, role, the
// volatile store, and the means to register additional exchange
// subscriptions before Join completes.
type InitContext struct {
	Room          types.SignalingRoomId
	Participant   types.ParticipantId
	Attrs         types.ParticipantAttrs
	Store         store.Store
	subscriptions []string
}

// Subscribe requests that the runner also dispatch Exchange events
// arriving on routingKey to this module, in addition to the room,
// participant and user keys every runner subscribes to.
func (ic *InitContext) Subscribe(routingKey string) {
	ic.subscriptions = append(ic.subscriptions, routingKey)
}

// Subscriptions returns the routing keys requested via Subscribe.
func (ic *InitContext) Subscriptions() []string {
	return ic.subscriptions
}

// DestroyContext is passed to OnDestroy.
type DestroyContext struct {
	Room         types.SignalingRoomId
	Participant  types.ParticipantId
	Store        store.Store
	CleanupScope CleanupScope
}

// Action is one side effect a handler requested. The runner collects
// every Action emitted during a single OnEvent call and flushes them in
// a fixed order after the handler returns: WS sends, exchange
// publishes, invalidate broadcast, new stream registration, exit.
type Action struct {
	WsSend          *WsSendAction
	ExchangePublish *ExchangePublishAction
	InvalidateData  bool
	AddEventStream  *EventStreamAction
	Exit            *ExitAction
}

type WsSendAction struct {
	Namespace types.ModuleId
	Payload   any
}

type ExchangePublishAction struct {
	RoutingKey string
	Message    ExchangeMessage
}

// EventStreamAction registers a module-private async source; its
// values are dispatched back to this module as Ext events.
type EventStreamAction struct {
	Stream <-chan ExtEvent
}

type ExitAction struct {
	CloseCode int
	Reason    string
}

// ModuleContext is passed to OnEvent. Every method appends to an
// internal action list rather than performing the effect immediately;
// DrainActions is called once by the runner after OnEvent returns.
type ModuleContext struct {
	Room        types.SignalingRoomId
	Participant types.ParticipantId
	Role        types.Role
	Store       store.Store
	now         func() time.Time
	actions     []Action
}

// NewModuleContext constructs a ModuleContext for a single OnEvent
// dispatch. now defaults to time.Now when nil (tests may override it
// for deterministic timestamps).
func NewModuleContext(room types.SignalingRoomId, participant types.ParticipantId, role types.Role, st store.Store, now func() time.Time) *ModuleContext {
	if now == nil {
		now = time.Now
	}
	return &ModuleContext{Room: room, Participant: participant, Role: role, Store: st, now: now}
}

func (mc *ModuleContext) Timestamp() time.Time { return mc.now() }

// WsSend queues an outbound WebSocket message under this module's
// namespace.
func (mc *ModuleContext) WsSend(namespace types.ModuleId, payload any) {
	mc.actions = append(mc.actions, Action{WsSend: &WsSendAction{Namespace: namespace, Payload: payload}})
}

// ExchangePublish queues a publish to routingKey.
func (mc *ModuleContext) ExchangePublish(routingKey string, msg ExchangeMessage) {
	mc.actions = append(mc.actions, Action{ExchangePublish: &ExchangePublishAction{RoutingKey: routingKey, Message: msg}})
}

// InvalidateData requests a Joined-style refresh broadcast of this
// participant's state to the room.
func (mc *ModuleContext) InvalidateData() {
	mc.actions = append(mc.actions, Action{InvalidateData: true})
}

// AddEventStream registers a module-private stream; values it emits
// are dispatched back to this module as Ext events.
func (mc *ModuleContext) AddEventStream(stream <-chan ExtEvent) {
	mc.actions = append(mc.actions, Action{AddEventStream: &EventStreamAction{Stream: stream}})
}

// Exit requests the runner begin shutdown after this event finishes
// processing.
func (mc *ModuleContext) Exit(closeCode int, reason string) {
	mc.actions = append(mc.actions, Action{Exit: &ExitAction{CloseCode: closeCode, Reason: reason}})
}

// DrainActions returns and clears the queued actions, in the order
// they were requested (which the runner further groups by kind).
func (mc *ModuleContext) DrainActions() []Action {
	out := mc.actions
	mc.actions = nil
	return out
}

// ExchangeMessage is the envelope carried over Exchange routing keys.
// Source identifies the module namespace that produced it, so the
// runner can dispatch to the matching module instance (or to every
// module subscribed to the raw routing key, for control-plane
// messages).
type ExchangeMessage struct {
	Source  types.ModuleId  `json:"source"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewExchangeMessage marshals payload into an ExchangeMessage.
func NewExchangeMessage(source types.ModuleId, kind string, payload any) (ExchangeMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ExchangeMessage{}, err
	}
	return ExchangeMessage{Source: source, Kind: kind, Payload: raw}, nil
}

// Encode marshals the message into its exchange wire bytes.
func (m ExchangeMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeExchangeMessage unmarshals the exchange wire bytes back into an
// ExchangeMessage.
func DecodeExchangeMessage(data []byte) (ExchangeMessage, error) {
	var msg ExchangeMessage
	err := json.Unmarshal(data, &msg)
	return msg, err
}

// Registry is the process-wide ordered set of loaded modules. Built once
// at startup; the runner walks it to Init a per-participant instance of
// each module.
type Registry struct {
	modules []Module
}

// Register appends m. Registration order is dispatch order.
func (r *Registry) Register(m Module) {
	r.modules = append(r.modules, m)
}

// All returns the registered modules in registration order.
func (r *Registry) All() []Module {
	return r.modules
}

// Incoming is a decoded client command for a module, as it arrives
// inside a WsMessage event.
type Incoming struct {
	Kind    string
	Payload json.RawMessage
}

// ExtEvent is a module-private asynchronous event, sourced from a
// stream the module itself registered via AddEventStream (e.g. an
// automod speaker-timer expiry or a training-report checkpoint timer).
type ExtEvent struct {
	Kind    string
	Payload any
}
