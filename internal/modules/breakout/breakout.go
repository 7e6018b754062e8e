// Package breakout implements the breakout signaling module: a
// moderator splits the room into named sub-rooms with per-participant
// assignments and an optional duration, and ends the split early or
// lets it expire. Participants re-enter through the gateway with a
// breakout-scoped ticket; this module only coordinates the split.
package breakout

import (
	"context"
	"encoding/json"
	"time"

	"github.com/RoseWrightdev/signaling-core/internal/exchange"
	"github.com/RoseWrightdev/signaling-core/internal/moderr"
	"github.com/RoseWrightdev/signaling-core/internal/module"
	"github.com/RoseWrightdev/signaling-core/internal/store"
	"github.com/RoseWrightdev/signaling-core/internal/types"
)

// Namespace is the breakout module's wire and key namespace.
const Namespace types.ModuleId = "breakout"

// configKey is scoped to the parent room: breakout state must be
// visible from inside the sub-rooms too.
func configKey(r types.SignalingRoomId) string {
	return "breakout:config:" + string(r.Room)
}

const (
	cmdStart = "start"
	cmdStop  = "stop"
)

const (
	evtStarted = "started"
	evtStopped = "stopped"
	evtExpired = "expired"
)

const (
	exStarted = "started"
	exStopped = "stopped"
	exExpired = "expired"
)

const extExpired = "expired"

// Room is one breakout sub-room definition.
type Room struct {
	Id          types.BreakoutRoomId  `json:"id"`
	Name        string                `json:"name"`
	Assignments []types.ParticipantId `json:"assignments,omitempty"`
}

// Config is the persisted breakout session.
type Config struct {
	Rooms    []Room              `json:"rooms"`
	Started  time.Time           `json:"started"`
	Expires  *time.Time          `json:"expires,omitempty"`
	IssuedBy types.ParticipantId `json:"issued_by"`
}

type StartCmd struct {
	Rooms        []Room `json:"rooms"`
	DurationSecs int    `json:"duration_secs,omitempty"`
}

// FrontendData is the breakout slice of JoinSuccess.
type FrontendData struct {
	Config     *Config               `json:"config,omitempty"`
	Assignment *types.BreakoutRoomId `json:"assignment,omitempty"`
}

// Module is the process-wide breakout module.
type Module struct{}

func New() *Module { return &Module{} }

func (m *Module) Namespace() types.ModuleId { return Namespace }

func (m *Module) Init(ctx context.Context, ic *module.InitContext) (module.Instance, error) {
	return &instance{
		room:    ic.Room,
		self:    ic.Participant,
		timerCh: make(chan module.ExtEvent, 1),
	}, nil
}

type instance struct {
	room types.SignalingRoomId
	self types.ParticipantId

	timerCh    chan module.ExtEvent
	registered bool
}

func (i *instance) OnEvent(ctx context.Context, mc *module.ModuleContext, event module.Event) error {
	switch {
	case event.Joined != nil:
		if !i.registered {
			mc.AddEventStream(i.timerCh)
			i.registered = true
		}
		return i.handleJoined(ctx, mc, event.Joined)
	case event.WsMessage != nil:
		return i.handleCommand(ctx, mc, event.WsMessage)
	case event.Exchange != nil:
		return i.handleExchange(mc, event.Exchange)
	case event.Ext != nil:
		return i.handleTimer(ctx, mc, event.Ext)
	}
	return nil
}

func (i *instance) handleJoined(ctx context.Context, mc *module.ModuleContext, ev *module.JoinedEvent) error {
	cfg, err := readConfig(ctx, mc.Store, i.room)
	if err != nil || cfg == nil {
		return nil
	}
	fd := FrontendData{Config: cfg}
	if a := assignmentOf(cfg, i.self); a != nil {
		fd.Assignment = a
	}
	ev.FrontendData = fd
	return nil
}

func (i *instance) handleCommand(ctx context.Context, mc *module.ModuleContext, cmd *module.Incoming) error {
	if mc.Role != types.RoleModerator {
		return moderr.New(moderr.KindPermissionDenied, "breakout commands require moderator")
	}
	switch cmd.Kind {
	case cmdStart:
		var c StartCmd
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return moderr.New(moderr.KindMalformedMessage, "start")
		}
		if len(c.Rooms) == 0 {
			return moderr.New(moderr.KindMalformedMessage, "no breakout rooms given")
		}
		if existing, err := readConfig(ctx, mc.Store, i.room); err == nil && existing != nil {
			return moderr.New(moderr.KindSessionAlreadyRunning, "")
		}
		cfg := Config{Rooms: c.Rooms, Started: mc.Timestamp().UTC(), IssuedBy: i.self}
		if c.DurationSecs > 0 {
			expires := cfg.Started.Add(time.Duration(c.DurationSecs) * time.Second)
			cfg.Expires = &expires
			time.AfterFunc(time.Until(expires), func() {
				select {
				case i.timerCh <- module.ExtEvent{Kind: extExpired}:
				default:
				}
			})
		}
		raw, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		if err := mc.Store.Set(ctx, configKey(i.room), string(raw), 0); err != nil {
			return moderr.NewFatal(err)
		}
		i.publish(mc, exStarted, cfg)
		return nil

	case cmdStop:
		cfg, err := readConfig(ctx, mc.Store, i.room)
		if err != nil || cfg == nil {
			return moderr.New(moderr.KindInvalidSelection, "no breakout session running")
		}
		if err := mc.Store.Del(ctx, configKey(i.room)); err != nil {
			return moderr.NewFatal(err)
		}
		i.publish(mc, exStopped, map[string]any{"issued_by": i.self})
		return nil

	default:
		return moderr.New(moderr.KindMalformedMessage, "unknown breakout command "+cmd.Kind)
	}
}

func (i *instance) handleTimer(ctx context.Context, mc *module.ModuleContext, ev *module.ExtEvent) error {
	if ev.Kind != extExpired {
		return nil
	}
	cfg, err := readConfig(ctx, mc.Store, i.room)
	if err != nil || cfg == nil || cfg.Expires == nil {
		return nil
	}
	if err := mc.Store.Del(ctx, configKey(i.room)); err != nil {
		return moderr.NewFatal(err)
	}
	i.publish(mc, exExpired, nil)
	return nil
}

func (i *instance) handleExchange(mc *module.ModuleContext, msg *module.ExchangeMessage) error {
	switch msg.Kind {
	case exStarted:
		var cfg Config
		if err := json.Unmarshal(msg.Payload, &cfg); err != nil {
			return err
		}
		fd := FrontendData{Config: &cfg, Assignment: assignmentOf(&cfg, i.self)}
		mc.WsSend(Namespace, outgoing(evtStarted, fd))
	case exStopped:
		mc.WsSend(Namespace, outgoing(evtStopped, nil))
	case exExpired:
		mc.WsSend(Namespace, outgoing(evtExpired, nil))
	}
	return nil
}

func (i *instance) OnDestroy(ctx context.Context, dc *module.DestroyContext) {
	// Only a global cleanup of the parent room removes the split; a
	// breakout room emptying must not end the session for everyone else.
	if dc.CleanupScope == module.CleanupGlobal && i.room.Breakout == "" {
		_ = dc.Store.Del(ctx, configKey(i.room))
	}
}

func (i *instance) publish(mc *module.ModuleContext, kind string, payload any) {
	msg, err := module.NewExchangeMessage(Namespace, kind, payload)
	if err != nil {
		return
	}
	mc.ExchangePublish(exchange.ParticipantsKey(i.room), msg)
}

func readConfig(ctx context.Context, st store.Store, r types.SignalingRoomId) (*Config, error) {
	raw, err := st.Get(ctx, configKey(r))
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func assignmentOf(cfg *Config, pid types.ParticipantId) *types.BreakoutRoomId {
	for _, r := range cfg.Rooms {
		for _, a := range r.Assignments {
			if a == pid {
				id := r.Id
				return &id
			}
		}
	}
	return nil
}

func outgoing(kind string, payload any) map[string]any {
	return map[string]any{"kind": kind, "payload": payload}
}
