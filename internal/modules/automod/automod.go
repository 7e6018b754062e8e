// Package automod implements the automatic-moderation signaling
// module: a speaker-selection state machine with playlist, random, and
// nomination strategies, optional per-speaker time limits, and an
// animated random pick.
package automod

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/RoseWrightdev/signaling-core/internal/exchange"
	"github.com/RoseWrightdev/signaling-core/internal/moderr"
	"github.com/RoseWrightdev/signaling-core/internal/module"
	"github.com/RoseWrightdev/signaling-core/internal/room"
	"github.com/RoseWrightdev/signaling-core/internal/store"
	"github.com/RoseWrightdev/signaling-core/internal/types"
)

// Namespace is the automod module's wire and key namespace.
const Namespace types.ModuleId = "automod"

// animationDuration is the fixed UX animation window before a hidden
// random selection lands.
const animationDuration = 8 * time.Second

func configKey(r types.SignalingRoomId) string    { return "automod:config:" + r.String() }
func allowListKey(r types.SignalingRoomId) string { return "automod:allowlist:" + r.String() }
func playlistKey(r types.SignalingRoomId) string  { return "automod:playlist:" + r.String() }
func speakerKey(r types.SignalingRoomId) string   { return "automod:speaker:" + r.String() }

func historyKey(r types.SignalingRoomId, started time.Time) string {
	return "automod:history:" + r.String() + ":" + started.UTC().Format(time.RFC3339Nano)
}

// speakerRecord is the automod:speaker value: the speaker plus the
// timer cookie that invalidates a stale expiry.
type speakerRecord struct {
	Participant types.ParticipantId `json:"participant"`
	ExpiryId    string              `json:"expiry_id,omitempty"`
}

// Timer ext-event kinds.
const (
	extSpeakerExpired   = "speaker_expired"
	extAnimationElapsed = "animation_elapsed"
)

// Module is the process-wide automod module.
type Module struct{}

func New() *Module { return &Module{} }

func (m *Module) Namespace() types.ModuleId { return Namespace }

func (m *Module) Init(ctx context.Context, ic *module.InitContext) (module.Instance, error) {
	return &instance{
		room:    ic.Room,
		self:    ic.Participant,
		timerCh: make(chan module.ExtEvent, 4),
	}, nil
}

type instance struct {
	room types.SignalingRoomId
	self types.ParticipantId

	// timerCh carries timer expiries back into the runner's event loop;
	// registered as an event stream on Joined.
	timerCh    chan module.ExtEvent
	registered bool

	// pendingAnimation is the hidden result of an animated random
	// selection, applied when the animation timer elapses.
	pendingAnimation *types.ParticipantId
}

func (i *instance) OnEvent(ctx context.Context, mc *module.ModuleContext, event module.Event) error {
	switch {
	case event.Joined != nil:
		if !i.registered {
			mc.AddEventStream(i.timerCh)
			i.registered = true
		}
		return i.handleJoined(ctx, mc, event.Joined)
	case event.Leaving != nil:
		return i.handleLeaving(ctx, mc)
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
	if rec, err := readSpeaker(ctx, mc.Store, i.room); err == nil && rec != nil {
		fd.Speaker = &rec.Participant
	}
	fd.Remaining, _ = i.remaining(ctx, mc.Store, cfg)
	fd.History, _ = readHistory(ctx, mc.Store, i.room, cfg.StartedAt)
	ev.FrontendData = fd
	return nil
}

func (i *instance) handleCommand(ctx context.Context, mc *module.ModuleContext, cmd *module.Incoming) error {
	switch cmd.Kind {
	case cmdStart:
		var c StartCmd
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return moderr.New(moderr.KindMalformedMessage, "start")
		}
		return i.start(ctx, mc, c)
	case cmdStop:
		if mc.Role != types.RoleModerator {
			return moderr.New(moderr.KindPermissionDenied, "stop requires moderator")
		}
		return i.withLock(ctx, mc, func(cfg *Config) error {
			if cfg == nil {
				return moderr.New(moderr.KindInvalidSelection, "no session running")
			}
			issuedBy := i.self
			return i.stopSession(ctx, mc, cfg, StoppedEvent{Reason: StopReasonByModerator, IssuedBy: &issuedBy})
		})
	case cmdSelect:
		if mc.Role != types.RoleModerator {
			return moderr.New(moderr.KindPermissionDenied, "select requires moderator")
		}
		var c SelectCmd
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return moderr.New(moderr.KindMalformedMessage, "select")
		}
		return i.withLock(ctx, mc, func(cfg *Config) error {
			if cfg == nil {
				return moderr.New(moderr.KindInvalidSelection, "no session running")
			}
			return i.applySelect(ctx, mc, cfg, c)
		})
	case cmdYield:
		var c YieldCmd
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return moderr.New(moderr.KindMalformedMessage, "yield")
		}
		return i.withLock(ctx, mc, func(cfg *Config) error {
			if cfg == nil || cfg.Strategy != StrategyNomination {
				return moderr.New(moderr.KindInvalidSelection, "yield requires a nomination session")
			}
			rec, err := readSpeaker(ctx, mc.Store, i.room)
			if err != nil || rec == nil || rec.Participant != i.self {
				return moderr.New(moderr.KindPermissionDenied, "only the current speaker may yield")
			}
			if c.Next == "" {
				return i.setSpeaker(ctx, mc, cfg, nil)
			}
			allowed, err := mc.Store.SetIsMember(ctx, allowListKey(i.room), string(c.Next))
			if err != nil {
				return moderr.NewFatal(err)
			}
			if !allowed {
				return moderr.New(moderr.KindInvalidSelection, "nominee is not in the allow list")
			}
			next := c.Next
			return i.setSpeaker(ctx, mc, cfg, &next)
		})
	default:
		return moderr.New(moderr.KindMalformedMessage, "unknown automod command "+cmd.Kind)
	}
}

func (i *instance) start(ctx context.Context, mc *module.ModuleContext, c StartCmd) error {
	if mc.Role != types.RoleModerator {
		return moderr.New(moderr.KindPermissionDenied, "start requires moderator")
	}

	var list []types.ParticipantId
	switch c.Strategy {
	case StrategyPlaylist:
		list = c.Playlist
	case StrategyRandom, StrategyNomination, StrategyNone:
		list = c.AllowList
	default:
		return moderr.New(moderr.KindMalformedMessage, "unknown strategy")
	}
	if c.Strategy != StrategyNone && len(list) == 0 {
		return moderr.New(moderr.KindInvalidSelection, "strategy list is empty")
	}

	present, err := room.Participants(ctx, mc.Store, i.room)
	if err != nil {
		return moderr.NewFatal(err)
	}
	presentSet := make(map[types.ParticipantId]struct{}, len(present))
	for _, p := range present {
		presentSet[p] = struct{}{}
	}
	for _, p := range list {
		if _, ok := presentSet[p]; !ok {
			return moderr.New(moderr.KindInvalidSelection, "listed participant not in room: "+string(p))
		}
	}

	return i.withLock(ctx, mc, func(existing *Config) error {
		if existing != nil {
			return moderr.New(moderr.KindSessionAlreadyRunning, "")
		}
		cfg := Config{
			Strategy:          c.Strategy,
			TimeLimitSecs:     c.TimeLimitSecs,
			AnimationOnRandom: c.AnimationOnRandom,
			AllowDoubleSelect: c.AllowDoubleSelect,
			StartedAt:         mc.Timestamp().UTC(),
			IssuedBy:          i.self,
		}
		raw, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		if err := mc.Store.Set(ctx, configKey(i.room), string(raw), 0); err != nil {
			return moderr.NewFatal(err)
		}
		if c.Strategy == StrategyPlaylist {
			for _, p := range list {
				if err := mc.Store.ListAppend(ctx, playlistKey(i.room), string(p)); err != nil {
					return moderr.NewFatal(err)
				}
			}
		} else {
			for _, p := range list {
				if err := mc.Store.SetAdd(ctx, allowListKey(i.room), string(p)); err != nil {
					return moderr.NewFatal(err)
				}
			}
		}
		i.publish(mc, exStarted, StartedEvent{Config: cfg, Remaining: list})
		return nil
	})
}

// withLock runs fn under the room lock with the session config loaded,
// the discipline every automod:* mutation requires.
func (i *instance) withLock(ctx context.Context, mc *module.ModuleContext, fn func(cfg *Config) error) error {
	guard, err := mc.Store.Lock(ctx, i.room.String(), room.LockTimeout)
	if err != nil {
		return moderr.NewFatal(err)
	}
	defer func() { _ = mc.Store.Unlock(ctx, guard) }()

	cfg, err := readConfig(ctx, mc.Store, i.room)
	if err != nil {
		return moderr.NewFatal(err)
	}
	return fn(cfg)
}

func (i *instance) applySelect(ctx context.Context, mc *module.ModuleContext, cfg *Config, c SelectCmd) error {
	switch c.Mode {
	case SelectNone:
		return i.setSpeaker(ctx, mc, cfg, nil)
	case SelectSpecific:
		if c.Participant == "" {
			return moderr.New(moderr.KindInvalidSelection, "specific selection requires a participant")
		}
		if !c.KeepInRemaining {
			if err := i.removeFromList(ctx, mc.Store, cfg, c.Participant); err != nil {
				return err
			}
		}
		p := c.Participant
		return i.setSpeaker(ctx, mc, cfg, &p)
	case SelectRandom:
		return i.selectRandom(ctx, mc, cfg)
	case SelectNext:
		return i.selectNext(ctx, mc, cfg, c.Participant)
	default:
		return moderr.New(moderr.KindInvalidSelection, "unknown selection mode")
	}
}

func (i *instance) selectRandom(ctx context.Context, mc *module.ModuleContext, cfg *Config) error {
	candidates, err := mc.Store.SetMembers(ctx, allowListKey(i.room))
	if err != nil {
		return moderr.NewFatal(err)
	}
	if len(candidates) == 0 {
		return i.stopSession(ctx, mc, cfg, StoppedEvent{Reason: StopReasonSessionFinished})
	}
	pick := types.ParticipantId(candidates[rand.Intn(len(candidates))])
	if cfg.AnimationOnRandom {
		i.pendingAnimation = &pick
		i.publish(mc, exStartAnimation, StartAnimationEvent{Result: pick})
		i.armTimer(animationDuration, module.ExtEvent{Kind: extAnimationElapsed})
		return nil
	}
	if !cfg.AllowDoubleSelect {
		if err := i.removeFromList(ctx, mc.Store, cfg, pick); err != nil {
			return err
		}
	}
	return i.setSpeaker(ctx, mc, cfg, &pick)
}

// selectNext implements the strategy-dependent Select::Next. nominee is
// only meaningful under nomination.
func (i *instance) selectNext(ctx context.Context, mc *module.ModuleContext, cfg *Config, nominee types.ParticipantId) error {
	switch cfg.Strategy {
	case StrategyPlaylist:
		head, err := i.popPlaylistHead(ctx, mc.Store)
		if err != nil {
			return err
		}
		if head == "" {
			return i.stopSession(ctx, mc, cfg, StoppedEvent{Reason: StopReasonSessionFinished})
		}
		return i.setSpeaker(ctx, mc, cfg, &head)
	case StrategyNomination:
		if nominee == "" {
			return moderr.New(moderr.KindInvalidSelection, "nomination requires a nominee")
		}
		allowed, err := mc.Store.SetIsMember(ctx, allowListKey(i.room), string(nominee))
		if err != nil {
			return moderr.NewFatal(err)
		}
		if !allowed {
			return moderr.New(moderr.KindInvalidSelection, "nominee is not in the allow list")
		}
		return i.setSpeaker(ctx, mc, cfg, &nominee)
	case StrategyRandom:
		return i.selectRandom(ctx, mc, cfg)
	default: // none
		return nil
	}
}

// setSpeaker writes (or clears) the speaker record, arms the time limit
// when configured, appends to history, and fans the update out.
func (i *instance) setSpeaker(ctx context.Context, mc *module.ModuleContext, cfg *Config, speaker *types.ParticipantId) error {
	if speaker == nil {
		if err := mc.Store.Del(ctx, speakerKey(i.room)); err != nil {
			return moderr.NewFatal(err)
		}
	} else {
		rec := speakerRecord{Participant: *speaker, ExpiryId: uuid.NewString()}
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := mc.Store.Set(ctx, speakerKey(i.room), string(raw), 0); err != nil {
			return moderr.NewFatal(err)
		}
		if err := mc.Store.ListAppend(ctx, historyKey(i.room, cfg.StartedAt), string(*speaker)); err != nil {
			return moderr.NewFatal(err)
		}
		if cfg.TimeLimitSecs > 0 {
			i.armTimer(time.Duration(cfg.TimeLimitSecs)*time.Second,
				module.ExtEvent{Kind: extSpeakerExpired, Payload: rec.ExpiryId})
		}
	}

	remaining, _ := i.remaining(ctx, mc.Store, cfg)
	history, _ := readHistory(ctx, mc.Store, i.room, cfg.StartedAt)
	i.publish(mc, exSpeakerUpdated, SpeakerUpdatedEvent{Speaker: speaker, Remaining: remaining, History: history})
	return nil
}

func (i *instance) stopSession(ctx context.Context, mc *module.ModuleContext, cfg *Config, ev StoppedEvent) error {
	if err := i.clearSessionKeys(ctx, mc.Store, cfg); err != nil {
		return moderr.NewFatal(err)
	}
	i.publish(mc, exStopped, ev)
	return nil
}

func (i *instance) clearSessionKeys(ctx context.Context, st store.Store, cfg *Config) error {
	for _, key := range []string{configKey(i.room), allowListKey(i.room), playlistKey(i.room), speakerKey(i.room)} {
		if err := st.Del(ctx, key); err != nil {
			return err
		}
	}
	if cfg != nil {
		return st.Del(ctx, historyKey(i.room, cfg.StartedAt))
	}
	return nil
}

func (i *instance) handleLeaving(ctx context.Context, mc *module.ModuleContext) error {
	return i.withLock(ctx, mc, func(cfg *Config) error {
		if cfg == nil {
			return nil
		}
		_ = i.removeFromList(ctx, mc.Store, cfg, i.self)
		rec, err := readSpeaker(ctx, mc.Store, i.room)
		if err == nil && rec != nil && rec.Participant == i.self {
			return i.setSpeaker(ctx, mc, cfg, nil)
		}
		return nil
	})
}

func (i *instance) handleTimer(ctx context.Context, mc *module.ModuleContext, ev *module.ExtEvent) error {
	switch ev.Kind {
	case extSpeakerExpired:
		expiryId, _ := ev.Payload.(string)
		return i.withLock(ctx, mc, func(cfg *Config) error {
			if cfg == nil {
				return nil
			}
			rec, err := readSpeaker(ctx, mc.Store, i.room)
			if err != nil || rec == nil || rec.ExpiryId != expiryId {
				return nil // speaker changed since the timer was armed
			}
			return i.selectNext(ctx, mc, cfg, "")
		})
	case extAnimationElapsed:
		pick := i.pendingAnimation
		i.pendingAnimation = nil
		if pick == nil {
			return nil
		}
		return i.withLock(ctx, mc, func(cfg *Config) error {
			if cfg == nil {
				return nil
			}
			if !cfg.AllowDoubleSelect {
				if err := i.removeFromList(ctx, mc.Store, cfg, *pick); err != nil {
					return err
				}
			}
			return i.setSpeaker(ctx, mc, cfg, pick)
		})
	}
	return nil
}

func (i *instance) handleExchange(mc *module.ModuleContext, msg *module.ExchangeMessage) error {
	// Session events fan out as-is; the instance relays them to its
	// client.
	var payload any
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return err
	}
	switch msg.Kind {
	case exStarted:
		mc.WsSend(Namespace, outgoing(evtStarted, payload))
	case exStopped:
		mc.WsSend(Namespace, outgoing(evtStopped, payload))
	case exSpeakerUpdated:
		mc.WsSend(Namespace, outgoing(evtSpeakerUpdated, payload))
	case exStartAnimation:
		mc.WsSend(Namespace, outgoing(evtStartAnimation, payload))
	}
	return nil
}

func (i *instance) OnDestroy(ctx context.Context, dc *module.DestroyContext) {
	if dc.CleanupScope == module.CleanupNone {
		return
	}
	cfg, _ := readConfig(ctx, dc.Store, i.room)
	_ = i.clearSessionKeys(ctx, dc.Store, cfg)
}

// removeFromList removes p from the active strategy's list. Playlist
// removal rewrites the list atomically.
func (i *instance) removeFromList(ctx context.Context, st store.Store, cfg *Config, p types.ParticipantId) error {
	if cfg.Strategy == StrategyPlaylist {
		key := playlistKey(i.room)
		_, err := st.Eval(ctx, []string{key}, func(tx store.Tx) (any, error) {
			entries := tx.ListAll(key)
			tx.Del(key)
			for _, e := range entries {
				if e != string(p) {
					tx.ListAppend(key, e)
				}
			}
			return nil, nil
		})
		if err != nil {
			return moderr.NewFatal(err)
		}
		return nil
	}
	if err := st.SetRemove(ctx, allowListKey(i.room), string(p)); err != nil {
		return moderr.NewFatal(err)
	}
	return nil
}

// popPlaylistHead atomically removes and returns the playlist head, or
// "" when the playlist is empty.
func (i *instance) popPlaylistHead(ctx context.Context, st store.Store) (types.ParticipantId, error) {
	key := playlistKey(i.room)
	res, err := st.Eval(ctx, []string{key}, func(tx store.Tx) (any, error) {
		entries := tx.ListAll(key)
		if len(entries) == 0 {
			return "", nil
		}
		tx.Del(key)
		for _, e := range entries[1:] {
			tx.ListAppend(key, e)
		}
		return entries[0], nil
	})
	if err != nil {
		return "", moderr.NewFatal(err)
	}
	return types.ParticipantId(res.(string)), nil
}

func (i *instance) remaining(ctx context.Context, st store.Store, cfg *Config) ([]types.ParticipantId, error) {
	if cfg == nil {
		return nil, nil
	}
	var raw []string
	var err error
	if cfg.Strategy == StrategyPlaylist {
		raw, err = st.ListRange(ctx, playlistKey(i.room))
	} else {
		raw, err = st.SetMembers(ctx, allowListKey(i.room))
	}
	if err != nil {
		return nil, err
	}
	out := make([]types.ParticipantId, 0, len(raw))
	for _, r := range raw {
		out = append(out, types.ParticipantId(r))
	}
	return out, nil
}

func (i *instance) armTimer(d time.Duration, ev module.ExtEvent) {
	time.AfterFunc(d, func() {
		select {
		case i.timerCh <- ev:
		default:
		}
	})
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

func readSpeaker(ctx context.Context, st store.Store, r types.SignalingRoomId) (*speakerRecord, error) {
	raw, err := st.Get(ctx, speakerKey(r))
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec speakerRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func readHistory(ctx context.Context, st store.Store, r types.SignalingRoomId, started time.Time) ([]types.ParticipantId, error) {
	raw, err := st.ListRange(ctx, historyKey(r, started))
	if err != nil {
		return nil, err
	}
	out := make([]types.ParticipantId, 0, len(raw))
	for _, e := range raw {
		out = append(out, types.ParticipantId(e))
	}
	return out, nil
}

func outgoing(kind string, payload any) map[string]any {
	return map[string]any{"kind": kind, "payload": payload}
}
