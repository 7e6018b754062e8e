// Package media implements the media signaling module: per-participant
// publish state, publisher/subscriber placement through the MCU pool,
// SDP forwarding, presenter-gated screen share, and moderator mute.
package media

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/signaling-core/internal/exchange"
	"github.com/RoseWrightdev/signaling-core/internal/logging"
	"github.com/RoseWrightdev/signaling-core/internal/mcu"
	"github.com/RoseWrightdev/signaling-core/internal/metrics"
	"github.com/RoseWrightdev/signaling-core/internal/moderr"
	"github.com/RoseWrightdev/signaling-core/internal/module"
	"github.com/RoseWrightdev/signaling-core/internal/room"
	"github.com/RoseWrightdev/signaling-core/internal/types"
)

// Namespace is the media module's wire and key namespace.
const Namespace types.ModuleId = "media"

// Backend is the slice of the MCU pool this module drives; *mcu.Pool
// satisfies it, tests substitute a fake.
type Backend interface {
	PlacePublisher(ctx context.Context, key mcu.MediaSessionKey, tenantID string) (*mcu.Publisher, error)
	PlaceSubscriber(ctx context.Context, targetKey mcu.MediaSessionKey, withoutVideo bool) (*mcu.Subscriber, error)
	ReleasePublisher(ctx context.Context, key mcu.MediaSessionKey, mcuID string, handle int64) error
	ReleaseHandle(ctx context.Context, mcuID string, handle int64) error
	SdpOffer(ctx context.Context, mcuID string, handle int64, sdp string) (string, error)
	SdpAnswer(ctx context.Context, mcuID string, handle int64, sdp string) error
	Candidate(ctx context.Context, mcuID string, handle int64, candidate string) error
	EndOfCandidates(ctx context.Context, mcuID string, handle int64) error
	PublisherConfigure(ctx context.Context, mcuID string, handle int64, audio, video bool) error
	SubscriberConfigure(ctx context.Context, mcuID string, handle int64, substream int32, video, restart bool) (string, error)
}

func stateKey(r types.SignalingRoomId, pid types.ParticipantId) string {
	return "media:state:" + r.String() + ":" + string(pid)
}

func speakingKey(r types.SignalingRoomId, pid types.ParticipantId) string {
	return "media:speaking:" + r.String() + ":" + string(pid)
}

// Module is the process-wide media module.
type Module struct {
	backend Backend
	// tenantID feeds the SFU room's bitrate caps; a single-tenant
	// deployment configures one id for every room.
	tenantID string
	// allowAllScreenshare lifts the presenter/moderator gate on screen
	// publishing (the global configuration flag variant of the grant).
	allowAllScreenshare bool
}

// New builds the media module around a placement backend.
func New(backend Backend, tenantID string, allowAllScreenshare bool) *Module {
	return &Module{backend: backend, tenantID: tenantID, allowAllScreenshare: allowAllScreenshare}
}

func (m *Module) Namespace() types.ModuleId { return Namespace }

func (m *Module) Init(ctx context.Context, ic *module.InitContext) (module.Instance, error) {
	// Recorders consume media through the SFU directly; no signaling
	// module instance for them.
	if ic.Attrs.Kind == types.KindRecorder {
		return nil, nil
	}
	return &instance{
		mod:         m,
		room:        ic.Room,
		self:        ic.Participant,
		publishers:  make(map[SessionType]*mcu.Publisher),
		subscribers: make(map[subKey]*mcu.Subscriber),
		states:      make(map[SessionType]State),
	}, nil
}

type subKey struct {
	target types.ParticipantId
	typ    SessionType
}

type instance struct {
	mod  *Module
	room types.SignalingRoomId
	self types.ParticipantId

	publishers  map[SessionType]*mcu.Publisher
	subscribers map[subKey]*mcu.Subscriber
	states      map[SessionType]State
}

func (i *instance) sessionKey(typ SessionType) mcu.MediaSessionKey {
	return mcu.MediaSessionKey{Room: i.room, Participant: i.self, Type: string(typ)}
}

func (i *instance) OnEvent(ctx context.Context, mc *module.ModuleContext, event module.Event) error {
	switch {
	case event.Joined != nil:
		return i.handleJoined(ctx, mc, event.Joined)
	case event.Leaving != nil:
		i.teardownAll(ctx, mc)
		return nil
	case event.ParticipantLeft != nil:
		i.releaseSubscribersFor(ctx, event.ParticipantLeft.Id)
		return nil
	case event.WsMessage != nil:
		return i.handleCommand(ctx, mc, event.WsMessage)
	case event.Exchange != nil:
		return i.handleExchange(ctx, mc, event.Exchange)
	}
	return nil
}

func (i *instance) handleJoined(ctx context.Context, mc *module.ModuleContext, ev *module.JoinedEvent) error {
	isPresenter, _ := mc.Store.SetIsMember(ctx, room.PresentersKey(i.room), string(i.self))
	ev.FrontendData = FrontendData{IsPresenter: isPresenter}

	for _, peer := range ev.Participants {
		fields, err := mc.Store.HashGetAll(ctx, stateKey(i.room, peer.Id))
		if err != nil || len(fields) == 0 {
			continue
		}
		pd := PeerData{State: make(map[SessionType]State, len(fields))}
		for typ, raw := range fields {
			var st State
			if err := json.Unmarshal([]byte(raw), &st); err == nil {
				pd.State[SessionType(typ)] = st
			}
		}
		ev.SetPeerData(peer.Id, pd)
	}
	return nil
}

func (i *instance) handleCommand(ctx context.Context, mc *module.ModuleContext, cmd *module.Incoming) error {
	switch cmd.Kind {
	case cmdPublish:
		var c PublishCmd
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return moderr.New(moderr.KindMalformedMessage, "publish")
		}
		return i.publish(ctx, mc, c)
	case cmdPublishComplete:
		var c PublishCompleteCmd
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return moderr.New(moderr.KindMalformedMessage, "publish_complete")
		}
		return i.setSessionState(ctx, mc, c.Type, c.State)
	case cmdUpdateMediaSession:
		var c UpdateMediaSessionCmd
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return moderr.New(moderr.KindMalformedMessage, "update_media_session")
		}
		if _, ok := i.publishers[c.Type]; !ok {
			return moderr.New(moderr.KindPermissionDenied, "no active session of type "+string(c.Type))
		}
		if prev, ok := i.states[c.Type]; ok && prev.Audio && !c.State.Audio {
			i.broadcastSpeaking(mc, false)
		}
		return i.setSessionState(ctx, mc, c.Type, c.State)
	case cmdUnpublish:
		var c UnpublishCmd
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return moderr.New(moderr.KindMalformedMessage, "unpublish")
		}
		return i.unpublish(ctx, mc, c.Type)
	case cmdSubscribe:
		var c SubscribeCmd
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return moderr.New(moderr.KindMalformedMessage, "subscribe")
		}
		return i.subscribe(ctx, mc, c)
	case cmdResubscribe:
		var c ResubscribeCmd
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return moderr.New(moderr.KindMalformedMessage, "resubscribe")
		}
		return i.resubscribe(ctx, mc, c)
	case cmdSdpAnswer, cmdSdpCandidate, cmdSdpEndOfCandidates:
		var c SdpCmd
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return moderr.New(moderr.KindMalformedMessage, cmd.Kind)
		}
		return i.forwardSdp(ctx, cmd.Kind, c)
	case cmdConfigure:
		var c ConfigureCmd
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return moderr.New(moderr.KindMalformedMessage, "configure")
		}
		return i.configure(ctx, c)
	case cmdModeratorMute:
		var c ModeratorMuteCmd
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return moderr.New(moderr.KindMalformedMessage, "moderator_mute")
		}
		return i.moderatorMute(mc, c)
	case cmdGrantPresenterRole, cmdRevokePresenterRole:
		var c PresenterRoleCmd
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return moderr.New(moderr.KindMalformedMessage, cmd.Kind)
		}
		return i.setPresenterRole(ctx, mc, c.ParticipantIds, cmd.Kind == cmdGrantPresenterRole)
	case cmdUpdateSpeakingState:
		var c UpdateSpeakingStateCmd
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return moderr.New(moderr.KindMalformedMessage, "update_speaking_state")
		}
		return i.updateSpeaking(ctx, mc, c.IsSpeaking)
	default:
		return moderr.New(moderr.KindMalformedMessage, "unknown media command "+cmd.Kind)
	}
}

func (i *instance) publish(ctx context.Context, mc *module.ModuleContext, c PublishCmd) error {
	if c.Type == SessionScreen && !i.mod.allowAllScreenshare {
		isPresenter, _ := mc.Store.SetIsMember(ctx, room.PresentersKey(i.room), string(i.self))
		if mc.Role != types.RoleModerator && !isPresenter {
			return moderr.New(moderr.KindPermissionDenied, "screen share requires presenter role")
		}
	}
	if existing, ok := i.publishers[c.Type]; ok {
		// At most one publisher per (participant, type): replace.
		_ = i.mod.backend.ReleasePublisher(ctx, i.sessionKey(c.Type), existing.McuID, existing.Handle)
		delete(i.publishers, c.Type)
	}

	pub, err := i.mod.backend.PlacePublisher(ctx, i.sessionKey(c.Type), i.mod.tenantID)
	if err != nil {
		if recoverable, ok := err.(*moderr.Recoverable); ok {
			return recoverable
		}
		return moderr.New(moderr.KindInvalidSdpOffer, "publisher placement failed")
	}
	answer, err := i.mod.backend.SdpOffer(ctx, pub.McuID, pub.Handle, c.Sdp)
	if err != nil {
		_ = i.mod.backend.ReleasePublisher(ctx, i.sessionKey(c.Type), pub.McuID, pub.Handle)
		return moderr.New(moderr.KindInvalidSdpOffer, "")
	}

	i.publishers[c.Type] = pub
	metrics.McuPublishersActive.Inc()
	mc.WsSend(Namespace, outgoing(evtSdpAnswer, SdpCmd{Type: c.Type, Sdp: answer}))
	return nil
}

func (i *instance) setSessionState(ctx context.Context, mc *module.ModuleContext, typ SessionType, st State) error {
	prev := i.states[typ]
	i.states[typ] = st

	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := mc.Store.HashSet(ctx, stateKey(i.room, i.self), string(typ), string(raw)); err != nil {
		return moderr.NewFatal(err)
	}

	updateSessionMetrics(typ, prev, &st)
	i.broadcastState(mc, typ, &st)

	if pub, ok := i.publishers[typ]; ok {
		if err := i.mod.backend.PublisherConfigure(ctx, pub.McuID, pub.Handle, st.Audio, st.Video); err != nil {
			logging.Warn(ctx, "media: publisher configure failed", zap.Error(err))
		}
	}
	return nil
}

func (i *instance) unpublish(ctx context.Context, mc *module.ModuleContext, typ SessionType) error {
	pub, ok := i.publishers[typ]
	if !ok {
		return nil
	}
	_ = i.mod.backend.ReleasePublisher(ctx, i.sessionKey(typ), pub.McuID, pub.Handle)
	delete(i.publishers, typ)
	metrics.McuPublishersActive.Dec()

	prev := i.states[typ]
	delete(i.states, typ)
	updateSessionMetrics(typ, prev, nil)
	if err := mc.Store.HashDel(ctx, stateKey(i.room, i.self), string(typ)); err != nil {
		logging.Warn(ctx, "media: failed to clear state on unpublish", zap.Error(err))
	}
	i.broadcastState(mc, typ, nil)
	return nil
}

func (i *instance) subscribe(ctx context.Context, mc *module.ModuleContext, c SubscribeCmd) error {
	if c.Target == i.self {
		return moderr.New(moderr.KindInvalidRequestOffer, "cannot request offer for self")
	}
	targetKey := mcu.MediaSessionKey{Room: i.room, Participant: c.Target, Type: string(c.Type)}
	sub, err := i.mod.backend.PlaceSubscriber(ctx, targetKey, c.WithoutVideo)
	if err != nil {
		if recoverable, ok := err.(*moderr.Recoverable); ok {
			return recoverable
		}
		return moderr.New(moderr.KindInvalidRequestOffer, "")
	}
	offer, err := i.mod.backend.SubscriberConfigure(ctx, sub.McuID, sub.Handle, 0, !c.WithoutVideo, true)
	if err != nil {
		_ = i.mod.backend.ReleaseHandle(ctx, sub.McuID, sub.Handle)
		return moderr.New(moderr.KindInvalidRequestOffer, "")
	}
	i.subscribers[subKey{target: c.Target, typ: c.Type}] = sub
	mc.WsSend(Namespace, outgoing(evtSdpOffer, SdpCmd{Target: c.Target, Type: c.Type, Sdp: offer}))
	return nil
}

func (i *instance) resubscribe(ctx context.Context, mc *module.ModuleContext, c ResubscribeCmd) error {
	if c.Target == i.self {
		// Same rejection as Subscribe: a self-referential restart has no
		// defined negotiation semantics.
		return moderr.New(moderr.KindInvalidRequestOffer, "cannot request offer for self")
	}
	sub, ok := i.subscribers[subKey{target: c.Target, typ: c.Type}]
	if !ok {
		return moderr.New(moderr.KindInvalidRequestOffer, "no subscription for target")
	}
	offer, err := i.mod.backend.SubscriberConfigure(ctx, sub.McuID, sub.Handle, 0, true, true)
	if err != nil {
		return moderr.New(moderr.KindInvalidRequestOffer, "")
	}
	mc.WsSend(Namespace, outgoing(evtSdpOffer, SdpCmd{Target: c.Target, Type: c.Type, Sdp: offer}))
	return nil
}

// forwardSdp routes answer/candidate traffic to the publisher (no
// target) or the matching subscriber (target set).
func (i *instance) forwardSdp(ctx context.Context, kind string, c SdpCmd) error {
	var mcuID string
	var handle int64
	if c.Target == "" {
		pub, ok := i.publishers[c.Type]
		if !ok {
			return sdpErrorKind(kind)
		}
		mcuID, handle = pub.McuID, pub.Handle
	} else {
		sub, ok := i.subscribers[subKey{target: c.Target, typ: c.Type}]
		if !ok {
			return sdpErrorKind(kind)
		}
		mcuID, handle = sub.McuID, sub.Handle
	}

	var err error
	switch kind {
	case cmdSdpAnswer:
		err = i.mod.backend.SdpAnswer(ctx, mcuID, handle, c.Sdp)
	case cmdSdpCandidate:
		err = i.mod.backend.Candidate(ctx, mcuID, handle, c.Candidate)
	case cmdSdpEndOfCandidates:
		err = i.mod.backend.EndOfCandidates(ctx, mcuID, handle)
	}
	if err != nil {
		return sdpErrorKind(kind)
	}
	return nil
}

func sdpErrorKind(kind string) error {
	switch kind {
	case cmdSdpAnswer:
		return moderr.New(moderr.KindHandleSdpAnswer, "")
	case cmdSdpCandidate:
		return moderr.New(moderr.KindInvalidCandidate, "")
	default:
		return moderr.New(moderr.KindInvalidEndOfCandidates, "")
	}
}

func (i *instance) configure(ctx context.Context, c ConfigureCmd) error {
	sub, ok := i.subscribers[subKey{target: c.Target, typ: c.Type}]
	if !ok {
		return moderr.New(moderr.KindInvalidConfigureRequest, "no subscription for target")
	}
	_, err := i.mod.backend.SubscriberConfigure(ctx, sub.McuID, sub.Handle, c.Configuration.Substream, c.Configuration.Video, false)
	if err != nil {
		return moderr.New(moderr.KindInvalidConfigureRequest, "")
	}
	return nil
}

func (i *instance) moderatorMute(mc *module.ModuleContext, c ModeratorMuteCmd) error {
	if mc.Role != types.RoleModerator {
		return moderr.New(moderr.KindPermissionDenied, "moderator_mute requires moderator")
	}
	for _, target := range c.Targets {
		msg, err := module.NewExchangeMessage(Namespace, exRequestMute, RequestMuteEvent{Issuer: i.self, Force: c.Force})
		if err != nil {
			return err
		}
		mc.ExchangePublish(exchange.ParticipantKey(i.room, target), msg)
	}
	return nil
}

func (i *instance) setPresenterRole(ctx context.Context, mc *module.ModuleContext, targets []types.ParticipantId, grant bool) error {
	if mc.Role != types.RoleModerator {
		return moderr.New(moderr.KindPermissionDenied, "presenter role change requires moderator")
	}
	kind := exPresenterGranted
	if !grant {
		kind = exPresenterRevoked
	}
	for _, target := range targets {
		var err error
		if grant {
			err = mc.Store.SetAdd(ctx, room.PresentersKey(i.room), string(target))
		} else {
			err = mc.Store.SetRemove(ctx, room.PresentersKey(i.room), string(target))
		}
		if err != nil {
			return moderr.NewFatal(err)
		}
		msg, err := module.NewExchangeMessage(Namespace, kind, PresenterEvent{IssuedBy: i.self})
		if err != nil {
			return err
		}
		mc.ExchangePublish(exchange.ParticipantKey(i.room, target), msg)
	}
	return nil
}

func (i *instance) updateSpeaking(ctx context.Context, mc *module.ModuleContext, speaking bool) error {
	ev := SpeakingUpdatedEvent{Participant: i.self, IsSpeaking: speaking, UpdatedAt: mc.Timestamp().UTC()}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := mc.Store.Set(ctx, speakingKey(i.room, i.self), string(raw), 0); err != nil {
		logging.Warn(ctx, "media: failed to record speaking state", zap.Error(err))
	}
	i.broadcastSpeakingEvent(mc, ev)
	return nil
}

func (i *instance) broadcastSpeaking(mc *module.ModuleContext, speaking bool) {
	i.broadcastSpeakingEvent(mc, SpeakingUpdatedEvent{Participant: i.self, IsSpeaking: speaking, UpdatedAt: mc.Timestamp().UTC()})
}

func (i *instance) broadcastSpeakingEvent(mc *module.ModuleContext, ev SpeakingUpdatedEvent) {
	msg, err := module.NewExchangeMessage(Namespace, exSpeakingUpdated, ev)
	if err != nil {
		return
	}
	mc.ExchangePublish(exchange.ParticipantsKey(i.room), msg)
}

func (i *instance) broadcastState(mc *module.ModuleContext, typ SessionType, st *State) {
	msg, err := module.NewExchangeMessage(Namespace, exStateUpdated, StateUpdatedEvent{Participant: i.self, Type: typ, State: st})
	if err != nil {
		return
	}
	mc.ExchangePublish(exchange.ParticipantsKey(i.room), msg)
}

func (i *instance) handleExchange(ctx context.Context, mc *module.ModuleContext, msg *module.ExchangeMessage) error {
	switch msg.Kind {
	case exStateUpdated:
		var ev StateUpdatedEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		if ev.Participant == i.self {
			return nil
		}
		mc.WsSend(Namespace, outgoing(evtMediaStatus, ev))
	case exSpeakingUpdated:
		var ev SpeakingUpdatedEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		mc.WsSend(Namespace, outgoing(evtSpeakingUpdated, ev))
	case exRequestMute:
		var ev RequestMuteEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		mc.WsSend(Namespace, outgoing(evtRequestMute, ev))
	case exPresenterGranted:
		mc.WsSend(Namespace, outgoing(evtPresenterGranted, nil))
	case exPresenterRevoked:
		mc.WsSend(Namespace, outgoing(evtPresenterRevoked, nil))
		// Revocation ends a running screen share.
		if _, ok := i.publishers[SessionScreen]; ok {
			return i.unpublish(ctx, mc, SessionScreen)
		}
	case ExMcuShutdown:
		var ev McuShutdownEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		return i.handleMcuShutdown(mc, ev)
	}
	return nil
}

// handleMcuShutdown drops the local publisher of the session type named
// in the event, without any detach call, and tells the client with
// WebRtcDown (Graceful) or AssociatedMcuDied (any other code).
// Subscriber handles are left in place.
func (i *instance) handleMcuShutdown(mc *module.ModuleContext, ev McuShutdownEvent) error {
	if _, ok := i.publishers[ev.SessionType]; ok {
		delete(i.publishers, ev.SessionType)
		metrics.McuPublishersActive.Dec()
		prev := i.states[ev.SessionType]
		delete(i.states, ev.SessionType)
		updateSessionMetrics(ev.SessionType, prev, nil)
	}
	switch mcu.ShutdownCode(ev.Code) {
	case mcu.ShutdownGraceful:
		mc.WsSend(Namespace, outgoing(evtWebRtcDown, ev))
	default:
		mc.WsSend(Namespace, outgoing(evtAssociatedMcuDied, ev))
	}
	i.broadcastState(mc, ev.SessionType, nil)
	return nil
}

func (i *instance) releaseSubscribersFor(ctx context.Context, target types.ParticipantId) {
	for key, sub := range i.subscribers {
		if key.target == target {
			_ = i.mod.backend.ReleaseHandle(ctx, sub.McuID, sub.Handle)
			delete(i.subscribers, key)
		}
	}
}

func (i *instance) teardownAll(ctx context.Context, mc *module.ModuleContext) {
	for typ, pub := range i.publishers {
		_ = i.mod.backend.ReleasePublisher(ctx, i.sessionKey(typ), pub.McuID, pub.Handle)
		metrics.McuPublishersActive.Dec()
		updateSessionMetrics(typ, i.states[typ], nil)
	}
	i.publishers = make(map[SessionType]*mcu.Publisher)
	i.states = make(map[SessionType]State)
	for key, sub := range i.subscribers {
		_ = i.mod.backend.ReleaseHandle(ctx, sub.McuID, sub.Handle)
		delete(i.subscribers, key)
	}
	_ = mc.Store.Del(ctx, stateKey(i.room, i.self))
	_ = mc.Store.Del(ctx, speakingKey(i.room, i.self))
}

func (i *instance) OnDestroy(ctx context.Context, dc *module.DestroyContext) {
	if dc.CleanupScope == module.CleanupNone {
		return
	}
	_ = dc.Store.Del(ctx, stateKey(i.room, i.self))
	_ = dc.Store.Del(ctx, speakingKey(i.room, i.self))
	if dc.CleanupScope == module.CleanupGlobal {
		_ = dc.Store.Del(ctx, room.PresentersKey(i.room))
	}
}

// updateSessionMetrics keeps the audio/video gauges in step with state
// transitions. next == nil means the session ended.
func updateSessionMetrics(typ SessionType, prev State, next *State) {
	apply := func(kind string, was, is bool) {
		if was == is {
			return
		}
		g := metrics.MediaSessionsActive.WithLabelValues(string(typ), kind)
		if is {
			g.Inc()
		} else {
			g.Dec()
		}
	}
	var n State
	if next != nil {
		n = *next
	}
	apply("audio", prev.Audio, n.Audio)
	apply("video", prev.Video, n.Video)
}

func outgoing(kind string, payload any) map[string]any {
	return map[string]any{"kind": kind, "payload": payload}
}
