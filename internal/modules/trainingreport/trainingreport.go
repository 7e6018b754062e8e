// Package trainingreport implements the training-participation-report
// signaling module: randomized presence checkpoints during a training
// session, a single responsible room-owner runner scheduling them with
// hand-over on leave, and a PDF attendance report at session end.
package trainingreport

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/RoseWrightdev/signaling-core/internal/exchange"
	"github.com/RoseWrightdev/signaling-core/internal/logging"
	"github.com/RoseWrightdev/signaling-core/internal/moderr"
	"github.com/RoseWrightdev/signaling-core/internal/module"
	"github.com/RoseWrightdev/signaling-core/internal/objectstore"
	"github.com/RoseWrightdev/signaling-core/internal/pdf"
	"github.com/RoseWrightdev/signaling-core/internal/relstore"
	"github.com/RoseWrightdev/signaling-core/internal/room"
	"github.com/RoseWrightdev/signaling-core/internal/store"
	"github.com/RoseWrightdev/signaling-core/internal/types"
)

// Namespace is the training-report module's wire and key namespace.
const Namespace types.ModuleId = "training_report"

func stateKey(r types.SignalingRoomId) string { return "training:state:" + r.String() }

func checkpointsKey(r types.SignalingRoomId) string {
	return "training:checkpoints:" + r.String()
}

func presenceKey(r types.SignalingRoomId, cp time.Time, pid types.ParticipantId) string {
	return "training:presence:" + r.String() + ":" + cp.UTC().Format(time.RFC3339Nano) + ":" + string(pid)
}

// Timer ext-event kind; the payload is the scheduled fire time, acting
// as the cookie that invalidates a stale timer.
const extCheckpointDue = "checkpoint_due"

// Module is the process-wide training-report module.
type Module struct {
	objects  *objectstore.Store
	rel      *relstore.Store
	tenantID string

	defaultInitialDelay Range
	defaultInterval     Range
}

func New(objects *objectstore.Store, rel *relstore.Store, tenantID string, defaultInitialDelay, defaultInterval Range) *Module {
	return &Module{
		objects:             objects,
		rel:                 rel,
		tenantID:            tenantID,
		defaultInitialDelay: defaultInitialDelay,
		defaultInterval:     defaultInterval,
	}
}

func (m *Module) Namespace() types.ModuleId { return Namespace }

func (m *Module) Init(ctx context.Context, ic *module.InitContext) (module.Instance, error) {
	return &instance{
		mod:     m,
		room:    ic.Room,
		self:    ic.Participant,
		isOwner: ic.Attrs.IsRoomOwner,
		timerCh: make(chan module.ExtEvent, 2),
	}, nil
}

type instance struct {
	mod     *Module
	room    types.SignalingRoomId
	self    types.ParticipantId
	isOwner bool

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
	case event.Leaving != nil:
		return i.handleLeaving(ctx, mc)
	case event.ParticipantJoined != nil:
		return i.handleParticipantJoined(ctx, mc, event.ParticipantJoined)
	case event.WsMessage != nil:
		return i.handleCommand(ctx, mc, event.WsMessage)
	case event.Exchange != nil:
		return i.handleExchange(ctx, mc, event.Exchange)
	case event.Ext != nil:
		return i.handleTimer(ctx, mc, event.Ext)
	}
	return nil
}

func (i *instance) handleJoined(ctx context.Context, mc *module.ModuleContext, ev *module.JoinedEvent) error {
	rec, err := i.readRecord(ctx, mc.Store)
	if err != nil {
		return err
	}
	fd := FrontendData{Enabled: rec != nil}
	if rec != nil {
		fd.State = rec.State
	}
	ev.FrontendData = fd
	return nil
}

func (i *instance) handleCommand(ctx context.Context, mc *module.ModuleContext, cmd *module.Incoming) error {
	switch cmd.Kind {
	case cmdEnable:
		var c EnableCmd
		if err := json.Unmarshal(cmd.Payload, &c); err != nil {
			return moderr.New(moderr.KindMalformedMessage, "enable")
		}
		if mc.Role != types.RoleModerator {
			return moderr.New(moderr.KindPermissionDenied, "enable requires moderator")
		}
		return i.enable(ctx, mc, c)
	case cmdDisable:
		if mc.Role != types.RoleModerator {
			return moderr.New(moderr.KindPermissionDenied, "disable requires moderator")
		}
		return i.withLock(ctx, mc, func(rec *SessionRecord) error {
			if rec == nil {
				return moderr.New(moderr.KindInvalidSelection, "presence logging is not enabled")
			}
			return i.endSession(ctx, mc, rec, EndReasonByModerator)
		})
	case cmdConfirmPresence:
		return i.confirmPresence(ctx, mc)
	default:
		return moderr.New(moderr.KindMalformedMessage, "unknown training_report command "+cmd.Kind)
	}
}

func (i *instance) enable(ctx context.Context, mc *module.ModuleContext, c EnableCmd) error {
	return i.withLock(ctx, mc, func(existing *SessionRecord) error {
		if existing != nil {
			return moderr.New(moderr.KindSessionAlreadyRunning, "")
		}

		rec := &SessionRecord{
			Title:        c.Title,
			Description:  c.Description,
			Timezone:     c.Timezone,
			Start:        mc.Timestamp().UTC(),
			InitialDelay: i.mod.defaultInitialDelay,
			Interval:     i.mod.defaultInterval,
		}
		if c.InitialDelay != nil {
			rec.InitialDelay = *c.InitialDelay
		}
		if c.Interval != nil {
			rec.Interval = *c.Interval
		}

		trainees, owners, err := i.roster(ctx, mc.Store)
		if err != nil {
			return moderr.NewFatal(err)
		}
		rec.Responsible = electResponsible(owners, i.self)
		rec.KnownParticipants = trainees

		if len(trainees) > 0 {
			rec.State = StateWaitingForInitialTimeout
			rec.NextFireAt = fireAt(mc.Timestamp().UTC(), rec.InitialDelay)
		} else {
			rec.State = StateWaitingForParticipant
		}

		if err := i.saveRecord(ctx, mc.Store, rec); err != nil {
			return err
		}
		i.publish(mc, exEnabled, rec)
		return nil
	})
}

func (i *instance) confirmPresence(ctx context.Context, mc *module.ModuleContext) error {
	rec, err := i.readRecord(ctx, mc.Store)
	if err != nil || rec == nil {
		return nil
	}
	if rec.State != StateTrackingPresence || rec.NextCheckpoint.IsZero() {
		return nil
	}
	key := presenceKey(i.room, rec.NextCheckpoint, i.self)
	stamp := mc.Timestamp().UTC().Format(time.RFC3339Nano)
	if err := mc.Store.Set(ctx, key, stamp, 0); err != nil {
		return moderr.NewFatal(err)
	}
	return nil
}

func (i *instance) handleParticipantJoined(ctx context.Context, mc *module.ModuleContext, ev *module.ParticipantJoinedEvent) error {
	if ev.Participant.Attrs.IsRoomOwner {
		return nil
	}
	return i.withLock(ctx, mc, func(rec *SessionRecord) error {
		if rec == nil || rec.Responsible != i.self {
			return nil
		}
		if !containsParticipant(rec.KnownParticipants, ev.Participant.Id) {
			rec.KnownParticipants = append(rec.KnownParticipants, ev.Participant.Id)
		}
		if rec.State == StateWaitingForParticipant {
			rec.State = StateWaitingForInitialTimeout
			rec.NextFireAt = fireAt(mc.Timestamp().UTC(), rec.InitialDelay)
			if err := i.saveRecord(ctx, mc.Store, rec); err != nil {
				return err
			}
			i.armUntil(mc.Timestamp(), rec.NextFireAt)
			return nil
		}
		return i.saveRecord(ctx, mc.Store, rec)
	})
}

func (i *instance) handleLeaving(ctx context.Context, mc *module.ModuleContext) error {
	return i.withLock(ctx, mc, func(rec *SessionRecord) error {
		if rec == nil {
			return nil
		}

		if rec.Responsible == i.self {
			_, owners, err := i.roster(ctx, mc.Store)
			if err != nil {
				return moderr.NewFatal(err)
			}
			remaining := withoutParticipant(owners, i.self)
			if len(remaining) == 0 {
				return i.endSession(ctx, mc, rec, EndReasonCreatorLeft)
			}
			next := electResponsible(remaining, remaining[0])
			rec.Responsible = next
			if err := i.saveRecord(ctx, mc.Store, rec); err != nil {
				return err
			}
			ev := HandOverEvent{Next: next, NextCheckpoint: rec.NextFireAt}
			msg, err := module.NewExchangeMessage(Namespace, exHandOver, ev)
			if err != nil {
				return err
			}
			mc.ExchangePublish(exchange.ParticipantKey(i.room, next), msg)
			return nil
		}

		if !i.isOwner {
			trainees, _, err := i.roster(ctx, mc.Store)
			if err != nil {
				return moderr.NewFatal(err)
			}
			if len(withoutParticipant(trainees, i.self)) == 0 {
				return i.endSession(ctx, mc, rec, EndReasonNoTrainees)
			}
		}
		return nil
	})
}

func (i *instance) handleExchange(ctx context.Context, mc *module.ModuleContext, msg *module.ExchangeMessage) error {
	switch msg.Kind {
	case exEnabled:
		var rec SessionRecord
		if err := json.Unmarshal(msg.Payload, &rec); err != nil {
			return err
		}
		mc.WsSend(Namespace, outgoing(evtEnabled, FrontendData{Enabled: true, State: rec.State}))
		if rec.Responsible == i.self && !rec.NextFireAt.IsZero() {
			i.armUntil(mc.Timestamp(), rec.NextFireAt)
		}
	case exDisabled:
		var ev DisabledEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		mc.WsSend(Namespace, outgoing(evtDisabled, ev))
	case exPresenceRequested:
		var ev PresenceRequestedEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		if !i.isOwner {
			mc.WsSend(Namespace, outgoing(evtPresenceRequested, ev))
		}
	case exHandOver:
		var ev HandOverEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		if ev.Next != i.self {
			return nil
		}
		mc.WsSend(Namespace, outgoing(evtRoomOwnerHandOver, ev))
		rec, err := i.readRecord(ctx, mc.Store)
		if err != nil || rec == nil {
			return nil
		}
		if !rec.NextFireAt.IsZero() {
			i.armUntil(mc.Timestamp(), rec.NextFireAt)
		}
	case exPdfAsset:
		var ev PdfAssetEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		if i.isOwner {
			mc.WsSend(Namespace, outgoing(evtPdfAsset, ev))
		}
	}
	return nil
}

func (i *instance) handleTimer(ctx context.Context, mc *module.ModuleContext, ev *module.ExtEvent) error {
	if ev.Kind != extCheckpointDue {
		return nil
	}
	cookie, _ := ev.Payload.(string)
	return i.withLock(ctx, mc, func(rec *SessionRecord) error {
		if rec == nil || rec.Responsible != i.self {
			return nil
		}
		if rec.NextFireAt.UTC().Format(time.RFC3339Nano) != cookie {
			return nil // superseded by a later schedule
		}

		checkpoint := rec.NextFireAt
		rec.NextCheckpoint = checkpoint
		rec.State = StateTrackingPresence
		rec.NextFireAt = fireAt(mc.Timestamp().UTC(), rec.Interval)
		if err := i.saveRecord(ctx, mc.Store, rec); err != nil {
			return err
		}
		if err := mc.Store.ListAppend(ctx, checkpointsKey(i.room), checkpoint.UTC().Format(time.RFC3339Nano)); err != nil {
			return moderr.NewFatal(err)
		}

		i.publish(mc, exPresenceRequested, PresenceRequestedEvent{Checkpoint: checkpoint})
		i.armUntil(mc.Timestamp(), rec.NextFireAt)
		return nil
	})
}

// endSession tears the session down and, when presence was being
// tracked, renders and persists the attendance report.
func (i *instance) endSession(ctx context.Context, mc *module.ModuleContext, rec *SessionRecord, reason string) error {
	wasTracking := rec.State == StateTrackingPresence

	if wasTracking {
		if err := i.renderAndPersistReport(ctx, mc, rec); err != nil {
			if recoverable, ok := err.(*moderr.Recoverable); ok {
				// Quota failures surface to the client but don't keep the
				// session alive.
				defer i.publish(mc, exDisabled, DisabledEvent{Reason: reason})
				i.cleanup(ctx, mc.Store, rec)
				return recoverable
			}
			logging.Warn(ctx, "training_report: report generation failed", zap.Error(err))
		}
	}

	i.cleanup(ctx, mc.Store, rec)
	i.publish(mc, exDisabled, DisabledEvent{Reason: reason})
	return nil
}

func (i *instance) renderAndPersistReport(ctx context.Context, mc *module.ModuleContext, rec *SessionRecord) error {
	if i.mod.objects == nil {
		return nil
	}

	stamps, err := mc.Store.ListRange(ctx, checkpointsKey(i.room))
	if err != nil {
		return moderr.NewFatal(err)
	}

	var participants []pdf.ReportParticipant
	for _, pid := range rec.KnownParticipants {
		name := string(pid)
		if attrs, err := room.ReadAttrs(ctx, mc.Store, i.room, pid); err == nil && attrs.DisplayName != "" {
			name = attrs.DisplayName
		}
		participants = append(participants, pdf.ReportParticipant{Id: string(pid), DisplayName: name})
	}

	var checkpoints []pdf.ReportCheckpoint
	for _, stamp := range stamps {
		cp, err := time.Parse(time.RFC3339Nano, stamp)
		if err != nil {
			continue
		}
		presence := make(map[string]*time.Time, len(rec.KnownParticipants))
		for _, pid := range rec.KnownParticipants {
			raw, err := mc.Store.Get(ctx, presenceKey(i.room, cp, pid))
			if err != nil {
				presence[string(pid)] = nil
				continue
			}
			if confirmed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
				presence[string(pid)] = &confirmed
			}
		}
		checkpoints = append(checkpoints, pdf.ReportCheckpoint{Timestamp: cp, Presence: presence})
	}

	var loc *time.Location
	if rec.Timezone != "" {
		loc, _ = time.LoadLocation(rec.Timezone)
	}
	title := rec.Title
	if title == "" {
		title = "Training Participation Report"
	}

	data, err := pdf.RenderTrainingReport(pdf.TrainingReportInput{
		Title:        title,
		Description:  rec.Description,
		Timezone:     loc,
		Start:        rec.Start,
		End:          mc.Timestamp().UTC(),
		Participants: participants,
		Checkpoints:  checkpoints,
	})
	if err != nil {
		return fmt.Errorf("training_report: render: %w", err)
	}

	filename := fmt.Sprintf("training_report_%s.pdf", rec.Start.UTC().Format("20060102_150405"))
	asset, err := i.mod.objects.Put(ctx, i.mod.tenantID, filename, data)
	if err != nil {
		if err == objectstore.ErrStorageExceeded {
			return moderr.New(moderr.KindStorageExceeded, "")
		}
		return err
	}
	if i.mod.rel != nil {
		if err := i.mod.rel.SaveAsset(ctx, string(asset.Id), i.room.String(), filename, "training_report"); err != nil {
			logging.Warn(ctx, "training_report: failed to record asset", zap.Error(err))
		}
	}

	i.publish(mc, exPdfAsset, PdfAssetEvent{Filename: filename, AssetId: string(asset.Id)})
	return nil
}

func (i *instance) cleanup(ctx context.Context, st store.Store, rec *SessionRecord) {
	stamps, err := st.ListRange(ctx, checkpointsKey(i.room))
	if err == nil {
		for _, stamp := range stamps {
			cp, err := time.Parse(time.RFC3339Nano, stamp)
			if err != nil {
				continue
			}
			for _, pid := range rec.KnownParticipants {
				_ = st.Del(ctx, presenceKey(i.room, cp, pid))
			}
		}
	}
	_ = st.Del(ctx, checkpointsKey(i.room))
	_ = st.Del(ctx, stateKey(i.room))
}

// OnDestroy ends a session that is still live when the room is
// destroyed, so a TrackingPresence session gets its report rendered
// regardless of the leave ordering that reached destruction.
func (i *instance) OnDestroy(ctx context.Context, dc *module.DestroyContext) {
	if dc.CleanupScope == module.CleanupNone {
		return
	}
	// Queued actions have no runner left to flush them; only the store
	// effects (report persistence, key cleanup) matter here.
	mc := module.NewModuleContext(i.room, i.self, types.RoleModerator, dc.Store, nil)
	err := i.withLock(ctx, mc, func(rec *SessionRecord) error {
		if rec == nil {
			return nil
		}
		return i.endSession(ctx, mc, rec, EndReasonRoomDestroyed)
	})
	if err != nil {
		logging.Warn(ctx, "training_report: end-of-room report failed", zap.Error(err))
	}
}

// withLock serializes every training:* mutation under the room lock.
func (i *instance) withLock(ctx context.Context, mc *module.ModuleContext, fn func(rec *SessionRecord) error) error {
	guard, err := mc.Store.Lock(ctx, i.room.String(), room.LockTimeout)
	if err != nil {
		return moderr.NewFatal(err)
	}
	defer func() { _ = mc.Store.Unlock(ctx, guard) }()

	rec, err := i.readRecord(ctx, mc.Store)
	if err != nil {
		return err
	}
	return fn(rec)
}

func (i *instance) readRecord(ctx context.Context, st store.Store) (*SessionRecord, error) {
	raw, err := st.Get(ctx, stateKey(i.room))
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, moderr.NewFatal(err)
	}
	var rec SessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (i *instance) saveRecord(ctx context.Context, st store.Store, rec *SessionRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := st.Set(ctx, stateKey(i.room), string(raw), 0); err != nil {
		return moderr.NewFatal(err)
	}
	return nil
}

// roster splits the current participants into trainees and room owners.
func (i *instance) roster(ctx context.Context, st store.Store) (trainees, owners []types.ParticipantId, err error) {
	present, err := room.Participants(ctx, st, i.room)
	if err != nil {
		return nil, nil, err
	}
	for _, pid := range present {
		attrs, err := room.ReadAttrs(ctx, st, i.room, pid)
		if err != nil {
			continue
		}
		if attrs.IsRoomOwner {
			owners = append(owners, pid)
		} else if attrs.Kind == types.KindUser || attrs.Kind == types.KindGuest {
			trainees = append(trainees, pid)
		}
	}
	return trainees, owners, nil
}

// electResponsible picks the smallest participant id among the present
// room owners; fallback covers the degenerate ownerless room.
func electResponsible(owners []types.ParticipantId, fallback types.ParticipantId) types.ParticipantId {
	if len(owners) == 0 {
		return fallback
	}
	sorted := make([]types.ParticipantId, len(owners))
	copy(sorted, owners)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a] < sorted[b] })
	return sorted[0]
}

func fireAt(now time.Time, r Range) time.Time {
	jitter := 0
	if r.WithinSecs > 0 {
		jitter = rand.Intn(r.WithinSecs + 1)
	}
	return now.Add(time.Duration(r.AfterSecs+jitter) * time.Second)
}

func (i *instance) armUntil(now time.Time, at time.Time) {
	delay := at.Sub(now)
	if delay < 0 {
		delay = 0
	}
	cookie := at.UTC().Format(time.RFC3339Nano)
	time.AfterFunc(delay, func() {
		select {
		case i.timerCh <- module.ExtEvent{Kind: extCheckpointDue, Payload: cookie}:
		default:
		}
	})
}

func containsParticipant(list []types.ParticipantId, p types.ParticipantId) bool {
	for _, e := range list {
		if e == p {
			return true
		}
	}
	return false
}

func withoutParticipant(list []types.ParticipantId, p types.ParticipantId) []types.ParticipantId {
	out := make([]types.ParticipantId, 0, len(list))
	for _, e := range list {
		if e != p {
			out = append(out, e)
		}
	}
	return out
}

func (i *instance) publish(mc *module.ModuleContext, kind string, payload any) {
	msg, err := module.NewExchangeMessage(Namespace, kind, payload)
	if err != nil {
		return
	}
	mc.ExchangePublish(exchange.ParticipantsKey(i.room), msg)
}

func outgoing(kind string, payload any) map[string]any {
	return map[string]any{"kind": kind, "payload": payload}
}
