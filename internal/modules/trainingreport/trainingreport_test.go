package trainingreport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RoseWrightdev/signaling-core/internal/moderr"
	"github.com/RoseWrightdev/signaling-core/internal/module"
	"github.com/RoseWrightdev/signaling-core/internal/room"
	"github.com/RoseWrightdev/signaling-core/internal/store"
	"github.com/RoseWrightdev/signaling-core/internal/types"
)

var (
	fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	testRoom = types.SignalingRoomId{Room: "r1"}
)

func seed(t *testing.T, st store.Store, pid types.ParticipantId, uid string, owner bool) {
	t.Helper()
	u := types.UserId(uid)
	attrs := types.ParticipantAttrs{
		Kind: types.KindUser, DisplayName: string(pid), Role: types.RoleUser,
		IsPresent: true, IsRoomOwner: owner, UserId: &u,
	}
	if owner {
		attrs.Role = types.RoleModerator
	}
	_, err := room.Join(context.Background(), st, testRoom, pid, attrs)
	require.NoError(t, err)
}

func newReportInstance(t *testing.T, st store.Store, pid types.ParticipantId, owner bool) module.Instance {
	t.Helper()
	m := New(nil, nil, "tenant-1", Range{AfterSecs: 0, WithinSecs: 0}, Range{AfterSecs: 0, WithinSecs: 0})
	inst, err := m.Init(context.Background(), &module.InitContext{
		Room: testRoom, Participant: pid, Store: st,
		Attrs: types.ParticipantAttrs{Kind: types.KindUser, IsRoomOwner: owner},
	})
	require.NoError(t, err)
	return inst
}

func mctx(st store.Store, pid types.ParticipantId, role types.Role) *module.ModuleContext {
	return module.NewModuleContext(testRoom, pid, role, st, func() time.Time { return fixedNow })
}

func wsCommand(t *testing.T, kind string, payload any) module.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return module.Event{WsMessage: &module.Incoming{Kind: kind, Payload: raw}}
}

func enable(t *testing.T, st store.Store, inst module.Instance, pid types.ParticipantId) *SessionRecord {
	t.Helper()
	mc := mctx(st, pid, types.RoleModerator)
	require.NoError(t, inst.OnEvent(context.Background(), mc, wsCommand(t, cmdEnable, EnableCmd{Title: "Training"})))
	mc.DrainActions()
	rec := record(t, st)
	require.NotNil(t, rec)
	return rec
}

func record(t *testing.T, st store.Store) *SessionRecord {
	t.Helper()
	raw, err := st.Get(context.Background(), stateKey(testRoom))
	if err == store.ErrNotFound {
		return nil
	}
	require.NoError(t, err)
	var rec SessionRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	return &rec
}

func TestEnableRequiresModerator(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, "t1", "u1", false)
	inst := newReportInstance(t, st, "t1", false)
	mc := mctx(st, "t1", types.RoleUser)

	err := inst.OnEvent(context.Background(), mc, wsCommand(t, cmdEnable, EnableCmd{}))
	var recoverable *moderr.Recoverable
	require.ErrorAs(t, err, &recoverable)
	assert.Equal(t, moderr.KindPermissionDenied, recoverable.Kind)
}

func TestEnableWithTraineesStartsInitialTimeout(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, "m1", "owner", true)
	seed(t, st, "t1", "u1", false)

	inst := newReportInstance(t, st, "m1", true)
	rec := enable(t, st, inst, "m1")

	assert.Equal(t, StateWaitingForInitialTimeout, rec.State)
	assert.Equal(t, types.ParticipantId("m1"), rec.Responsible)
	assert.Equal(t, []types.ParticipantId{"t1"}, rec.KnownParticipants)
	assert.False(t, rec.NextFireAt.IsZero())
}

func TestEnableWithoutTraineesWaitsForParticipant(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, "m1", "owner", true)

	inst := newReportInstance(t, st, "m1", true)
	rec := enable(t, st, inst, "m1")
	assert.Equal(t, StateWaitingForParticipant, rec.State)
	assert.True(t, rec.NextFireAt.IsZero())
}

func TestResponsibleElectionPicksSmallestOwnerId(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, "m2", "owner", true)
	seed(t, st, "m1", "owner", true)
	seed(t, st, "t1", "u1", false)

	// Enabled by m2, but m1 has the smaller id and becomes responsible.
	inst := newReportInstance(t, st, "m2", true)
	rec := enable(t, st, inst, "m2")
	assert.Equal(t, types.ParticipantId("m1"), rec.Responsible)
}

func TestCheckpointDueRecordsCheckpointAndBroadcasts(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seed(t, st, "m1", "owner", true)
	seed(t, st, "t1", "u1", false)

	inst := newReportInstance(t, st, "m1", true)
	rec := enable(t, st, inst, "m1")
	cookie := rec.NextFireAt.UTC().Format(time.RFC3339Nano)

	mc := mctx(st, "m1", types.RoleModerator)
	require.NoError(t, inst.OnEvent(ctx, mc, module.Event{Ext: &module.ExtEvent{
		Kind: extCheckpointDue, Payload: cookie,
	}}))

	var sawRequest bool
	for _, a := range mc.DrainActions() {
		if a.ExchangePublish != nil && a.ExchangePublish.Message.Kind == exPresenceRequested {
			sawRequest = true
		}
	}
	assert.True(t, sawRequest)

	rec = record(t, st)
	assert.Equal(t, StateTrackingPresence, rec.State)
	assert.False(t, rec.NextCheckpoint.IsZero())

	stamps, err := st.ListRange(ctx, checkpointsKey(testRoom))
	require.NoError(t, err)
	assert.Len(t, stamps, 1)
}

func TestStaleCheckpointCookieIsIgnored(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, "m1", "owner", true)
	seed(t, st, "t1", "u1", false)

	inst := newReportInstance(t, st, "m1", true)
	enable(t, st, inst, "m1")

	mc := mctx(st, "m1", types.RoleModerator)
	require.NoError(t, inst.OnEvent(context.Background(), mc, module.Event{Ext: &module.ExtEvent{
		Kind: extCheckpointDue, Payload: "stale",
	}}))
	rec := record(t, st)
	assert.Equal(t, StateWaitingForInitialTimeout, rec.State)
}

func TestConfirmPresenceRecordsTimestampForCurrentCheckpoint(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seed(t, st, "m1", "owner", true)
	seed(t, st, "t1", "u1", false)

	owner := newReportInstance(t, st, "m1", true)
	rec := enable(t, st, owner, "m1")
	cookie := rec.NextFireAt.UTC().Format(time.RFC3339Nano)
	mc := mctx(st, "m1", types.RoleModerator)
	require.NoError(t, owner.OnEvent(ctx, mc, module.Event{Ext: &module.ExtEvent{Kind: extCheckpointDue, Payload: cookie}}))

	rec = record(t, st)
	trainee := newReportInstance(t, st, "t1", false)
	mcT := mctx(st, "t1", types.RoleUser)
	require.NoError(t, trainee.OnEvent(ctx, mcT, wsCommand(t, cmdConfirmPresence, nil)))

	raw, err := st.Get(ctx, presenceKey(testRoom, rec.NextCheckpoint, "t1"))
	require.NoError(t, err)
	confirmed, err := time.Parse(time.RFC3339Nano, raw)
	require.NoError(t, err)
	assert.True(t, confirmed.Equal(fixedNow))
}

func TestConfirmPresenceBeforeTrackingIsNoOp(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, "m1", "owner", true)
	seed(t, st, "t1", "u1", false)
	owner := newReportInstance(t, st, "m1", true)
	enable(t, st, owner, "m1")

	trainee := newReportInstance(t, st, "t1", false)
	mc := mctx(st, "t1", types.RoleUser)
	require.NoError(t, trainee.OnEvent(context.Background(), mc, wsCommand(t, cmdConfirmPresence, nil)))
	assert.Empty(t, mc.DrainActions())
}

func TestResponsibleLeaveHandsOverToNextOwner(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seed(t, st, "m1", "owner", true)
	seed(t, st, "m2", "owner", true)
	seed(t, st, "t1", "u1", false)

	inst := newReportInstance(t, st, "m1", true)
	enable(t, st, inst, "m1")

	mc := mctx(st, "m1", types.RoleModerator)
	require.NoError(t, inst.OnEvent(ctx, mc, module.Event{Leaving: &module.LeavingEvent{}}))

	var handOver *HandOverEvent
	for _, a := range mc.DrainActions() {
		if a.ExchangePublish != nil && a.ExchangePublish.Message.Kind == exHandOver {
			assert.Equal(t, "room=r1:participant=m2", a.ExchangePublish.RoutingKey)
			var ev HandOverEvent
			require.NoError(t, json.Unmarshal(a.ExchangePublish.Message.Payload, &ev))
			handOver = &ev
		}
	}
	require.NotNil(t, handOver)
	assert.Equal(t, types.ParticipantId("m2"), handOver.Next)

	rec := record(t, st)
	assert.Equal(t, types.ParticipantId("m2"), rec.Responsible)
}

func TestLastOwnerLeaveEndsSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seed(t, st, "m1", "owner", true)
	seed(t, st, "t1", "u1", false)

	inst := newReportInstance(t, st, "m1", true)
	enable(t, st, inst, "m1")

	mc := mctx(st, "m1", types.RoleModerator)
	require.NoError(t, inst.OnEvent(ctx, mc, module.Event{Leaving: &module.LeavingEvent{}}))

	var sawDisabled bool
	for _, a := range mc.DrainActions() {
		if a.ExchangePublish != nil && a.ExchangePublish.Message.Kind == exDisabled {
			var ev DisabledEvent
			require.NoError(t, json.Unmarshal(a.ExchangePublish.Message.Payload, &ev))
			assert.Equal(t, EndReasonCreatorLeft, ev.Reason)
			sawDisabled = true
		}
	}
	assert.True(t, sawDisabled)
	assert.Nil(t, record(t, st))
}

func TestLastTraineeLeaveEndsSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seed(t, st, "m1", "owner", true)
	seed(t, st, "t1", "u1", false)

	owner := newReportInstance(t, st, "m1", true)
	enable(t, st, owner, "m1")

	trainee := newReportInstance(t, st, "t1", false)
	mc := mctx(st, "t1", types.RoleUser)
	require.NoError(t, trainee.OnEvent(ctx, mc, module.Event{Leaving: &module.LeavingEvent{}}))

	var sawDisabled bool
	for _, a := range mc.DrainActions() {
		if a.ExchangePublish != nil && a.ExchangePublish.Message.Kind == exDisabled {
			sawDisabled = true
		}
	}
	assert.True(t, sawDisabled)
	assert.Nil(t, record(t, st))
}

func TestDisableByModeratorEndsSession(t *testing.T) {
	st := store.NewMemory()
	seed(t, st, "m1", "owner", true)
	seed(t, st, "t1", "u1", false)
	inst := newReportInstance(t, st, "m1", true)
	enable(t, st, inst, "m1")

	mc := mctx(st, "m1", types.RoleModerator)
	require.NoError(t, inst.OnEvent(context.Background(), mc, wsCommand(t, cmdDisable, nil)))
	assert.Nil(t, record(t, st))
}

func TestPresenceRequestReachesTraineesNotOwners(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seed(t, st, "m1", "owner", true)
	seed(t, st, "t1", "u1", false)

	msg, err := module.NewExchangeMessage(Namespace, exPresenceRequested, PresenceRequestedEvent{Checkpoint: fixedNow})
	require.NoError(t, err)

	trainee := newReportInstance(t, st, "t1", false)
	mc := mctx(st, "t1", types.RoleUser)
	require.NoError(t, trainee.OnEvent(ctx, mc, module.Event{Exchange: &msg}))
	assert.NotEmpty(t, mc.DrainActions())

	owner := newReportInstance(t, st, "m1", true)
	mcO := mctx(st, "m1", types.RoleModerator)
	require.NoError(t, owner.OnEvent(ctx, mcO, module.Event{Exchange: &msg}))
	assert.Empty(t, mcO.DrainActions())
}

func TestOnDestroyEndsTrackingSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seed(t, st, "m1", "owner", true)
	seed(t, st, "t1", "u1", false)

	inst := newReportInstance(t, st, "m1", true)
	rec := enable(t, st, inst, "m1")
	cookie := rec.NextFireAt.UTC().Format(time.RFC3339Nano)
	mc := mctx(st, "m1", types.RoleModerator)
	require.NoError(t, inst.OnEvent(ctx, mc, module.Event{Ext: &module.ExtEvent{Kind: extCheckpointDue, Payload: cookie}}))
	require.Equal(t, StateTrackingPresence, record(t, st).State)

	inst.OnDestroy(ctx, &module.DestroyContext{
		Room: testRoom, Participant: "m1", Store: st, CleanupScope: module.CleanupGlobal,
	})

	assert.Nil(t, record(t, st))
	stamps, err := st.ListRange(ctx, checkpointsKey(testRoom))
	require.NoError(t, err)
	assert.Empty(t, stamps)
}
