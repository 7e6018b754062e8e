package chat

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RoseWrightdev/signaling-core/internal/identity"
	"github.com/RoseWrightdev/signaling-core/internal/moderr"
	"github.com/RoseWrightdev/signaling-core/internal/module"
	"github.com/RoseWrightdev/signaling-core/internal/store"
	"github.com/RoseWrightdev/signaling-core/internal/types"
)

var fixedNow = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newInstance(t *testing.T, st store.Store, pid types.ParticipantId, uid string, groups ...types.GroupId) module.Instance {
	t.Helper()
	var dir identity.Directory
	attrs := types.ParticipantAttrs{Kind: types.KindGuest, DisplayName: string(pid)}
	if uid != "" {
		u := types.UserId(uid)
		attrs.Kind = types.KindUser
		attrs.UserId = &u
		dir = &identity.Static{Profiles: map[types.UserId]*identity.Profile{
			u: {Id: u, DisplayName: string(pid), Groups: groups},
		}}
	}
	m := New(dir)
	inst, err := m.Init(context.Background(), &module.InitContext{
		Room:        types.SignalingRoomId{Room: "r1"},
		Participant: pid,
		Attrs:       attrs,
		Store:       st,
	})
	require.NoError(t, err)
	require.NotNil(t, inst)
	return inst
}

func mctx(st store.Store, pid types.ParticipantId, role types.Role) *module.ModuleContext {
	return module.NewModuleContext(types.SignalingRoomId{Room: "r1"}, pid, role, st, func() time.Time { return fixedNow })
}

func wsCommand(t *testing.T, kind string, payload any) module.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return module.Event{WsMessage: &module.Incoming{Kind: kind, Payload: raw}}
}

func TestSendMessageAppendsHistoryAndFansOut(t *testing.T) {
	st := store.NewMemory()
	inst := newInstance(t, st, "p1", "u1")
	mc := mctx(st, "p1", types.RoleUser)

	err := inst.OnEvent(context.Background(), mc, wsCommand(t, cmdSendMessage, SendMessageCmd{
		Scope:   Scope{Kind: ScopeGlobal},
		Content: "hello",
	}))
	require.NoError(t, err)

	actions := mc.DrainActions()
	require.Len(t, actions, 1)
	require.NotNil(t, actions[0].ExchangePublish)
	assert.Equal(t, "room=r1:participants", actions[0].ExchangePublish.RoutingKey)
	assert.Equal(t, exMessage, actions[0].ExchangePublish.Message.Kind)

	history, err := readHistory(context.Background(), st, globalHistoryKey(types.SignalingRoomId{Room: "r1"}))
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hello", history[0].Content)
	assert.Equal(t, types.ParticipantId("p1"), history[0].Source)
	assert.NotEmpty(t, history[0].Id)
}

func TestSendMessageTruncatesTo4096CodePoints(t *testing.T) {
	st := store.NewMemory()
	inst := newInstance(t, st, "p1", "u1")
	mc := mctx(st, "p1", types.RoleUser)

	// Multi-byte runes make a byte-indexed truncation visibly wrong.
	content := strings.Repeat("ä", 5000)
	err := inst.OnEvent(context.Background(), mc, wsCommand(t, cmdSendMessage, SendMessageCmd{
		Scope:   Scope{Kind: ScopeGlobal},
		Content: content,
	}))
	require.NoError(t, err)

	history, err := readHistory(context.Background(), st, globalHistoryKey(types.SignalingRoomId{Room: "r1"}))
	require.NoError(t, err)
	require.Len(t, history, 1)
	got := []rune(history[0].Content)
	assert.Len(t, got, 4096)
	assert.Equal(t, 'ä', got[4095], "truncation must not split a character")
}

func TestTruncateBoundaries(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 4096))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "日本", Truncate("日本語", 2))
	assert.Equal(t, "", Truncate("", 10))
}

func TestEmptyMessageIsDropped(t *testing.T) {
	st := store.NewMemory()
	inst := newInstance(t, st, "p1", "u1")
	mc := mctx(st, "p1", types.RoleUser)

	err := inst.OnEvent(context.Background(), mc, wsCommand(t, cmdSendMessage, SendMessageCmd{
		Scope: Scope{Kind: ScopeGlobal},
	}))
	require.NoError(t, err)
	assert.Empty(t, mc.DrainActions())
}

func TestDisabledChatRejectsSend(t *testing.T) {
	st := store.NewMemory()
	mod := newInstance(t, st, "p1", "u1")
	user := newInstance(t, st, "p2", "u2")

	mc := mctx(st, "p1", types.RoleModerator)
	require.NoError(t, mod.OnEvent(context.Background(), mc, wsCommand(t, cmdDisableChat, nil)))
	actions := mc.DrainActions()
	require.Len(t, actions, 1)
	assert.Equal(t, exEnabledChanged, actions[0].ExchangePublish.Message.Kind)

	mc2 := mctx(st, "p2", types.RoleUser)
	err := user.OnEvent(context.Background(), mc2, wsCommand(t, cmdSendMessage, SendMessageCmd{
		Scope:   Scope{Kind: ScopeGlobal},
		Content: "hi",
	}))
	var recoverable *moderr.Recoverable
	require.ErrorAs(t, err, &recoverable)
	assert.Equal(t, moderr.KindChatDisabled, recoverable.Kind)
}

func TestChatToggleRequiresModerator(t *testing.T) {
	st := store.NewMemory()
	inst := newInstance(t, st, "p1", "u1")
	mc := mctx(st, "p1", types.RoleUser)

	err := inst.OnEvent(context.Background(), mc, wsCommand(t, cmdDisableChat, nil))
	var recoverable *moderr.Recoverable
	require.ErrorAs(t, err, &recoverable)
	assert.Equal(t, moderr.KindPermissionDenied, recoverable.Kind)
}

func TestClearHistoryWipesEveryScope(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	sender := newInstance(t, st, "p1", "u1")
	mc := mctx(st, "p1", types.RoleModerator)

	require.NoError(t, sender.OnEvent(ctx, mc, wsCommand(t, cmdSendMessage, SendMessageCmd{
		Scope: Scope{Kind: ScopeGlobal}, Content: "global",
	})))
	require.NoError(t, sender.OnEvent(ctx, mc, wsCommand(t, cmdSendMessage, SendMessageCmd{
		Scope: Scope{Kind: ScopePrivate, Target: "p2"}, Content: "private",
	})))
	mc.DrainActions()

	require.NoError(t, sender.OnEvent(ctx, mc, wsCommand(t, cmdClearHistory, nil)))
	actions := mc.DrainActions()
	require.Len(t, actions, 1)
	assert.Equal(t, exHistoryCleared, actions[0].ExchangePublish.Message.Kind)

	r := types.SignalingRoomId{Room: "r1"}
	global, err := readHistory(ctx, st, globalHistoryKey(r))
	require.NoError(t, err)
	assert.Empty(t, global)
	private, err := readHistory(ctx, st, privateHistoryKey(r, "p1", "p2"))
	require.NoError(t, err)
	assert.Empty(t, private)
}

func TestPrivateScopeEchoesToSenderAndTargetsPeer(t *testing.T) {
	st := store.NewMemory()
	inst := newInstance(t, st, "p1", "u1")
	mc := mctx(st, "p1", types.RoleUser)

	require.NoError(t, inst.OnEvent(context.Background(), mc, wsCommand(t, cmdSendMessage, SendMessageCmd{
		Scope: Scope{Kind: ScopePrivate, Target: "p2"}, Content: "psst",
	})))

	actions := mc.DrainActions()
	require.Len(t, actions, 2)
	require.NotNil(t, actions[0].ExchangePublish)
	assert.Equal(t, "room=r1:participant=p2", actions[0].ExchangePublish.RoutingKey)
	require.NotNil(t, actions[1].WsSend)
}

func TestPrivateHistoryKeyIsOrderIndependent(t *testing.T) {
	r := types.SignalingRoomId{Room: "r1"}
	assert.Equal(t, privateHistoryKey(r, "a", "b"), privateHistoryKey(r, "b", "a"))
}

func TestGroupScopeRequiresMembership(t *testing.T) {
	st := store.NewMemory()
	inst := newInstance(t, st, "p1", "u1", "team-a")
	mc := mctx(st, "p1", types.RoleUser)

	require.NoError(t, inst.OnEvent(context.Background(), mc, wsCommand(t, cmdSendMessage, SendMessageCmd{
		Scope: Scope{Kind: ScopeGroup, Group: "team-a"}, Content: "in group",
	})))
	actions := mc.DrainActions()
	require.Len(t, actions, 1)
	assert.Equal(t, "room=r1:group=team-a", actions[0].ExchangePublish.RoutingKey)

	err := inst.OnEvent(context.Background(), mc, wsCommand(t, cmdSendMessage, SendMessageCmd{
		Scope: Scope{Kind: ScopeGroup, Group: "team-b"}, Content: "not my group",
	}))
	var recoverable *moderr.Recoverable
	require.ErrorAs(t, err, &recoverable)
	assert.Equal(t, moderr.KindPermissionDenied, recoverable.Kind)
}

func TestJoinedPopulatesFrontendData(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	sender := newInstance(t, st, "p1", "u1")
	mc := mctx(st, "p1", types.RoleUser)
	require.NoError(t, sender.OnEvent(ctx, mc, wsCommand(t, cmdSendMessage, SendMessageCmd{
		Scope: Scope{Kind: ScopeGlobal}, Content: "before join",
	})))
	mc.DrainActions()

	joiner := newInstance(t, st, "p2", "u2")
	mc2 := mctx(st, "p2", types.RoleUser)
	joined := &module.JoinedEvent{}
	require.NoError(t, joiner.OnEvent(ctx, mc2, module.Event{Joined: joined}))

	fd, ok := joined.FrontendData.(FrontendData)
	require.True(t, ok)
	assert.True(t, fd.Enabled)
	require.Len(t, fd.RoomHistory, 1)
	assert.Equal(t, "before join", fd.RoomHistory[0].Content)
}

func TestExchangeMessageIsRelayedToClient(t *testing.T) {
	st := store.NewMemory()
	inst := newInstance(t, st, "p2", "u2")
	mc := mctx(st, "p2", types.RoleUser)

	stored := StoredMessage{Id: "m1", Source: "p1", Scope: Scope{Kind: ScopeGlobal}, Content: "hi", Timestamp: fixedNow}
	msg, err := module.NewExchangeMessage(Namespace, exMessage, stored)
	require.NoError(t, err)
	require.NoError(t, inst.OnEvent(context.Background(), mc, module.Event{Exchange: &msg}))

	actions := mc.DrainActions()
	require.Len(t, actions, 1)
	require.NotNil(t, actions[0].WsSend)
	assert.Equal(t, Namespace, actions[0].WsSend.Namespace)
}

func TestOnDestroyGlobalWipesChatKeys(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	inst := newInstance(t, st, "p1", "u1")
	mc := mctx(st, "p1", types.RoleUser)
	require.NoError(t, inst.OnEvent(ctx, mc, wsCommand(t, cmdSendMessage, SendMessageCmd{
		Scope: Scope{Kind: ScopeGlobal}, Content: "bye",
	})))

	inst.OnDestroy(ctx, &module.DestroyContext{
		Room:         types.SignalingRoomId{Room: "r1"},
		Participant:  "p1",
		Store:        st,
		CleanupScope: module.CleanupGlobal,
	})

	r := types.SignalingRoomId{Room: "r1"}
	history, err := readHistory(ctx, st, globalHistoryKey(r))
	require.NoError(t, err)
	assert.Empty(t, history)
	keys, err := st.SetMembers(ctx, historyIndexKey(r))
	require.NoError(t, err)
	assert.Empty(t, keys)
}
