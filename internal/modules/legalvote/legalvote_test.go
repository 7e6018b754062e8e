package legalvote

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

func seedUser(t *testing.T, st store.Store, pid types.ParticipantId, uid string, role types.Role) {
	t.Helper()
	u := types.UserId(uid)
	attrs := types.ParticipantAttrs{
		Kind: types.KindUser, DisplayName: string(pid), Role: role, IsPresent: true, UserId: &u,
	}
	_, err := room.Join(context.Background(), st, testRoom, pid, attrs)
	require.NoError(t, err)
}

func seedGuest(t *testing.T, st store.Store, pid types.ParticipantId) {
	t.Helper()
	attrs := types.ParticipantAttrs{Kind: types.KindGuest, DisplayName: string(pid), Role: types.RoleGuest, IsPresent: true}
	_, err := room.Join(context.Background(), st, testRoom, pid, attrs)
	require.NoError(t, err)
}

func newVoteInstance(t *testing.T, st store.Store, pid types.ParticipantId, uid string) module.Instance {
	t.Helper()
	var userId *types.UserId
	if uid != "" {
		u := types.UserId(uid)
		userId = &u
	}
	m := New(nil, nil, "", "tenant-1")
	inst, err := m.Init(context.Background(), &module.InitContext{
		Room: testRoom, Participant: pid, Store: st,
		Attrs: types.ParticipantAttrs{Kind: types.KindUser, UserId: userId},
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

// startVote starts a vote as moderator "m"/user "um" and returns the
// vote id plus each allowed user's token.
func startVote(t *testing.T, st store.Store, inst module.Instance, cmd StartCmd) (VoteId, map[string]string) {
	t.Helper()
	ctx := context.Background()
	mc := mctx(st, "m", types.RoleModerator)
	require.NoError(t, inst.OnEvent(ctx, mc, wsCommand(t, cmdStart, cmd)))
	mc.DrainActions()

	current, err := st.Get(ctx, currentKey(testRoom))
	require.NoError(t, err)
	voteId := VoteId(current)

	tokens, err := st.HashGetAll(ctx, userTokensKey(testRoom, voteId))
	require.NoError(t, err)
	return voteId, tokens
}

func readProtocol(t *testing.T, st store.Store, voteId VoteId) []ProtocolEntry {
	t.Helper()
	raws, err := st.ListRange(context.Background(), protocolKey(testRoom, voteId))
	require.NoError(t, err)
	out := make([]ProtocolEntry, 0, len(raws))
	for _, raw := range raws {
		var entry ProtocolEntry
		require.NoError(t, json.Unmarshal([]byte(raw), &entry))
		out = append(out, entry)
	}
	return out
}

func TestStartRequiresModerator(t *testing.T) {
	st := store.NewMemory()
	seedUser(t, st, "p1", "u1", types.RoleUser)
	inst := newVoteInstance(t, st, "p1", "u1")
	mc := mctx(st, "p1", types.RoleUser)

	err := inst.OnEvent(context.Background(), mc, wsCommand(t, cmdStart, StartCmd{
		Kind: KindRollCall, AllowedParticipants: []types.ParticipantId{"p1"},
	}))
	var recoverable *moderr.Recoverable
	require.ErrorAs(t, err, &recoverable)
	assert.Equal(t, moderr.KindPermissionDenied, recoverable.Kind)
}

func TestStartRejectsGuestsInAllowList(t *testing.T) {
	st := store.NewMemory()
	seedUser(t, st, "m", "um", types.RoleModerator)
	seedUser(t, st, "p1", "u1", types.RoleUser)
	seedGuest(t, st, "g1")

	inst := newVoteInstance(t, st, "m", "um")
	mc := mctx(st, "m", types.RoleModerator)
	err := inst.OnEvent(context.Background(), mc, wsCommand(t, cmdStart, StartCmd{
		Kind: KindRollCall, AllowedParticipants: []types.ParticipantId{"p1", "g1"},
	}))
	var recoverable *moderr.Recoverable
	require.ErrorAs(t, err, &recoverable)
	assert.Equal(t, moderr.KindAllowlistContainsGuests, recoverable.Kind)
	require.NotNil(t, recoverable.Data)
}

func TestStartIssuesOneTokenPerDistinctUser(t *testing.T) {
	st := store.NewMemory()
	seedUser(t, st, "m", "um", types.RoleModerator)
	seedUser(t, st, "p1", "u1", types.RoleUser)
	// Same user joined twice (reconnect): still one token.
	seedUser(t, st, "p1b", "u1", types.RoleUser)
	seedUser(t, st, "p2", "u2", types.RoleUser)

	inst := newVoteInstance(t, st, "m", "um")
	voteId, tokens := startVote(t, st, inst, StartCmd{
		Kind: KindRollCall, AllowedParticipants: []types.ParticipantId{"p1", "p1b", "p2"},
	})

	assert.Len(t, tokens, 2)
	members, err := st.SetMembers(context.Background(), tokensKey(testRoom, voteId))
	require.NoError(t, err)
	assert.Len(t, members, 2)

	params := paramsOf(t, st, voteId)
	assert.Equal(t, 2, params.MaxVotes)
}

func paramsOf(t *testing.T, st store.Store, voteId VoteId) Parameters {
	t.Helper()
	raw, err := st.Get(context.Background(), paramsKey(testRoom, voteId))
	require.NoError(t, err)
	var p Parameters
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	return p
}

func TestSecondStartRejectedWhileVoteActive(t *testing.T) {
	st := store.NewMemory()
	seedUser(t, st, "m", "um", types.RoleModerator)
	seedUser(t, st, "p1", "u1", types.RoleUser)
	inst := newVoteInstance(t, st, "m", "um")
	startVote(t, st, inst, StartCmd{Kind: KindRollCall, AllowedParticipants: []types.ParticipantId{"p1"}})

	mc := mctx(st, "m", types.RoleModerator)
	err := inst.OnEvent(context.Background(), mc, wsCommand(t, cmdStart, StartCmd{
		Kind: KindRollCall, AllowedParticipants: []types.ParticipantId{"p1"},
	}))
	var recoverable *moderr.Recoverable
	require.ErrorAs(t, err, &recoverable)
	assert.Equal(t, moderr.KindSessionAlreadyRunning, recoverable.Kind)
}

func TestRollCallHappyPathAutoCloses(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedUser(t, st, "m", "um", types.RoleModerator)
	seedUser(t, st, "p1", "u1", types.RoleUser)
	seedUser(t, st, "p2", "u2", types.RoleUser)

	modInst := newVoteInstance(t, st, "m", "um")
	voteId, tokens := startVote(t, st, modInst, StartCmd{
		Kind: KindRollCall, EnableAbstain: false, AutoClose: true,
		AllowedParticipants: []types.ParticipantId{"p1", "p2"},
	})

	voter1 := newVoteInstance(t, st, "p1", "u1")
	mc1 := mctx(st, "p1", types.RoleUser)
	require.NoError(t, voter1.OnEvent(ctx, mc1, wsCommand(t, cmdVote, VoteCmd{
		VoteId: voteId, Option: OptionYes, Token: tokens["u1"],
	})))

	voter2 := newVoteInstance(t, st, "p2", "u2")
	mc2 := mctx(st, "p2", types.RoleUser)
	require.NoError(t, voter2.OnEvent(ctx, mc2, wsCommand(t, cmdVote, VoteCmd{
		VoteId: voteId, Option: OptionNo, Token: tokens["u2"],
	})))

	// The second ballot exhausted the token set; the vote auto-stopped.
	_, err := st.Get(ctx, currentKey(testRoom))
	assert.ErrorIs(t, err, store.ErrNotFound)

	history, err := st.SetMembers(ctx, historySetKey(testRoom))
	require.NoError(t, err)
	assert.Equal(t, []string{string(voteId)}, history)

	entries := readProtocol(t, st, voteId)
	require.Len(t, entries, 5)
	assert.Equal(t, entryStart, entries[0].Kind)
	assert.Equal(t, entryVote, entries[1].Kind)
	assert.Equal(t, OptionYes, entries[1].Option)
	require.NotNil(t, entries[1].UserInfo)
	assert.Equal(t, types.UserId("u1"), entries[1].UserInfo.Issuer)
	assert.Equal(t, entryVote, entries[2].Kind)
	assert.Equal(t, OptionNo, entries[2].Option)
	assert.Equal(t, entryStop, entries[3].Kind)
	assert.Equal(t, StopAuto, entries[3].StopKind)
	assert.Equal(t, entryFinalResults, entries[4].Kind)
	require.NotNil(t, entries[4].Results)
	require.NotNil(t, entries[4].Results.Valid)
	assert.Equal(t, uint64(1), entries[4].Results.Valid.Yes)
	assert.Equal(t, uint64(1), entries[4].Results.Valid.No)
	assert.Nil(t, entries[4].Results.Valid.Abstain)

	// Ballot atomicity: tokens consumed == vote entries == tally sum.
	members, err := st.SetMembers(ctx, tokensKey(testRoom, voteId))
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestTokenIsConsumedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedUser(t, st, "m", "um", types.RoleModerator)
	seedUser(t, st, "p1", "u1", types.RoleUser)
	seedUser(t, st, "p2", "u2", types.RoleUser)

	modInst := newVoteInstance(t, st, "m", "um")
	voteId, tokens := startVote(t, st, modInst, StartCmd{
		Kind: KindRollCall, AutoClose: false,
		AllowedParticipants: []types.ParticipantId{"p1", "p2"},
	})

	voter := newVoteInstance(t, st, "p1", "u1")
	mc := mctx(st, "p1", types.RoleUser)
	require.NoError(t, voter.OnEvent(ctx, mc, wsCommand(t, cmdVote, VoteCmd{
		VoteId: voteId, Option: OptionYes, Token: tokens["u1"],
	})))

	err := voter.OnEvent(ctx, mc, wsCommand(t, cmdVote, VoteCmd{
		VoteId: voteId, Option: OptionYes, Token: tokens["u1"],
	}))
	var recoverable *moderr.Recoverable
	require.ErrorAs(t, err, &recoverable)
	assert.Equal(t, moderr.KindIneligible, recoverable.Kind)

	entries := readProtocol(t, st, voteId)
	votes := 0
	for _, e := range entries {
		if e.Kind == entryVote {
			votes++
		}
	}
	assert.Equal(t, 1, votes)
}

func TestVoteWithWrongVoteIdFails(t *testing.T) {
	st := store.NewMemory()
	seedUser(t, st, "m", "um", types.RoleModerator)
	seedUser(t, st, "p1", "u1", types.RoleUser)
	modInst := newVoteInstance(t, st, "m", "um")
	_, tokens := startVote(t, st, modInst, StartCmd{
		Kind: KindRollCall, AllowedParticipants: []types.ParticipantId{"p1"},
	})

	voter := newVoteInstance(t, st, "p1", "u1")
	mc := mctx(st, "p1", types.RoleUser)
	err := voter.OnEvent(context.Background(), mc, wsCommand(t, cmdVote, VoteCmd{
		VoteId: "not-the-vote", Option: OptionYes, Token: tokens["u1"],
	}))
	var recoverable *moderr.Recoverable
	require.ErrorAs(t, err, &recoverable)
	assert.Equal(t, moderr.KindInvalidVoteId, recoverable.Kind)
}

func TestAbstainRejectedWhenDisabled(t *testing.T) {
	st := store.NewMemory()
	seedUser(t, st, "m", "um", types.RoleModerator)
	seedUser(t, st, "p1", "u1", types.RoleUser)
	modInst := newVoteInstance(t, st, "m", "um")
	voteId, tokens := startVote(t, st, modInst, StartCmd{
		Kind: KindRollCall, EnableAbstain: false,
		AllowedParticipants: []types.ParticipantId{"p1"},
	})

	voter := newVoteInstance(t, st, "p1", "u1")
	mc := mctx(st, "p1", types.RoleUser)
	err := voter.OnEvent(context.Background(), mc, wsCommand(t, cmdVote, VoteCmd{
		VoteId: voteId, Option: OptionAbstain, Token: tokens["u1"],
	}))
	var recoverable *moderr.Recoverable
	require.ErrorAs(t, err, &recoverable)
	assert.Equal(t, moderr.KindInvalidOption, recoverable.Kind)

	// The pre-check rejected before the transaction; the token survives.
	members, err := st.SetMembers(context.Background(), tokensKey(testRoom, voteId))
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestInitiatorLeaveCancelsVote(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedUser(t, st, "m", "um", types.RoleModerator)
	seedUser(t, st, "p1", "u1", types.RoleUser)

	modInst := newVoteInstance(t, st, "m", "um")
	voteId, _ := startVote(t, st, modInst, StartCmd{
		Kind: KindRollCall, AllowedParticipants: []types.ParticipantId{"p1"},
	})

	mc := mctx(st, "m", types.RoleModerator)
	require.NoError(t, modInst.OnEvent(ctx, mc, module.Event{Leaving: &module.LeavingEvent{}}))

	_, err := st.Get(ctx, currentKey(testRoom))
	assert.ErrorIs(t, err, store.ErrNotFound)

	entries := readProtocol(t, st, voteId)
	require.GreaterOrEqual(t, len(entries), 3)
	cancelEntry := entries[len(entries)-2]
	assert.Equal(t, entryCancel, cancelEntry.Kind)
	assert.Equal(t, CancelReasonInitiatorLeft, cancelEntry.Reason)
	final := entries[len(entries)-1]
	assert.Equal(t, entryFinalResults, final.Kind)
	require.NotNil(t, final.Results)
	require.NotNil(t, final.Results.Valid)
	assert.Equal(t, uint64(0), final.Results.Valid.Yes)
	assert.Equal(t, uint64(0), final.Results.Valid.No)

	var sawCanceled bool
	for _, a := range mc.DrainActions() {
		if a.ExchangePublish != nil && a.ExchangePublish.Message.Kind == exCanceled {
			var ev CanceledEvent
			require.NoError(t, json.Unmarshal(a.ExchangePublish.Message.Payload, &ev))
			assert.Equal(t, CancelReasonInitiatorLeft, ev.Reason)
			sawCanceled = true
		}
	}
	assert.True(t, sawCanceled)
}

func TestPseudonymousVoteErasesIdentity(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedUser(t, st, "m", "um", types.RoleModerator)
	seedUser(t, st, "p1", "u1", types.RoleUser)

	modInst := newVoteInstance(t, st, "m", "um")
	voteId, tokens := startVote(t, st, modInst, StartCmd{
		Kind: KindPseudonymous, AutoClose: true,
		AllowedParticipants: []types.ParticipantId{"p1"},
	})

	voter := newVoteInstance(t, st, "p1", "u1")
	mc := mctx(st, "p1", types.RoleUser)
	require.NoError(t, voter.OnEvent(ctx, mc, wsCommand(t, cmdVote, VoteCmd{
		VoteId: voteId, Option: OptionYes, Token: tokens["u1"],
	})))

	for _, e := range readProtocol(t, st, voteId) {
		if e.Kind == entryVote {
			assert.Nil(t, e.UserInfo, "pseudonymous votes must not carry voter identity")
		}
	}
}

func TestStartedExchangeResolvesTokenPerRecipient(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedUser(t, st, "m", "um", types.RoleModerator)
	seedUser(t, st, "p1", "u1", types.RoleUser)

	modInst := newVoteInstance(t, st, "m", "um")
	voteId, tokens := startVote(t, st, modInst, StartCmd{
		Kind: KindRollCall, AllowedParticipants: []types.ParticipantId{"p1"},
	})

	msg, err := module.NewExchangeMessage(Namespace, exStarted, StartedEvent{
		VoteId: voteId, Parameters: paramsOf(t, st, voteId),
	})
	require.NoError(t, err)

	// The allowed voter sees their token; the (non-allowed) moderator
	// does not.
	voter := newVoteInstance(t, st, "p1", "u1")
	mc := mctx(st, "p1", types.RoleUser)
	require.NoError(t, voter.OnEvent(ctx, mc, module.Event{Exchange: &msg}))
	actions := mc.DrainActions()
	require.Len(t, actions, 1)
	started := actions[0].WsSend.Payload.(map[string]any)["payload"].(StartedEvent)
	assert.Equal(t, tokens["u1"], started.Token)

	mcMod := mctx(st, "m", types.RoleModerator)
	require.NoError(t, modInst.OnEvent(ctx, mcMod, module.Event{Exchange: &msg}))
	actions = mcMod.DrainActions()
	require.Len(t, actions, 1)
	started = actions[0].WsSend.Payload.(map[string]any)["payload"].(StartedEvent)
	assert.Empty(t, started.Token)
}

func TestStopRequiresModerator(t *testing.T) {
	st := store.NewMemory()
	seedUser(t, st, "m", "um", types.RoleModerator)
	seedUser(t, st, "p1", "u1", types.RoleUser)
	modInst := newVoteInstance(t, st, "m", "um")
	voteId, _ := startVote(t, st, modInst, StartCmd{
		Kind: KindRollCall, AllowedParticipants: []types.ParticipantId{"p1"},
	})

	voter := newVoteInstance(t, st, "p1", "u1")
	mc := mctx(st, "p1", types.RoleUser)
	err := voter.OnEvent(context.Background(), mc, wsCommand(t, cmdStop, StopCmd{VoteId: voteId}))
	var recoverable *moderr.Recoverable
	require.ErrorAs(t, err, &recoverable)
	assert.Equal(t, moderr.KindPermissionDenied, recoverable.Kind)
}

func TestOnDestroyGlobalWipesVoteKeys(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedUser(t, st, "m", "um", types.RoleModerator)
	seedUser(t, st, "p1", "u1", types.RoleUser)
	modInst := newVoteInstance(t, st, "m", "um")
	voteId, _ := startVote(t, st, modInst, StartCmd{
		Kind: KindRollCall, AllowedParticipants: []types.ParticipantId{"p1"},
	})

	modInst.OnDestroy(ctx, &module.DestroyContext{
		Room: testRoom, Participant: "m", Store: st, CleanupScope: module.CleanupGlobal,
	})

	for _, key := range []string{
		currentKey(testRoom),
		paramsKey(testRoom, voteId),
	} {
		_, err := st.Get(ctx, key)
		assert.ErrorIs(t, err, store.ErrNotFound, key)
	}
	members, err := st.SetMembers(ctx, tokensKey(testRoom, voteId))
	require.NoError(t, err)
	assert.Empty(t, members)
}
