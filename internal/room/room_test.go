package room

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RoseWrightdev/signaling-core/internal/store"
	"github.com/RoseWrightdev/signaling-core/internal/types"
)

func testAttrs(name string, role types.Role, uid string) types.ParticipantAttrs {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	a := types.ParticipantAttrs{
		Kind:          types.KindUser,
		DisplayName:   name,
		Role:          role,
		JoinedAt:      now,
		HandUpdatedAt: now,
		IsPresent:     true,
	}
	if uid != "" {
		u := types.UserId(uid)
		a.UserId = &u
	}
	return a
}

func TestAttrsRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r := types.SignalingRoomId{Room: "r1"}

	attrs := testAttrs("Alice", types.RoleModerator, "u1")
	attrs.HandIsUp = true
	require.NoError(t, WriteAttrs(ctx, st, r, "p1", attrs))

	got, err := ReadAttrs(ctx, st, r, "p1")
	require.NoError(t, err)
	assert.Equal(t, attrs.DisplayName, got.DisplayName)
	assert.Equal(t, attrs.Role, got.Role)
	assert.Equal(t, attrs.Kind, got.Kind)
	assert.True(t, got.HandIsUp)
	assert.True(t, got.JoinedAt.Equal(attrs.JoinedAt))
	require.NotNil(t, got.UserId)
	assert.Equal(t, types.UserId("u1"), *got.UserId)
	assert.Nil(t, got.LeftAt)

	_, err = ReadAttrs(ctx, st, r, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJoinReturnsExistingParticipants(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r := types.SignalingRoomId{Room: "r1"}

	existing, err := Join(ctx, st, r, "p1", testAttrs("Alice", types.RoleModerator, "u1"))
	require.NoError(t, err)
	assert.Empty(t, existing)

	existing, err = Join(ctx, st, r, "p2", testAttrs("Bob", types.RoleUser, "u2"))
	require.NoError(t, err)
	assert.Equal(t, []types.ParticipantId{"p1"}, existing)

	present, err := Participants(ctx, st, r)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.ParticipantId{"p1", "p2"}, present)
}

func TestLeaveReportsDestroyOnlyForLastParticipant(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r := types.SignalingRoomId{Room: "r1"}

	_, err := Join(ctx, st, r, "p1", testAttrs("Alice", types.RoleModerator, "u1"))
	require.NoError(t, err)
	_, err = Join(ctx, st, r, "p2", testAttrs("Bob", types.RoleUser, "u2"))
	require.NoError(t, err)

	destroyed, err := Leave(ctx, st, r, "p2")
	require.NoError(t, err)
	assert.False(t, destroyed)

	destroyed, err = Leave(ctx, st, r, "p1")
	require.NoError(t, err)
	assert.True(t, destroyed)
}

func TestJoinLeaveDestroysAllCoreKeys(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r := types.SignalingRoomId{Room: "r1"}

	attrs := testAttrs("Alice", types.RoleModerator, "u1")
	attrs.IsRoomOwner = true
	_, err := Join(ctx, st, r, "p1", attrs)
	require.NoError(t, err)
	require.NoError(t, SetOwner(ctx, st, r, "u1"))

	owner, err := Owner(ctx, st, r)
	require.NoError(t, err)
	assert.Equal(t, types.UserId("u1"), owner)

	destroyed, err := Leave(ctx, st, r, "p1")
	require.NoError(t, err)
	require.True(t, destroyed)
	require.NoError(t, DeleteCoreKeys(ctx, st, r))

	_, err = ReadAttrs(ctx, st, r, "p1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	members, err := st.SetMembers(ctx, ParticipantsKey(r))
	require.NoError(t, err)
	assert.Empty(t, members)
	owner, err = Owner(ctx, st, r)
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestSetRoleAndHand(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r := types.SignalingRoomId{Room: "r1"}

	_, err := Join(ctx, st, r, "p1", testAttrs("Alice", types.RoleUser, "u1"))
	require.NoError(t, err)

	require.NoError(t, SetRole(ctx, st, r, "p1", types.RoleModerator))
	at := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	require.NoError(t, SetHand(ctx, st, r, "p1", true, at))

	got, err := ReadAttrs(ctx, st, r, "p1")
	require.NoError(t, err)
	assert.Equal(t, types.RoleModerator, got.Role)
	assert.True(t, got.HandIsUp)
	assert.True(t, got.HandUpdatedAt.Equal(at))
}

func TestSetLeftAtClearsPresence(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r := types.SignalingRoomId{Room: "r1"}

	_, err := Join(ctx, st, r, "p1", testAttrs("Alice", types.RoleUser, "u1"))
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, SetLeftAt(ctx, st, r, "p1", at))

	got, err := ReadAttrs(ctx, st, r, "p1")
	require.NoError(t, err)
	assert.False(t, got.IsPresent)
	require.NotNil(t, got.LeftAt)
	assert.True(t, got.LeftAt.Equal(at))
}

func TestBreakoutRoomKeysAreScopedSeparately(t *testing.T) {
	main := types.SignalingRoomId{Room: "r1"}
	sub := types.SignalingRoomId{Room: "r1", Breakout: "b1"}
	assert.NotEqual(t, ParticipantsKey(main), ParticipantsKey(sub))
	assert.NotEqual(t, AttrsKey(main, "p1"), AttrsKey(sub, "p1"))
}
