package relstore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file:" + t.Name() + "?mode=memory&cache=shared&_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	return s
}

func TestCreateVoteAndMirrorProtocol(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	require.NoError(t, s.CreateVote(ctx, "v1", "r1", "tenant-1", "u-init"))

	entries := []json.RawMessage{
		json.RawMessage(`{"kind":"start"}`),
		json.RawMessage(`{"kind":"vote","option":"yes"}`),
	}
	require.NoError(t, s.AppendProtocol(ctx, "v1", entries))
	require.NoError(t, s.AppendProtocol(ctx, "v1", []json.RawMessage{json.RawMessage(`{"kind":"stop"}`)}))

	got, err := s.Protocol(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.JSONEq(t, `{"kind":"start"}`, string(got[0]))
	assert.JSONEq(t, `{"kind":"stop"}`, string(got[2]))
}

func TestAppendProtocolUnknownVoteFails(t *testing.T) {
	s := open(t)
	err := s.AppendProtocol(context.Background(), "missing", []json.RawMessage{json.RawMessage(`{}`)})
	assert.Error(t, err)
}

func TestConcurrentAppendsAreSerializedPerVote(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	require.NoError(t, s.CreateVote(ctx, "v1", "r1", "tenant-1", "u-init"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.AppendProtocol(ctx, "v1", []json.RawMessage{json.RawMessage(`{"kind":"vote"}`)})
		}()
	}
	wg.Wait()

	got, err := s.Protocol(ctx, "v1")
	require.NoError(t, err)
	assert.Len(t, got, 20)
}

func TestGrantsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	s := open(t)

	perms := []Permission{PermGet, PermPut, PermDelete}
	require.NoError(t, s.Grant(ctx, "v1", []string{"owner", "initiator"}, perms))
	require.NoError(t, s.Grant(ctx, "v1", []string{"owner"}, perms))

	ok, err := s.HasPermission(ctx, "v1", "owner", PermDelete)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasPermission(ctx, "v1", "stranger", PermGet)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveAsset(t *testing.T) {
	ctx := context.Background()
	s := open(t)
	require.NoError(t, s.SaveAsset(ctx, "a1", "v1", "vote_protocol_v1.pdf", "legal_vote_protocol"))

	var rec AssetRecord
	require.NoError(t, s.db.First(&rec, "id = ?", "a1").Error)
	assert.Equal(t, "v1", rec.ResourceId)
	assert.Equal(t, "legal_vote_protocol", rec.Kind)
}
