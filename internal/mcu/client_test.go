package mcu

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func dialFake(t *testing.T, f *fakeSFU) *Client {
	t.Helper()
	opt := startFakeSFU(t, f)
	c, err := NewClient("mcu-1", "passthrough:///bufnet", opt)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientPing(t *testing.T) {
	c := dialFake(t, newFakeSFU())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Ping(ctx))
	assert.True(t, c.Alive())
}

func TestClientPingFailureMarksDead(t *testing.T) {
	f := newFakeSFU()
	f.pingErr = context.DeadlineExceeded
	c := dialFake(t, f)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Error(t, c.Ping(ctx))
	assert.False(t, c.Alive())
}

func TestClientRoomAndHandleLifecycle(t *testing.T) {
	c := dialFake(t, newFakeSFU())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	roomID, err := c.CreateRoom(ctx, "tenant-a", BitrateCaps{AudioBps: 64000, VideoBps: 1500000})
	require.NoError(t, err)
	assert.NotEmpty(t, roomID)

	pubHandle, err := c.AttachPublisher(ctx, roomID, "video")
	require.NoError(t, err)
	assert.NotZero(t, pubHandle)

	subHandle, err := c.AttachSubscriber(ctx, roomID, pubHandle, false)
	require.NoError(t, err)
	assert.NotZero(t, subHandle)
	assert.NotEqual(t, pubHandle, subHandle)

	sdp, err := c.SdpOffer(ctx, pubHandle, "offer-sdp")
	require.NoError(t, err)
	assert.Equal(t, "answer-for:offer-sdp", sdp)

	require.NoError(t, c.SdpAnswer(ctx, subHandle, "answer-sdp"))
	require.NoError(t, c.Candidate(ctx, pubHandle, "candidate-a"))
	require.NoError(t, c.EndOfCandidates(ctx, pubHandle))
	require.NoError(t, c.PublisherConfigure(ctx, pubHandle, true, true))

	restarted, err := c.SubscriberConfigure(ctx, subHandle, 0, true, true)
	require.NoError(t, err)
	assert.Equal(t, "restarted-offer", restarted)

	noRestart, err := c.SubscriberConfigure(ctx, subHandle, 0, true, false)
	require.NoError(t, err)
	assert.Empty(t, noRestart)

	require.NoError(t, c.DetachHandle(ctx, pubHandle))
	require.NoError(t, c.DestroyRoom(ctx, roomID))
}

func TestClientListenEvents(t *testing.T) {
	c := dialFake(t, newFakeSFU())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream, err := c.ListenEvents(ctx)
	require.NoError(t, err)

	var evt SfuEvent
	require.NoError(t, stream.RecvMsg(&evt))
	assert.Equal(t, "talking", evt.Kind)
}
