package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/RoseWrightdev/signaling-core/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRoutingKeyBuilders(t *testing.T) {
	room := types.SignalingRoomId{Room: "r1"}
	assert.Equal(t, "room=r1:participants", ParticipantsKey(room))
	assert.Equal(t, "room=r1:participant=p1", ParticipantKey(room, "p1"))
	assert.Equal(t, "room=r1:user=u1", UserKey(room, "u1"))
	assert.Equal(t, "room=r1:group=g1", GroupKey(room, "g1"))

	breakout := types.SignalingRoomId{Room: "r1", Breakout: "b1"}
	assert.Equal(t, "room=r1:b1:participants", ParticipantsKey(breakout))
}

func TestPublishSubscribeLocal(t *testing.T) {
	ex := New()
	ctx := context.Background()

	stream := ex.Subscribe(ctx, "room=r1:participants")
	defer stream.Close()

	require.NoError(t, ex.Publish(ctx, "room=r1:participants", []byte("hello")))

	select {
	case msg := <-stream.C:
		assert.Equal(t, "hello", string(msg))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for local delivery")
	}
}

func TestPublishOrderingPerPublisher(t *testing.T) {
	ex := New()
	ctx := context.Background()
	stream := ex.Subscribe(ctx, "k")
	defer stream.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, ex.Publish(ctx, "k", []byte{byte(i)}))
	}

	for i := 0; i < 10; i++ {
		select {
		case msg := <-stream.C:
			require.Equal(t, byte(i), msg[0])
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for ordered delivery")
		}
	}
}

func TestNoDeliveryWithoutSubscriber(t *testing.T) {
	ex := New()
	ctx := context.Background()
	// No subscriber registered for this key; publish must not block or panic.
	assert.NoError(t, ex.Publish(ctx, "room=none:participants", []byte("x")))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ex := New()
	ctx := context.Background()
	stream := ex.Subscribe(ctx, "k")

	require.NoError(t, ex.Publish(ctx, "k", []byte("one")))
	<-stream.C

	stream.Close()
	require.NoError(t, ex.Publish(ctx, "k", []byte("two")))

	select {
	case _, ok := <-stream.C:
		assert.False(t, ok, "channel should be abandoned, not receive post-close")
	case <-time.After(50 * time.Millisecond):
		// No delivery observed, which is the expected outcome.
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	ex := New()
	ctx := context.Background()
	stream := ex.Subscribe(ctx, "k")
	defer stream.Close()

	for i := 0; i < subscriberBuffer+50; i++ {
		require.NoError(t, ex.Publish(ctx, "k", []byte{byte(i)}))
	}

	assert.Greater(t, stream.Dropped(), uint64(0))
}

func TestRedisFanOutAcrossInstances(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer clientA.Close()
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer clientB.Close()

	exA := NewWithRedis(clientA, "node-a")
	defer exA.Close()
	exB := NewWithRedis(clientB, "node-b")
	defer exB.Close()

	ctx := context.Background()
	streamB := exB.Subscribe(ctx, "room=r1:participants")
	defer streamB.Close()

	time.Sleep(50 * time.Millisecond) // allow the relay subscription to register

	require.NoError(t, exA.Publish(ctx, "room=r1:participants", []byte("cross-instance")))

	select {
	case msg := <-streamB.C:
		assert.Equal(t, "cross-instance", string(msg))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cross-instance delivery")
	}
}

func TestRedisFanOutIgnoresOwnEcho(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ex := NewWithRedis(client, "node-a")
	defer ex.Close()

	ctx := context.Background()
	stream := ex.Subscribe(ctx, "room=r1:participants")
	defer stream.Close()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ex.Publish(ctx, "room=r1:participants", []byte("local-and-echo")))

	// Local delivery happens once; the relayed echo from Redis must be
	// suppressed, so exactly one message should arrive, not two.
	select {
	case msg := <-stream.C:
		assert.Equal(t, "local-and-echo", string(msg))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	select {
	case msg := <-stream.C:
		t.Fatalf("unexpected second delivery (echo not suppressed): %s", msg)
	case <-time.After(150 * time.Millisecond):
	}
}
