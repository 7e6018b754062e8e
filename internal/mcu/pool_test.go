package mcu

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/RoseWrightdev/signaling-core/internal/store"
	"github.com/RoseWrightdev/signaling-core/internal/types"
)

// multiTargetDialer lets a single grpc.WithContextDialer option serve
// several distinct in-process SFU fakes, keyed by the passthrough
// target's endpoint (the part after "passthrough:///").
type multiTargetDialer struct {
	mu        sync.RWMutex
	listeners map[string]*bufconn.Listener
}

func newMultiTargetDialer() *multiTargetDialer {
	return &multiTargetDialer{listeners: make(map[string]*bufconn.Listener)}
}

func (d *multiTargetDialer) add(t *testing.T, endpoint string, f *fakeSFU) string {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	srv.RegisterService(fakeServiceDesc(f), nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	d.mu.Lock()
	d.listeners[endpoint] = lis
	d.mu.Unlock()
	return "passthrough:///" + endpoint
}

func (d *multiTargetDialer) dial(ctx context.Context, endpoint string) (net.Conn, error) {
	d.mu.RLock()
	lis, ok := d.listeners[endpoint]
	d.mu.RUnlock()
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return lis.DialContext(ctx)
}

func (d *multiTargetDialer) dialOpt() grpc.DialOption {
	return grpc.WithContextDialer(d.dial)
}

func TestPoolPlacePublisherAndSubscriber(t *testing.T) {
	mem := store.NewMemory()
	dialer := newMultiTargetDialer()
	addrA := dialer.add(t, "mcu-a", newFakeSFU())

	pool, err := NewPool(map[string]string{"mcu-a": addrA}, mem, BitrateCaps{AudioBps: 64000, VideoBps: 1500000}, nil, dialer.dialOpt())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	require.Eventually(t, func() bool { return pool.HealthyClientCount() == 1 }, time.Second, 10*time.Millisecond)

	ctx := context.Background()
	room := types.SignalingRoomId{Room: "room-1"}
	pubKey := MediaSessionKey{Room: room, Participant: "alice", Type: "video"}

	pub, err := pool.PlacePublisher(ctx, pubKey, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "mcu-a", pub.McuID)
	assert.NotZero(t, pub.Handle)

	sub, err := pool.PlaceSubscriber(ctx, pubKey, false)
	require.NoError(t, err)
	assert.Equal(t, "mcu-a", sub.McuID)
	assert.NotZero(t, sub.Handle)

	require.NoError(t, pool.ReleaseHandle(ctx, sub.McuID, sub.Handle))
	require.NoError(t, pool.ReleaseHandle(ctx, pub.McuID, pub.Handle))
}

func TestPoolPlaceSubscriberWithoutPublisherFails(t *testing.T) {
	mem := store.NewMemory()
	dialer := newMultiTargetDialer()
	addrA := dialer.add(t, "mcu-a", newFakeSFU())

	pool, err := NewPool(map[string]string{"mcu-a": addrA}, mem, BitrateCaps{}, nil, dialer.dialOpt())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	_, err = pool.PlaceSubscriber(context.Background(), MediaSessionKey{Room: types.SignalingRoomId{Room: "room-x"}, Participant: "nobody", Type: "video"}, false)
	assert.Error(t, err)
}

func TestPoolLeastLoadedPlacement(t *testing.T) {
	mem := store.NewMemory()
	dialer := newMultiTargetDialer()
	addrA := dialer.add(t, "mcu-a", newFakeSFU())
	addrB := dialer.add(t, "mcu-b", newFakeSFU())

	pool, err := NewPool(map[string]string{"mcu-a": addrA, "mcu-b": addrB}, mem, BitrateCaps{}, nil, dialer.dialOpt())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	require.Eventually(t, func() bool { return pool.HealthyClientCount() == 2 }, time.Second, 10*time.Millisecond)

	ctx := context.Background()
	// Artificially load mcu-a so mcu-b is picked next.
	_, err = mem.ZIncrBy(ctx, loadZsetKey, "mcu-a", 5)
	require.NoError(t, err)

	pub, err := pool.PlacePublisher(ctx, MediaSessionKey{Room: types.SignalingRoomId{Room: "room-2"}, Participant: "bob", Type: "video"}, "tenant-b")
	require.NoError(t, err)
	assert.Equal(t, "mcu-b", pub.McuID)
}

func TestPoolNotifiesAffectedSessionsOnDeadClient(t *testing.T) {
	mem := store.NewMemory()
	dialer := newMultiTargetDialer()
	f := newFakeSFU()
	addrA := dialer.add(t, "mcu-a", f)

	var notified []string
	var mu sync.Mutex
	notify := func(ctx context.Context, key string, code ShutdownCode) {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, key)
		assert.Equal(t, ShutdownAlreadyDisconnected, code)
	}

	pool, err := NewPool(map[string]string{"mcu-a": addrA}, mem, BitrateCaps{}, notify, dialer.dialOpt())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	require.Eventually(t, func() bool { return pool.HealthyClientCount() == 1 }, time.Second, 10*time.Millisecond)

	ctx := context.Background()
	key := MediaSessionKey{Room: types.SignalingRoomId{Room: "room-3"}, Participant: "carl", Type: "video"}
	_, err = pool.PlacePublisher(ctx, key, "tenant-a")
	require.NoError(t, err)

	f.mu.Lock()
	f.pingErr = context.DeadlineExceeded
	f.mu.Unlock()

	pool.mu.RLock()
	client := pool.clients["mcu-a"]
	pool.mu.RUnlock()
	require.Error(t, client.Ping(context.Background()))
	pool.removeFromLiveSet("mcu-a", ShutdownAlreadyDisconnected)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notified, 1)
	assert.Equal(t, key.String(), notified[0])
}

func TestPoolReloadDropsAndAddsClients(t *testing.T) {
	mem := store.NewMemory()
	dialer := newMultiTargetDialer()
	addrA := dialer.add(t, "mcu-a", newFakeSFU())
	addrB := dialer.add(t, "mcu-b", newFakeSFU())

	pool, err := NewPool(map[string]string{"mcu-a": addrA}, mem, BitrateCaps{}, nil, dialer.dialOpt())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	require.Eventually(t, func() bool { return pool.HealthyClientCount() == 1 }, time.Second, 10*time.Millisecond)

	pool.Reload(map[string]string{"mcu-b": addrB})

	require.Eventually(t, func() bool { return pool.HealthyClientCount() == 1 }, time.Second, 10*time.Millisecond)
	pool.mu.RLock()
	_, stillHasA := pool.clients["mcu-a"]
	_, hasB := pool.clients["mcu-b"]
	pool.mu.RUnlock()
	assert.False(t, stillHasA)
	assert.True(t, hasB)
}
