package mcu

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/RoseWrightdev/signaling-core/internal/logging"
	"github.com/RoseWrightdev/signaling-core/internal/metrics"
	"github.com/RoseWrightdev/signaling-core/internal/moderr"
	"github.com/RoseWrightdev/signaling-core/internal/store"
	"github.com/RoseWrightdev/signaling-core/internal/types"
	"go.uber.org/zap"
)

const (
	loadZsetKey       = "mcu:load"
	publisherInfoKey  = "mcu:publishers"
	keepAliveInterval = 10 * time.Second
	reconnectMinDelay = 1 * time.Second
	reconnectMaxDelay = 8 * time.Second
	destroyAwaitLimit = 250 * time.Millisecond
)

// ShutdownCode is published to affected publisher/subscriber runtimes
// when a client leaves the pool.
type ShutdownCode string

const (
	ShutdownGraceful            ShutdownCode = "graceful"             // config reload dropped this client
	ShutdownAlreadyDisconnected ShutdownCode = "already_disconnected" // keep-alive detected the client dead
)

// DeadClientNotifier is invoked for every media session previously
// bound to a client that just left the pool, so the media module can
// emit WebRtcDown (Graceful) or AssociatedMcuDied (AlreadyDisconnected)
// to the owning runner.
type DeadClientNotifier func(ctx context.Context, mediaSessionKey string, code ShutdownCode)

// MediaSessionKey identifies one publish slot: a participant's session
// of a given type inside a signaling room.
type MediaSessionKey struct {
	Room        types.SignalingRoomId
	Participant types.ParticipantId
	Type        string // "video" | "screen"
}

func (k MediaSessionKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Room.String(), k.Participant, k.Type)
}

// ParseMediaSessionKey inverts String. The room segment may itself
// contain a breakout separator, so the key is split from the right.
func ParseMediaSessionKey(s string) (MediaSessionKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 {
		return MediaSessionKey{}, fmt.Errorf("mcu: malformed media session key %q", s)
	}
	sessionType := parts[len(parts)-1]
	pid := parts[len(parts)-2]
	roomParts := parts[:len(parts)-2]
	key := MediaSessionKey{
		Room:        types.SignalingRoomId{Room: types.RoomId(roomParts[0])},
		Participant: types.ParticipantId(pid),
		Type:        sessionType,
	}
	if len(roomParts) > 1 {
		key.Room.Breakout = types.BreakoutRoomId(strings.Join(roomParts[1:], ":"))
	}
	return key, nil
}

// PublisherInfo is the mcu:publishers hash value, JSON-encoded.
type PublisherInfo struct {
	McuID     string `json:"mcu_id"`
	SfuRoomID string `json:"sfu_room"`
	Handle    int64  `json:"handle"`
}

// Publisher is the handle a successful placement returns to the media
// module.
type Publisher struct {
	McuID     string
	SfuRoomID string
	Handle    int64
}

// Subscriber is the handle a successful subscriber placement returns.
type Subscriber struct {
	McuID  string
	Handle int64
}

// Pool manages the set of configured SFU connections and the
// store-backed least-loaded placement of publishers and subscribers.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*Client // mcu_id -> client, only while configured
	targets map[string]string  // mcu_id -> address, the full configured set

	store      store.Store
	defaultCap BitrateCaps
	notify     DeadClientNotifier

	stopCh   chan struct{}
	wg       sync.WaitGroup
	dialOpts []grpc.DialOption // extra options threaded into every NewClient call; lets tests substitute a bufconn dialer
}

// NewPool dials every configured target and starts its keep-alive loop.
// A target that fails to dial is recorded as configured-but-dead and
// picked up by the reconnect loop rather than failing pool startup.
func NewPool(targets map[string]string, st store.Store, defaultCap BitrateCaps, notify DeadClientNotifier, dialOpts ...grpc.DialOption) (*Pool, error) {
	p := &Pool{
		clients:    make(map[string]*Client),
		targets:    targets,
		store:      st,
		defaultCap: defaultCap,
		notify:     notify,
		stopCh:     make(chan struct{}),
		dialOpts:   dialOpts,
	}

	ctx := context.Background()
	for id, addr := range targets {
		if err := st.ZAdd(ctx, loadZsetKey, id, 0); err != nil {
			logging.Warn(ctx, "mcu pool: failed to seed load score", zap.String("mcu_id", id), zap.Error(err))
		}
		c, err := NewClient(id, addr, p.dialOpts...)
		if err != nil {
			logging.Error(ctx, "mcu pool: initial dial failed, will retry", zap.String("mcu_id", id), zap.Error(err))
			go p.reconnectLoop(id, addr)
			continue
		}
		p.clients[id] = c
		p.startKeepAlive(c)
	}

	return p, nil
}

// HealthyClientCount satisfies health.McuPinger: readiness requires at
// least one configured SFU to be reachable.
func (p *Pool) HealthyClientCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, c := range p.clients {
		if c.Alive() {
			n++
		}
	}
	return n
}

func (p *Pool) startKeepAlive(c *Client) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := c.Ping(ctx)
				cancel()
				if err != nil {
					p.mu.RLock()
					current, live := p.clients[c.ID()]
					p.mu.RUnlock()
					if !live || current != c {
						return
					}
					logging.Warn(context.Background(), "mcu client failed keep-alive, removing from live set",
						zap.String("mcu_id", c.ID()), zap.Error(err))
					p.removeFromLiveSet(c.ID(), ShutdownAlreadyDisconnected)
					go p.reconnectLoop(c.ID(), c.address)
					return
				}
			}
		}
	}()
}

func (p *Pool) removeFromLiveSet(mcuID string, code ShutdownCode) {
	p.mu.Lock()
	delete(p.clients, mcuID)
	p.mu.Unlock()

	ctx := context.Background()
	if err := p.store.ZRem(ctx, loadZsetKey, mcuID); err != nil {
		logging.Warn(ctx, "mcu pool: failed to remove dead client from load set", zap.Error(err))
	}
	metrics.McuReconnectsTotal.WithLabelValues(mcuID, "disconnected").Inc()
	p.notifyAffectedSessions(ctx, mcuID, code)
}

// notifyAffectedSessions scans mcu:publishers for every session bound
// to mcuID and invokes the DeadClientNotifier for each.
func (p *Pool) notifyAffectedSessions(ctx context.Context, mcuID string, code ShutdownCode) {
	if p.notify == nil {
		return
	}
	all, err := p.store.HashGetAll(ctx, publisherInfoKey)
	if err != nil {
		logging.Warn(ctx, "mcu pool: failed to scan publisher_info for dead client notification", zap.Error(err))
		return
	}
	for sessionKey, raw := range all {
		var info PublisherInfo
		if err := decodePublisherInfo(raw, &info); err != nil {
			continue
		}
		if info.McuID == mcuID {
			p.notify(ctx, sessionKey, code)
		}
	}
}

// reconnectLoop retries a dead client with exponential backoff capped
// at 8s.
func (p *Pool) reconnectLoop(mcuID, addr string) {
	delay := reconnectMinDelay
	for {
		select {
		case <-p.stopCh:
			return
		case <-time.After(delay):
		}

		c, err := NewClient(mcuID, addr, p.dialOpts...)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := c.Ping(ctx)
			cancel()
			if pingErr == nil {
				p.mu.Lock()
				p.clients[mcuID] = c
				p.mu.Unlock()
				if err := p.store.ZAdd(context.Background(), loadZsetKey, mcuID, 0); err != nil {
					logging.Warn(context.Background(), "mcu pool: failed to re-seed load score on reconnect", zap.Error(err))
				}
				metrics.McuReconnectsTotal.WithLabelValues(mcuID, "reconnected").Inc()
				logging.Info(context.Background(), "mcu client reconnected", zap.String("mcu_id", mcuID))
				p.startKeepAlive(c)
				return
			}
			_ = c.Close()
		}

		metrics.McuReconnectsTotal.WithLabelValues(mcuID, "retry").Inc()
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

// PlacePublisher places a new publisher: read mcu_load ascending, pick
// the first connected client, attach a publisher handle on a per-room
// SFU room (created lazily), and record the binding.
func (p *Pool) PlacePublisher(ctx context.Context, key MediaSessionKey, tenantID string) (*Publisher, error) {
	members, err := p.store.ZRange(ctx, loadZsetKey)
	if err != nil {
		return nil, err
	}

	var client *Client
	for _, m := range members {
		p.mu.RLock()
		c, ok := p.clients[m.Member]
		p.mu.RUnlock()
		if ok && c.Alive() {
			client = c
			break
		}
	}
	if client == nil {
		return nil, moderr.New(moderr.KindInternal, "no connected mcu client available")
	}

	sfuRoomID, err := p.sfuRoomFor(ctx, client, key.Room, tenantID)
	if err != nil {
		return nil, err
	}

	handle, err := client.AttachPublisher(ctx, sfuRoomID, key.Type)
	if err != nil {
		return nil, err
	}

	info := PublisherInfo{McuID: client.ID(), SfuRoomID: sfuRoomID, Handle: handle}
	if err := p.store.HashSet(ctx, publisherInfoKey, key.String(), encodePublisherInfo(info)); err != nil {
		return nil, err
	}
	if _, err := p.store.ZIncrBy(ctx, loadZsetKey, client.ID(), 1); err != nil {
		logging.Warn(ctx, "mcu pool: failed to increment load after publish", zap.Error(err))
	}
	metrics.McuLoad.WithLabelValues(client.ID()).Inc()

	return &Publisher{McuID: client.ID(), SfuRoomID: sfuRoomID, Handle: handle}, nil
}

// PlaceSubscriber looks up the target publisher's binding and attaches
// a subscriber handle on the same client.
func (p *Pool) PlaceSubscriber(ctx context.Context, targetKey MediaSessionKey, withoutVideo bool) (*Subscriber, error) {
	raw, err := p.store.HashGet(ctx, publisherInfoKey, targetKey.String())
	if err != nil {
		return nil, moderr.New(moderr.KindNoPublisherForTarget, targetKey.String())
	}
	var info PublisherInfo
	if err := decodePublisherInfo(raw, &info); err != nil {
		return nil, moderr.New(moderr.KindNoPublisherForTarget, targetKey.String())
	}

	p.mu.RLock()
	client, ok := p.clients[info.McuID]
	p.mu.RUnlock()
	if !ok || !client.Alive() {
		return nil, moderr.New(moderr.KindNoPublisherForTarget, targetKey.String())
	}

	handle, err := client.AttachSubscriber(ctx, info.SfuRoomID, info.Handle, withoutVideo)
	if err != nil {
		return nil, err
	}
	if _, err := p.store.ZIncrBy(ctx, loadZsetKey, client.ID(), 1); err != nil {
		logging.Warn(ctx, "mcu pool: failed to increment load after subscribe", zap.Error(err))
	}
	metrics.McuLoad.WithLabelValues(client.ID()).Inc()

	return &Subscriber{McuID: client.ID(), Handle: handle}, nil
}

// ReleaseHandle detaches handle and decrements the owning client's load
// score. mcuID is the client the handle was attached on (callers keep
// this from the Publisher/Subscriber they were issued).
func (p *Pool) ReleaseHandle(ctx context.Context, mcuID string, handle int64) error {
	p.mu.RLock()
	client, ok := p.clients[mcuID]
	p.mu.RUnlock()
	if !ok {
		return nil // already gone; nothing to detach
	}
	if err := client.DetachHandle(ctx, handle); err != nil {
		logging.Warn(ctx, "mcu pool: detach failed", zap.String("mcu_id", mcuID), zap.Error(err))
	}
	if _, err := p.store.ZIncrBy(ctx, loadZsetKey, mcuID, -1); err != nil {
		logging.Warn(ctx, "mcu pool: failed to decrement load", zap.Error(err))
	}
	metrics.McuLoad.WithLabelValues(mcuID).Dec()
	return nil
}

// ReleasePublisher tears a publisher down: detaches its handle, clears
// its mcu:publishers binding, and decrements the load score.
func (p *Pool) ReleasePublisher(ctx context.Context, key MediaSessionKey, mcuID string, handle int64) error {
	if err := p.store.HashDel(ctx, publisherInfoKey, key.String()); err != nil {
		logging.Warn(ctx, "mcu pool: failed to clear publisher binding", zap.Error(err))
	}
	return p.ReleaseHandle(ctx, mcuID, handle)
}

// liveClient resolves mcuID to a connected client or a typed error the
// media module can surface.
func (p *Pool) liveClient(mcuID string) (*Client, error) {
	p.mu.RLock()
	c, ok := p.clients[mcuID]
	p.mu.RUnlock()
	if !ok || !c.Alive() {
		return nil, moderr.New(moderr.KindInternal, "mcu client "+mcuID+" not connected")
	}
	return c, nil
}

// Signal forwarding: the media module holds (mcuID, handle) pairs from
// placement and routes SDP traffic through the pool so a dead client is
// caught in one place.

func (p *Pool) SdpOffer(ctx context.Context, mcuID string, handle int64, sdp string) (string, error) {
	c, err := p.liveClient(mcuID)
	if err != nil {
		return "", err
	}
	return c.SdpOffer(ctx, handle, sdp)
}

func (p *Pool) SdpAnswer(ctx context.Context, mcuID string, handle int64, sdp string) error {
	c, err := p.liveClient(mcuID)
	if err != nil {
		return err
	}
	return c.SdpAnswer(ctx, handle, sdp)
}

func (p *Pool) Candidate(ctx context.Context, mcuID string, handle int64, candidate string) error {
	c, err := p.liveClient(mcuID)
	if err != nil {
		return err
	}
	return c.Candidate(ctx, handle, candidate)
}

func (p *Pool) EndOfCandidates(ctx context.Context, mcuID string, handle int64) error {
	c, err := p.liveClient(mcuID)
	if err != nil {
		return err
	}
	return c.EndOfCandidates(ctx, handle)
}

func (p *Pool) PublisherConfigure(ctx context.Context, mcuID string, handle int64, audio, video bool) error {
	c, err := p.liveClient(mcuID)
	if err != nil {
		return err
	}
	return c.PublisherConfigure(ctx, handle, audio, video)
}

func (p *Pool) SubscriberConfigure(ctx context.Context, mcuID string, handle int64, substream int32, video, restart bool) (string, error) {
	c, err := p.liveClient(mcuID)
	if err != nil {
		return "", err
	}
	return c.SubscriberConfigure(ctx, handle, substream, video, restart)
}

// sfuRoomFor returns the SFU-local room id for a signaling room on the
// given client, creating it on first use. The binding is cached in the
// store so every publisher in the room lands in the same SFU room.
func (p *Pool) sfuRoomFor(ctx context.Context, client *Client, room types.SignalingRoomId, tenantID string) (string, error) {
	key := "mcu:sfuroom:" + room.String() + ":" + client.ID()
	if existing, err := p.store.Get(ctx, key); err == nil {
		return existing, nil
	}
	sfuRoomID, err := client.CreateRoom(ctx, tenantID, p.defaultCap)
	if err != nil {
		return "", err
	}
	if err := p.store.Set(ctx, key, sfuRoomID, 0); err != nil {
		logging.Warn(ctx, "mcu pool: failed to cache sfu room binding", zap.Error(err))
	}
	return sfuRoomID, nil
}

// Reload computes the configured set difference against newTargets:
// clients no longer present are shut down Graceful, new ones are
// dialed and keep-alive started.
func (p *Pool) Reload(newTargets map[string]string) {
	p.mu.Lock()
	old := p.targets
	p.targets = newTargets
	p.mu.Unlock()

	for id := range old {
		if _, stillConfigured := newTargets[id]; !stillConfigured {
			p.mu.Lock()
			c, ok := p.clients[id]
			delete(p.clients, id)
			p.mu.Unlock()
			if ok {
				_ = c.Close()
			}
			ctx := context.Background()
			if err := p.store.ZRem(ctx, loadZsetKey, id); err != nil {
				logging.Warn(ctx, "mcu pool: failed to remove reloaded-out client from load set", zap.Error(err))
			}
			p.notifyAffectedSessions(ctx, id, ShutdownGraceful)
		}
	}

	for id, addr := range newTargets {
		if _, alreadyConfigured := old[id]; alreadyConfigured {
			continue
		}
		ctx := context.Background()
		if err := p.store.ZAdd(ctx, loadZsetKey, id, 0); err != nil {
			logging.Warn(ctx, "mcu pool: failed to seed load score for reloaded client", zap.Error(err))
		}
		c, err := NewClient(id, addr, p.dialOpts...)
		if err != nil {
			logging.Error(ctx, "mcu pool: reload dial failed, deferring to reconnect loop", zap.String("mcu_id", id), zap.Error(err))
			go p.reconnectLoop(id, addr)
			continue
		}
		p.mu.Lock()
		p.clients[id] = c
		p.mu.Unlock()
		p.startKeepAlive(c)
	}
}

// Close shuts down every client, awaiting in-flight operations at most
// destroyAwaitLimit each before abandoning them.
func (p *Pool) Close() error {
	close(p.stopCh)

	p.mu.Lock()
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.clients = make(map[string]*Client)
	p.mu.Unlock()

	var errs []string
	for _, c := range clients {
		done := make(chan error, 1)
		go func(c *Client) { done <- c.Close() }(c)
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, err.Error())
			}
		case <-time.After(destroyAwaitLimit):
			errs = append(errs, fmt.Sprintf("mcu client %s close abandoned after %s", c.ID(), destroyAwaitLimit))
		}
	}

	p.wg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("mcu pool close: %s", strings.Join(errs, "; "))
	}
	return nil
}
