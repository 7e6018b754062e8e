// Package exchange fans messages out between runners by string routing
// key. Local delivery is a map of routing key to subscriber channels;
// optional Redis fan-out mirrors every publish/subscribe across process
// instances so the routing keys behave identically in multi-instance
// deployments.
package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/RoseWrightdev/signaling-core/internal/logging"
	"github.com/RoseWrightdev/signaling-core/internal/metrics"
	"github.com/RoseWrightdev/signaling-core/internal/types"
	"go.uber.org/zap"
)

// subscriberBuffer bounds how far a slow subscriber can lag before its
// oldest unread message is dropped in favor of the newest.
const subscriberBuffer = 128

// redisChannelPrefix namespaces the exchange's own pub/sub channels
// away from anything else sharing the Redis instance.
const redisChannelPrefix = "exchange:"

// Stream is a lazy, possibly-lossy view of one routing key's traffic.
// A subscriber that falls behind observes dropped messages rather than
// blocking the publisher.
type Stream struct {
	C       <-chan []byte
	Dropped func() uint64
	close   func()
}

// Close unregisters the stream. Safe to call more than once.
func (s *Stream) Close() {
	if s.close != nil {
		s.close()
	}
}

type subscriber struct {
	ch      chan []byte
	dropped atomicUint64
}

// atomicUint64 avoids pulling in sync/atomic's awkward API at call
// sites; Stream.Dropped reads it via Load.
type atomicUint64 struct {
	mu sync.Mutex
	v  uint64
}

func (a *atomicUint64) Add(n uint64) {
	a.mu.Lock()
	a.v += n
	a.mu.Unlock()
}

func (a *atomicUint64) Load() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

type topic struct {
	subs        map[*subscriber]struct{}
	redisCancel context.CancelFunc // non-nil while a remote relay goroutine is running
}

// Exchange is a single process's view of the bus. Construct one with New
// for single-instance mode, or NewWithRedis for multi-instance fan-out.
type Exchange struct {
	mu     sync.Mutex
	topics map[string]*topic

	client *redis.Client // nil in single-instance mode
	cb     *gobreaker.CircuitBreaker
	nodeID string
}

// New constructs a single-instance Exchange: publishes only reach
// subscribers in this process.
func New() *Exchange {
	return &Exchange{topics: make(map[string]*topic)}
}

// NewWithRedis constructs an Exchange that additionally fans every
// publish out to other instances subscribed to the same routing key,
// and relays their publishes back in. nodeID distinguishes this
// instance's own echo, which is otherwise dropped.
func NewWithRedis(client *redis.Client, nodeID string) *Exchange {
	st := gobreaker.Settings{
		Name:        "exchange-redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateClosed:
				v = 0
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("exchange-redis").Set(v)
		},
	}
	return &Exchange{
		topics: make(map[string]*topic),
		client: client,
		cb:     gobreaker.NewCircuitBreaker(st),
		nodeID: nodeID,
	}
}

// Publish is non-blocking and fire-and-forget: payload is delivered to
// every current local subscriber of routingKey (dropping for any that
// are lagging) and, in multi-instance mode, relayed to other instances.
func (e *Exchange) Publish(ctx context.Context, routingKey string, payload []byte) error {
	e.deliverLocal(routingKey, payload)

	if e.client == nil {
		return nil
	}

	envelope := wireEnvelope{Origin: e.nodeID, Payload: payload}
	data, err := marshalEnvelope(envelope)
	if err != nil {
		return fmt.Errorf("exchange: marshal envelope: %w", err)
	}

	_, err = e.cb.Execute(func() (any, error) {
		return nil, e.client.Publish(ctx, redisChannelPrefix+routingKey, data).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("exchange-redis").Inc()
			logging.Warn(ctx, "exchange redis circuit breaker open, publish stayed local only",
				zap.String("routing_key", routingKey))
			return nil
		}
		return err
	}
	return nil
}

func (e *Exchange) deliverLocal(routingKey string, payload []byte) {
	e.mu.Lock()
	t, ok := e.topics[routingKey]
	e.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	subs := make([]*subscriber, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	e.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- payload:
		default:
			// Lagging subscriber: drop the oldest queued message to make
			// room for this one rather than block the publisher.
			select {
			case <-s.ch:
				s.dropped.Add(1)
			default:
			}
			select {
			case s.ch <- payload:
			default:
				s.dropped.Add(1)
			}
		}
	}
}

// Subscribe registers interest in routingKey and returns a Stream. The
// caller must Close the stream once done, or it leaks a channel and,
// in multi-instance mode, can leave a Redis subscription running.
func (e *Exchange) Subscribe(ctx context.Context, routingKey string) *Stream {
	sub := &subscriber{ch: make(chan []byte, subscriberBuffer)}

	e.mu.Lock()
	t, ok := e.topics[routingKey]
	if !ok {
		t = &topic{subs: make(map[*subscriber]struct{})}
		e.topics[routingKey] = t
	}
	t.subs[sub] = struct{}{}
	firstSubscriber := len(t.subs) == 1
	e.mu.Unlock()

	if firstSubscriber && e.client != nil {
		e.startRelay(routingKey, t)
	}

	closeOnce := sync.Once{}
	return &Stream{
		C:       sub.ch,
		Dropped: sub.dropped.Load,
		close: func() {
			closeOnce.Do(func() { e.unsubscribe(routingKey, sub) })
		},
	}
}

func (e *Exchange) unsubscribe(routingKey string, sub *subscriber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.topics[routingKey]
	if !ok {
		return
	}
	delete(t.subs, sub)
	if len(t.subs) == 0 {
		if t.redisCancel != nil {
			t.redisCancel()
		}
		delete(e.topics, routingKey)
	}
}

// startRelay runs one goroutine per routing key that has at least one
// local subscriber, forwarding remote publishes (tagged with a
// different origin node) into the local fan-out.
func (e *Exchange) startRelay(routingKey string, t *topic) {
	ctx, cancel := context.WithCancel(context.Background())
	t.redisCancel = cancel

	pubsub := e.client.Subscribe(ctx, redisChannelPrefix+routingKey)
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				env, err := unmarshalEnvelope([]byte(msg.Payload))
				if err != nil {
					logging.Warn(ctx, "exchange: failed to decode relayed message",
						zap.String("routing_key", routingKey), zap.Error(err))
					continue
				}
				if env.Origin == e.nodeID {
					continue // our own publish, already delivered locally
				}
				e.deliverLocal(routingKey, env.Payload)
			}
		}
	}()
}

// Close releases any remaining Redis relay goroutines. Call once at
// process shutdown, after all Subscribe callers have closed their
// streams.
func (e *Exchange) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, t := range e.topics {
		if t.redisCancel != nil {
			t.redisCancel()
		}
		delete(e.topics, key)
	}
	return nil
}

// Routing-key builders, one per grammar production. Modules extending
// the grammar build their own prefixed keys directly.

func ParticipantsKey(room types.SignalingRoomId) string {
	return "room=" + room.String() + ":participants"
}

func ParticipantKey(room types.SignalingRoomId, pid types.ParticipantId) string {
	return "room=" + room.String() + ":participant=" + string(pid)
}

func UserKey(room types.SignalingRoomId, uid types.UserId) string {
	return "room=" + room.String() + ":user=" + string(uid)
}

func GroupKey(room types.SignalingRoomId, gid types.GroupId) string {
	return "room=" + room.String() + ":group=" + string(gid)
}
