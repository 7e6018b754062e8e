package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is the single-instance volatile-store backend: every primitive
// lives in-process behind one mutex. It is the fallback taken when
// Redis is disabled, covering the full KV/hash/set/zset/eval/lock
// surface.
type Memory struct {
	mu sync.Mutex

	kv     map[string]memVal
	hashes map[string]map[string]string
	sets   map[string]map[string]struct{}
	zsets  map[string]map[string]float64
	lists  map[string][]string
	locks  map[string]memLock
}

type memVal struct {
	value   string
	expires time.Time // zero means no TTL
}

type memLock struct {
	token   string
	expires time.Time
}

// NewMemory constructs an empty in-process Store.
func NewMemory() *Memory {
	return &Memory{
		kv:     make(map[string]memVal),
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]struct{}),
		zsets:  make(map[string]map[string]float64),
		lists:  make(map[string][]string),
		locks:  make(map[string]memLock),
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.kv[key]
	if !ok || m.expiredLocked(v) {
		return "", ErrNotFound
	}
	return v.value, nil
}

func (m *Memory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := memVal{value: value}
	if ttl > 0 {
		v.expires = time.Now().Add(ttl)
	}
	m.kv[key] = v
	return nil
}

func (m *Memory) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.kv, key)
	delete(m.hashes, key)
	delete(m.sets, key)
	delete(m.zsets, key)
	delete(m.lists, key)
	return nil
}

func (m *Memory) expiredLocked(v memVal) bool {
	return !v.expires.IsZero() && time.Now().After(v.expires)
}

func (m *Memory) HashSet(ctx context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string)
		m.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (m *Memory) HashGet(ctx context.Context, key, field string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return "", ErrNotFound
	}
	v, ok := h[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) HashDel(ctx context.Context, key, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hashes[key]; ok {
		delete(h, field)
	}
	return nil
}

func (m *Memory) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) SetAdd(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	s[value] = struct{}{}
	return nil
}

func (m *Memory) SetRemove(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sets[key]; ok {
		delete(s, value)
	}
	return nil
}

func (m *Memory) SetIsMember(ctx context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		return false, nil
	}
	_, member := s[value]
	return member, nil
}

func (m *Memory) SetMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sets[key]
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) ListAppend(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[key] = append(m.lists[key], value)
	return nil
}

func (m *Memory) ListRange(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.lists[key]))
	copy(out, m.lists[key])
	return out, nil
}

func (m *Memory) ZAdd(ctx context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *Memory) ZIncrBy(ctx context.Context, key, member string, delta float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] += delta
	return z[member], nil
}

func (m *Memory) ZRange(ctx context.Context, key string) ([]ZMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z := m.zsets[key]
	out := make([]ZMember, 0, len(z))
	for member, score := range z {
		out = append(out, ZMember{Member: member, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].Member < out[j].Member
		}
		return out[i].Score < out[j].Score
	})
	return out, nil
}

func (m *Memory) ZRem(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if z, ok := m.zsets[key]; ok {
		delete(z, member)
	}
	return nil
}

// Eval holds the store's single mutex for the duration of fn, giving fn
// an all-or-nothing view: nothing else can observe a partial effect
// because nothing else can run concurrently against any key.
func (m *Memory) Eval(ctx context.Context, keys []string, fn func(tx Tx) (any, error)) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{m: m}
	return fn(tx)
}

// Lock acquires a process-local lock for roomKey. Reentrant only by
// re-acquisition: a caller holding the guard can't acquire it again
// without releasing first.
func (m *Memory) Lock(ctx context.Context, roomKey string, timeout time.Duration) (*Guard, error) {
	deadline := time.Now().Add(timeout)
	for {
		m.mu.Lock()
		l, held := m.locks[roomKey]
		if !held || time.Now().After(l.expires) {
			token := uuid.NewString()
			m.locks[roomKey] = memLock{token: token, expires: time.Now().Add(timeout)}
			m.mu.Unlock()
			return &Guard{Key: roomKey, Token: token}, nil
		}
		m.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, &lockedErr{key: roomKey}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (m *Memory) Unlock(ctx context.Context, guard *Guard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[guard.Key]; ok && l.token == guard.Token {
		delete(m.locks, guard.Key)
	}
	return nil
}

func (m *Memory) Close() error { return nil }

type lockedErr struct{ key string }

func (e *lockedErr) Error() string { return "store: locked: " + e.key }

// memTx is the Tx view handed to Eval's callback. It operates directly
// on Memory's maps; Eval already holds the exclusive lock, so no
// further synchronization happens here.
type memTx struct{ m *Memory }

func (t *memTx) Get(key string) (string, error) {
	v, ok := t.m.kv[key]
	if !ok || t.m.expiredLocked(v) {
		return "", ErrNotFound
	}
	return v.value, nil
}

func (t *memTx) Set(key, value string) { t.m.kv[key] = memVal{value: value} }

func (t *memTx) Del(key string) {
	delete(t.m.kv, key)
	delete(t.m.hashes, key)
	delete(t.m.sets, key)
	delete(t.m.zsets, key)
	delete(t.m.lists, key)
}

func (t *memTx) HashSet(key, field, value string) {
	h, ok := t.m.hashes[key]
	if !ok {
		h = make(map[string]string)
		t.m.hashes[key] = h
	}
	h[field] = value
}

func (t *memTx) HashGet(key, field string) (string, error) {
	h, ok := t.m.hashes[key]
	if !ok {
		return "", ErrNotFound
	}
	v, ok := h[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (t *memTx) HashGetAll(key string) map[string]string {
	out := make(map[string]string)
	for k, v := range t.m.hashes[key] {
		out[k] = v
	}
	return out
}

func (t *memTx) SetAdd(key, value string) {
	s, ok := t.m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		t.m.sets[key] = s
	}
	s[value] = struct{}{}
}

func (t *memTx) SetRemove(key, value string) {
	if s, ok := t.m.sets[key]; ok {
		delete(s, value)
	}
}

func (t *memTx) SetMembers(key string) []string {
	s := t.m.sets[key]
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (t *memTx) SetCard(key string) int { return len(t.m.sets[key]) }

func (t *memTx) ListAppend(key string, value string) {
	t.m.lists[key] = append(t.m.lists[key], value)
}

func (t *memTx) ListAll(key string) []string {
	out := make([]string, len(t.m.lists[key]))
	copy(out, t.m.lists[key])
	return out
}
