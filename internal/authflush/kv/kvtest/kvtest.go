// Package kvtest is an in-memory fake of kv.Store/kv.Publisher/kv.Subscriber
// for unit tests that exercise storage and renewer logic without a real
// Redis-compatible server. It is not a generated mock: this codebase does
// not use golang/mock (see the design notes for why), so expectations are
// checked by inspecting the fake's state after the call under test, the
// same way the teacher's own tests favor small hand-written fakes over
// heavyweight mock frameworks where a fake is this cheap to write.
package kvtest

import (
	"context"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/ratecache/authflush/internal/authflush/kv"
)

// Store is a mutex-guarded in-memory KV store.
type Store struct {
	mu sync.Mutex

	hashes    map[string]map[string]string
	sets      map[string]map[string]struct{}
	lists     map[string][][]byte
	ttls      map[string]int64
	published []Published

	subs map[string][]*fakeSubscription

	// FailRename, when set, makes Rename fail for keys matching this set
	// of old-key names, to exercise the flush protocol's error paths.
	FailRename map[string]bool
	// FailHGetAll, when set, makes every HGetAllBatch call fail entirely
	// until it is cleared, to exercise the "some reports missing" path.
	FailHGetAll bool
}

// Published records one Publish call, for assertions in tests.
type Published struct {
	Channel string
	Message string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		hashes:     map[string]map[string]string{},
		sets:       map[string]map[string]struct{}{},
		lists:      map[string][][]byte{},
		ttls:       map[string]int64{},
		subs:       map[string][]*fakeSubscription{},
		FailRename: map[string]bool{},
	}
}

func (s *Store) HSetBatch(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(fields) == 0 {
		return nil
	}
	h, ok := s.hashes[key]
	if !ok {
		h = map[string]string{}
		s.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = v
	}
	return nil
}

func (s *Store) Expire(_ context.Context, key string, ttlSeconds int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttls[key] = ttlSeconds
	return nil
}

func (s *Store) HIncrByBatch(_ context.Context, key string, deltas map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok {
		h = map[string]string{}
		s.hashes[key] = h
	}
	for f, delta := range deltas {
		cur, _ := strconv.ParseInt(h[f], 10, 64)
		h[f] = strconv.FormatInt(cur+delta, 10)
	}
	return nil
}

func (s *Store) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		set = map[string]struct{}{}
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *Store) SCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.sets[key])), nil
}

func (s *Store) Rename(_ context.Context, oldKey, newKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailRename[oldKey] {
		return errors.Errorf("kvtest: forced rename failure for %s", oldKey)
	}

	if h, ok := s.hashes[oldKey]; ok {
		s.hashes[newKey] = h
		delete(s.hashes, oldKey)
		return nil
	}
	if set, ok := s.sets[oldKey]; ok {
		s.sets[newKey] = set
		delete(s.sets, oldKey)
		return nil
	}
	return errors.Errorf("kvtest: RENAME: no such key %s", oldKey)
}

func (s *Store) SMembersDel(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	delete(s.sets, key)
	return members, nil
}

func (s *Store) HGetAllBatch(_ context.Context, keys []string) (map[string]map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailHGetAll {
		return nil, errors.New("kvtest: forced HGETALL failure")
	}

	result := map[string]map[string]string{}
	for _, k := range keys {
		if h, ok := s.hashes[k]; ok && len(h) > 0 {
			fields := map[string]string{}
			for f, v := range h {
				fields[f] = v
			}
			result[k] = fields
		}
	}
	return result, nil
}

func (s *Store) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.hashes, k)
		delete(s.sets, k)
		delete(s.lists, k)
		delete(s.ttls, k)
	}
	return nil
}

func (s *Store) RPush(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[key] = append(s.lists[key], value)
	return nil
}

func (s *Store) Publish(_ context.Context, channel, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, Published{Channel: channel, Message: message})

	for _, sub := range s.subs[channel] {
		sub.deliver(kv.Message{Channel: channel, Payload: message})
	}
	return nil
}

type fakeSubscription struct {
	mu     sync.Mutex
	out    chan kv.Message
	once   sync.Once
	closed bool
}

func (f *fakeSubscription) deliver(m kv.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.out <- m:
	default:
		// Mirrors real pub/sub: a slow subscriber misses a broadcast
		// rather than blocking the publisher.
	}
}

func (f *fakeSubscription) Receive() <-chan kv.Message {
	return f.out
}

func (f *fakeSubscription) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.once.Do(func() { close(f.out) })
	return nil
}

func (s *Store) Subscribe(_ context.Context, channel string) (kv.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &fakeSubscription{out: make(chan kv.Message, 16)}
	s.subs[channel] = append(s.subs[channel], sub)
	return sub, nil
}

// Hash returns a copy of the hash at key, for assertions.
func (s *Store) Hash(key string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.hashes[key]
	out := make(map[string]string, len(h))
	for f, v := range h {
		out[f] = v
	}
	return out
}

// Set returns the members of the set at key, for assertions.
func (s *Store) Set(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[key]
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out
}

// TTL returns the last TTL set on key, for assertions.
func (s *Store) TTL(key string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ttl, ok := s.ttls[key]
	return ttl, ok
}

// List returns the contents of the list at key, for assertions.
func (s *Store) List(key string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.lists[key]...)
}

// Published returns every Publish call recorded so far.
func (s *Store) Published() []Published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Published(nil), s.published...)
}

// SubscriberCount reports how many active subscriptions exist on channel,
// for tests that need to wait until a subscriber goroutine has actually
// reached its Subscribe call before publishing.
func (s *Store) SubscriberCount(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[channel])
}

// HasKey reports whether any hash or set exists under key, for assertions
// that a key was or wasn't cleaned up.
func (s *Store) HasKey(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, hok := s.hashes[key]
	_, sok := s.sets[key]
	return hok || sok
}
