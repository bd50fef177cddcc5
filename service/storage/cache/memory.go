package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// memoryStore is the in-process Store implementation. TTLs are enforced
// lazily on access against an injectable clock.
type memoryStore struct {
	mu    sync.Mutex
	kv    map[string]string
	lists map[string][]string
	sets  map[string]map[string]struct{}
	hashs map[string]map[string]string
	exp   map[string]time.Time
	clock func() time.Time
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock allows tests to control expiry.
func NewMemoryWithClock(clock func() time.Time) Store {
	return &memoryStore{
		kv:    make(map[string]string),
		lists: make(map[string][]string),
		sets:  make(map[string]map[string]struct{}),
		hashs: make(map[string]map[string]string),
		exp:   make(map[string]time.Time),
		clock: clock,
	}
}

// purgeLocked drops the key from every keyspace if its TTL has passed.
func (s *memoryStore) purgeLocked(key string) {
	at, ok := s.exp[key]
	if !ok || s.clock().Before(at) {
		return
	}
	delete(s.kv, key)
	delete(s.lists, key)
	delete(s.sets, key)
	delete(s.hashs, key)
	delete(s.exp, key)
}

func (s *memoryStore) setTTLLocked(key string, ttl time.Duration) {
	if ttl > 0 {
		s.exp[key] = s.clock().Add(ttl)
	} else {
		delete(s.exp, key)
	}
}

func (s *memoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(key)
	v, ok := s.kv[key]
	if !ok {
		return "", ErrMiss
	}
	return v, nil
}

func (s *memoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[key] = value
	s.setTTLLocked(key, ttl)
	return nil
}

func (s *memoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.kv, key)
		delete(s.lists, key)
		delete(s.sets, key)
		delete(s.hashs, key)
		delete(s.exp, key)
	}
	return nil
}

func (s *memoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(key)
	s.setTTLLocked(key, ttl)
	return nil
}

func (s *memoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(key)
	var n int64
	if v, ok := s.kv[key]; ok {
		var err error
		if n, err = strconv.ParseInt(v, 10, 64); err != nil {
			// Same contract as the network store: incrementing a
			// non-numeric value is an error, not a counter reset.
			return 0, errors.Errorf("cache: value at %q is not an integer", key)
		}
	}
	n++
	s.kv[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (s *memoryStore) LPush(_ context.Context, key string, values ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(key)
	// LPUSH semantics: each value lands at the head in argument order.
	for _, v := range values {
		s.lists[key] = append([]string{v}, s.lists[key]...)
	}
	return nil
}

func (s *memoryStore) LTrim(_ context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(key)
	l := s.lists[key]
	n := int64(len(l))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		delete(s.lists, key)
		return nil
	}
	s.lists[key] = append([]string(nil), l[start:stop+1]...)
	return nil
}

func (s *memoryStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(key)
	l := s.lists[key]
	n := int64(len(l))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return nil, nil
	}
	return append([]string(nil), l[start:stop+1]...), nil
}

func (s *memoryStore) SAdd(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(key)
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *memoryStore) SRem(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(key)
	if set, ok := s.sets[key]; ok {
		for _, m := range members {
			delete(set, m)
		}
		if len(set) == 0 {
			delete(s.sets, key)
		}
	}
	return nil
}

func (s *memoryStore) SIsMember(_ context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(key)
	_, ok := s.sets[key][member]
	return ok, nil
}

func (s *memoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(key)
	out := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (s *memoryStore) HSet(_ context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(key)
	h, ok := s.hashs[key]
	if !ok {
		h = make(map[string]string)
		s.hashs[key] = h
	}
	h[field] = value
	return nil
}

func (s *memoryStore) HGet(_ context.Context, key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(key)
	v, ok := s.hashs[key][field]
	if !ok {
		return "", ErrMiss
	}
	return v, nil
}

func (s *memoryStore) HDel(_ context.Context, key string, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(key)
	if h, ok := s.hashs[key]; ok {
		for _, f := range fields {
			delete(h, f)
		}
		if len(h) == 0 {
			delete(s.hashs, key)
		}
	}
	return nil
}

func (s *memoryStore) Close() error { return nil }
