package storage

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local development.
// It mirrors the Redis semantics the core relies on, including key expiry
// and sorted-set ordering by (score, member).
type MemoryStore struct {
	mu      sync.RWMutex
	strings map[string]string
	expiry  map[string]time.Time
	zsets   map[string]map[string]float64
	hashes  map[string]map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]string),
		expiry:  make(map[string]time.Time),
		zsets:   make(map[string]map[string]float64),
		hashes:  make(map[string]map[string]string),
	}
}

func (s *MemoryStore) expired(key string) bool {
	exp, ok := s.expiry[key]
	return ok && time.Now().After(exp)
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.expired(key) {
		return "", ErrNotFound
	}
	val, ok := s.strings[key]
	if !ok {
		return "", ErrNotFound
	}
	return val, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.strings[key] = value
	delete(s.expiry, key)
	return nil
}

func (s *MemoryStore) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.strings[key] = value
	s.expiry[key] = time.Now().Add(ttl)
	return nil
}

func (s *MemoryStore) Del(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, key := range keys {
		if _, ok := s.strings[key]; ok {
			delete(s.strings, key)
			delete(s.expiry, key)
			n++
			continue
		}
		if _, ok := s.zsets[key]; ok {
			delete(s.zsets, key)
			n++
			continue
		}
		if _, ok := s.hashes[key]; ok {
			delete(s.hashes, key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	zset, ok := s.zsets[key]
	if !ok {
		zset = make(map[string]float64)
		s.zsets[key] = zset
	}
	zset[member] = score
	return nil
}

func (s *MemoryStore) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	zset := s.zsets[key]
	type entry struct {
		member string
		score  float64
	}
	entries := make([]entry, 0, len(zset))
	for member, score := range zset {
		entries = append(entries, entry{member, score})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score < entries[j].score
		}
		return entries[i].member < entries[j].member
	})

	n := int64(len(entries))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if start >= n || stop < start {
		return nil, nil
	}
	if stop >= n {
		stop = n - 1
	}

	members := make([]string, 0, stop-start+1)
	for _, e := range entries[start : stop+1] {
		members = append(members, e.member)
	}
	return members, nil
}

func (s *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.zsets[key])), nil
}

func (s *MemoryStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash, ok := s.hashes[key]
	if !ok {
		hash = make(map[string]string)
		s.hashes[key] = hash
	}
	for k, v := range fields {
		hash[k] = v
	}
	return nil
}

func (s *MemoryStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	re, err := globToRegexp(pattern)
	if err != nil {
		return nil, err
	}

	var keys []string
	for key := range s.strings {
		if s.expired(key) {
			continue
		}
		if re.MatchString(key) {
			keys = append(keys, key)
		}
	}
	for key := range s.zsets {
		if re.MatchString(key) {
			keys = append(keys, key)
		}
	}
	for key := range s.hashes {
		if re.MatchString(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// memoryTx collects writes and applies them under one lock acquisition.
type memoryTx struct {
	ops []func(s *MemoryStore)
}

func (t *memoryTx) Set(key, value string) {
	t.ops = append(t.ops, func(s *MemoryStore) {
		s.strings[key] = value
		delete(s.expiry, key)
	})
}

func (t *memoryTx) SetEx(key, value string, ttl time.Duration) {
	exp := time.Now().Add(ttl)
	t.ops = append(t.ops, func(s *MemoryStore) {
		s.strings[key] = value
		s.expiry[key] = exp
	})
}

func (t *memoryTx) ZAdd(key string, score float64, member string) {
	t.ops = append(t.ops, func(s *MemoryStore) {
		zset, ok := s.zsets[key]
		if !ok {
			zset = make(map[string]float64)
			s.zsets[key] = zset
		}
		zset[member] = score
	})
}

func (t *memoryTx) HSet(key string, fields map[string]string) {
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	t.ops = append(t.ops, func(s *MemoryStore) {
		hash, ok := s.hashes[key]
		if !ok {
			hash = make(map[string]string)
			s.hashes[key] = hash
		}
		for k, v := range copied {
			hash[k] = v
		}
	})
}

func (s *MemoryStore) Multi(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memoryTx{}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range tx.ops {
		op(s)
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// globToRegexp compiles a Redis-style glob (* and ?) into a regexp.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*`, `.*`)
	quoted = strings.ReplaceAll(quoted, `\?`, `.`)
	return regexp.Compile("^" + quoted + "$")
}
