package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// NewMemoryStore 返回进程内存储，适合测试或不需要跨重启保留缓存的部署。
func NewMemoryStore() Storage {
	return &memoryStore{buckets: make(map[string]*memoryBucket)}
}

type memoryStore struct {
	mu      sync.RWMutex
	buckets map[string]*memoryBucket
}

func (s *memoryStore) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateBucketName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.buckets[name]
	if !ok {
		bucket = &memoryBucket{name: name, entries: make(map[Key]*Response)}
		s.buckets[name] = bucket
	}
	return bucket, nil
}

func (s *memoryStore) Lookup(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket, ok := s.buckets[name]
	if !ok {
		return nil, fmt.Errorf("%w: bucket %s", ErrNotFound, name)
	}
	return bucket, nil
}

func (s *memoryStore) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *memoryStore) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; !ok {
		return false, nil
	}
	delete(s.buckets, name)
	return true, nil
}

func (s *memoryStore) Keys(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

type memoryBucket struct {
	name string

	mu      sync.RWMutex
	entries map[Key]*Response
}

func (b *memoryBucket) Name() string { return b.name }

func (b *memoryBucket) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	resp, ok := b.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return resp.Clone(), nil
}

func (b *memoryBucket) Put(ctx context.Context, key Key, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	b.mu.Lock()
	b.entries[key] = stored
	b.mu.Unlock()
	return nil
}

func (b *memoryBucket) Keys(context.Context) ([]Key, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]Key, 0, len(b.entries))
	for key := range b.entries {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}
