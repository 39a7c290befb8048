package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	DefaultTTL        = 24 * time.Hour
	DefaultMaxEntries = 100_000
)

// Store 有界去重窗口：同一个 key 在 TTL 内只会被 Add 成功一次
type Store interface {
	// Contains reports whether key is inside the window.
	Contains(ctx context.Context, key string) (bool, error)
	// Add records key; added is false when key was already present.
	Add(ctx context.Context, key string) (added bool, err error)
}

// Options 窗口参数
type Options struct {
	TTL        time.Duration
	MaxEntries int
	Now        func() time.Time
}

func (o Options) normalized() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = DefaultMaxEntries
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type memoryEntry struct {
	key       string
	expiresAt time.Time
}

// MemoryStore 进程内窗口，超出容量时淘汰最早写入的 key
type MemoryStore struct {
	opts  Options
	mu    sync.Mutex
	order *list.List
	index map[string]*list.Element
}

// NewMemoryStore 创建内存窗口
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:  opts.normalized(),
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// evictExpired 从最早的条目开始清理过期 key。调用方持有锁。
func (s *MemoryStore) evictExpired(now time.Time) {
	for front := s.order.Front(); front != nil; front = s.order.Front() {
		e := front.Value.(*memoryEntry)
		if now.Before(e.expiresAt) {
			return
		}
		s.order.Remove(front)
		delete(s.index, e.key)
	}
}

// Contains 实现 Store
func (s *MemoryStore) Contains(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpired(s.opts.Now())
	_, ok := s.index[key]
	return ok, nil
}

// Add 实现 Store
func (s *MemoryStore) Add(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Now()
	s.evictExpired(now)
	if _, ok := s.index[key]; ok {
		return false, nil
	}
	s.index[key] = s.order.PushBack(&memoryEntry{key: key, expiresAt: now.Add(s.opts.TTL)})
	for s.order.Len() > s.opts.MaxEntries {
		front := s.order.Front()
		s.order.Remove(front)
		delete(s.index, front.Value.(*memoryEntry).key)
	}
	return true, nil
}

// Len 返回窗口内条目数
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}
