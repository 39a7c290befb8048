// Package keylock provides per-key mutual exclusion so writes to one key
// (a team run, a node) are serialized while unrelated keys proceed concurrently.
package keylock

import "sync"

// KeyedMutex 按 key 加锁；无人持有的 key 会被回收，内存不随历史 key 增长
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// New 创建 KeyedMutex
func New() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*refLock)}
}

// Lock 获取 key 的锁，返回解锁函数
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			k.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(k.locks, key)
			}
			k.mu.Unlock()
		})
	}
}

// With runs fn while holding the lock for key.
func (k *KeyedMutex) With(key string, fn func()) {
	unlock := k.Lock(key)
	defer unlock()
	fn()
}

// Len returns the number of keys currently held or awaited.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
