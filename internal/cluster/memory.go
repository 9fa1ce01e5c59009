package cluster

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var errStoreClosed = errors.New("memory store closed")

// MemoryStore is an in-process stand-in for the cluster keyspace. Every
// memory-driver Client opened on the same store sees the same keys, the way
// clients of one real cluster do.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	closed  bool
	stop    chan struct{}
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

var sharedMemoryStore = sync.OnceValue(NewMemoryStore)

// NewMemoryStore creates an empty store with periodic expiry.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*memEntry),
		stop:    make(chan struct{}),
	}
	go s.expireLoop()
	return s
}

// Get returns a copy of the value at key.
func (s *MemoryStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, errStoreClosed
	}
	entry, ok := s.entries[key]
	if !ok || entry.expired(time.Now()) {
		return nil, false, nil
	}
	cp := make([]byte, len(entry.value))
	copy(cp, entry.value)
	return cp, true, nil
}

// Set stores a copy of value. A zero ttl never expires.
func (s *MemoryStore) Set(key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.entries[key] = &memEntry{value: cp, expiresAt: expiresAt}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *MemoryStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Len returns the number of live entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	n := 0
	for _, e := range s.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Close drops all entries; subsequent operations fail.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.entries = nil
	close(s.stop)
}

func (s *MemoryStore) ping() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	return nil
}

func (s *MemoryStore) expireLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			for key, entry := range s.entries {
				if entry.expired(now) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

// memoryDriver is one connection to a MemoryStore. Closing the driver does
// not close the store.
type memoryDriver struct {
	store  *MemoryStore
	closed atomic.Bool
}

// NewMemoryDriver returns a Driver over store.
func NewMemoryDriver(store *MemoryStore) Driver {
	return &memoryDriver{store: store}
}

func (d *memoryDriver) Ping(context.Context) error {
	if d.closed.Load() {
		return ErrClientClosed
	}
	return d.store.ping()
}

func (d *memoryDriver) Get(_ context.Context, key string) ([]byte, bool, error) {
	if d.closed.Load() {
		return nil, false, ErrClientClosed
	}
	return d.store.Get(key)
}

func (d *memoryDriver) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if d.closed.Load() {
		return ErrClientClosed
	}
	return d.store.Set(key, value, ttl)
}

func (d *memoryDriver) Close() error {
	d.closed.Store(true)
	return nil
}
