package cache

import (
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by Delete when no cache with the given name exists.
var ErrNotFound = errors.New("cache not found")

// Storage is the named cache store the agent works against.
// It maps a cache name (the cache generation identifier) to a set of stored
// responses, each identified by an opaque request key.
// Caches are created implicitly on first write and are kept in creation order.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open creates the named cache if it does not exist yet.
	Open(name string) error
	// Match returns the first entry stored under key, consulting caches in creation order.
	// The boolean is false if no cache holds the key.
	Match(key string) (Entry, bool, error)
	// Put stores the entry in the named cache, creating the cache if needed.
	// An existing entry with the same key is replaced.
	Put(name string, entry Entry) error
	// Keys returns the names of all caches in creation order.
	Keys() ([]string, error)
	// Entries returns the request keys stored in the named cache.
	Entries(name string) ([]string, error)
	// Delete removes the named cache and all of its entries.
	// Removal of a single cache is all-or-nothing.
	// It returns ErrNotFound if there is no such cache.
	Delete(name string) error
	// Close releases the underlying resources.
	Close() error
}

// Entry is a stored response.
type Entry struct {
	// Request key, see the cache-key package.
	Key string
	// HTTP/1.1 serialization of the response.
	Bytes []byte
	// Time the response was written to the cache.
	StoredAt time.Time
}

type memCache struct {
	name    string
	entries map[string]Entry
}

// MemStorage keeps caches in memory.
// It is mainly meant for tests and for running without persistence.
type MemStorage struct {
	mutex  *sync.RWMutex
	caches *[]*memCache
}

func NewMemStorage() MemStorage {
	return MemStorage{
		mutex:  &sync.RWMutex{},
		caches: &[]*memCache{},
	}
}

// find returns the named cache, or nil. Caller must hold the mutex.
func (m MemStorage) find(name string) *memCache {
	for _, c := range *m.caches {
		if c.name == name {
			return c
		}
	}
	return nil
}

// open returns the named cache, creating it if needed. Caller must hold the write lock.
func (m MemStorage) open(name string) *memCache {
	if c := m.find(name); c != nil {
		return c
	}
	c := &memCache{name: name, entries: make(map[string]Entry)}
	*m.caches = append(*m.caches, c)
	return c
}

func (m MemStorage) Open(name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.open(name)
	return nil
}

func (m MemStorage) Match(key string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, c := range *m.caches {
		if entry, ok := c.entries[key]; ok {
			return entry, true, nil
		}
	}
	return Entry{}, false, nil
}

func (m MemStorage) Put(name string, entry Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.open(name).entries[entry.Key] = entry
	return nil
}

func (m MemStorage) Keys() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(*m.caches))
	for _, c := range *m.caches {
		names = append(names, c.name)
	}
	return names, nil
}

func (m MemStorage) Entries(name string) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	c := m.find(name)
	if c == nil {
		return nil, nil
	}
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	return keys, nil
}

func (m MemStorage) Delete(name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for i, c := range *m.caches {
		if c.name == name {
			*m.caches = append((*m.caches)[:i], (*m.caches)[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m MemStorage) Close() error {
	return nil
}
