package store

import (
	"context"
	"sync"
	"time"

	"github.com/c360/relaybus/errors"
)

// MemoryStore is an in-process Store for single-node deployments and tests.
// All state lives behind one mutex; channel fan-out happens on the
// publisher's goroutine.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]envelope
	lists   map[string][]envelope
	subs    map[string]map[int]func([]byte)
	nextSub int
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]envelope),
		lists:   make(map[string][]envelope),
		subs:    make(map[string]map[int]func([]byte)),
	}
}

func (m *MemoryStore) checkClosed(method string) error {
	if m.closed {
		return errors.WrapInvalid(errors.ErrShuttingDown, "MemoryStore", method, "store closed")
	}
	return nil
}

// SetWithTTL stores value under key with an optional expiry.
func (m *MemoryStore) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkClosed("SetWithTTL"); err != nil {
		return err
	}

	m.entries[key] = newEnvelope(value, ttl, time.Now())
	return nil
}

// Get returns the live value for key, expiring it lazily.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkClosed("Get"); err != nil {
		return nil, false, err
	}

	env, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if env.expired(time.Now()) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return env.Value, true, nil
}

// Delete removes key if present.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkClosed("Delete"); err != nil {
		return err
	}

	delete(m.entries, key)
	return nil
}

// PushToList appends entry to the list at key.
func (m *MemoryStore) PushToList(_ context.Context, key string, entry []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkClosed("PushToList"); err != nil {
		return err
	}

	now := time.Now()
	list := pruneExpired(m.lists[key], now)
	m.lists[key] = append(list, newEnvelope(entry, ttl, now))
	return nil
}

// RangeList returns the live entries of the list at key.
func (m *MemoryStore) RangeList(_ context.Context, key string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkClosed("RangeList"); err != nil {
		return nil, err
	}

	list := pruneExpired(m.lists[key], time.Now())
	if len(list) == 0 {
		delete(m.lists, key)
	} else {
		m.lists[key] = list
	}

	out := make([][]byte, 0, len(list))
	for _, env := range list {
		out = append(out, env.Value)
	}
	return out, nil
}

// TrimList drops expired entries and entries keep rejects.
func (m *MemoryStore) TrimList(_ context.Context, key string, keep func(entry []byte) bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkClosed("TrimList"); err != nil {
		return err
	}

	list := pruneExpired(m.lists[key], time.Now())
	kept := list[:0]
	for _, env := range list {
		if keep(env.Value) {
			kept = append(kept, env)
		}
	}

	if len(kept) == 0 {
		delete(m.lists, key)
	} else {
		m.lists[key] = kept
	}
	return nil
}

// Publish delivers payload to every current subscriber of channel.
func (m *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "MemoryStore", "Publish", "store closed")
	}
	handlers := make([]func([]byte), 0, len(m.subs[channel]))
	for _, fn := range m.subs[channel] {
		handlers = append(handlers, fn)
	}
	m.mu.RUnlock()

	for _, fn := range handlers {
		fn(payload)
	}
	return nil
}

// Subscribe registers fn on channel and returns the cancel function.
func (m *MemoryStore) Subscribe(_ context.Context, channel string, fn func(payload []byte)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkClosed("Subscribe"); err != nil {
		return nil, err
	}

	if m.subs[channel] == nil {
		m.subs[channel] = make(map[int]func([]byte))
	}
	id := m.nextSub
	m.nextSub++
	m.subs[channel][id] = fn

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if handlers, ok := m.subs[channel]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(m.subs, channel)
			}
		}
	}
	return cancel, nil
}

// Close discards all state. Subsequent operations fail.
func (m *MemoryStore) Close(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.entries = make(map[string]envelope)
	m.lists = make(map[string][]envelope)
	m.subs = make(map[string]map[int]func([]byte))
	return nil
}

func pruneExpired(list []envelope, now time.Time) []envelope {
	kept := make([]envelope, 0, len(list))
	for _, env := range list {
		if !env.expired(now) {
			kept = append(kept, env)
		}
	}
	return kept
}
