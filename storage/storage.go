// Package storage provides the key-value media the persistence plugin writes
// snapshots to: an in-memory map, a directory of files and a SQLite table.
package storage

import (
	"errors"
	"maps"
	"sync"
)

// ErrClosed is returned by backends used after Close.
var ErrClosed = errors.New("storage is closed")

// Storage is a string key-value medium. GetItem reports a missing key with
// found == false and a nil error.
type Storage interface {
	GetItem(key string) (value string, found bool, err error)
	SetItem(key, value string) error
	RemoveItem(key string) error
}

// Memory is a process-local Storage.
type Memory struct {
	mu    sync.RWMutex
	items map[string]string
}

var _ Storage = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{items: make(map[string]string)}
}

func (m *Memory) GetItem(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *Memory) SetItem(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *Memory) RemoveItem(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Items returns a copy of the stored entries.
func (m *Memory) Items() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.items)
}
