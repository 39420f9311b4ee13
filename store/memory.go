package store

import (
	"fmt"
)

// Memory is the in-process master store the ordering solver seeds with
// pre-existing records. Before each run its contents are copied into the
// real store file; it never touches disk itself.
type Memory struct {
	keys   [][]byte
	values map[string][]byte
}

// NewMemory creates an empty master store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string][]byte)}
}

// Insert adds a record; inserting an existing key is an error, matching
// the insert-only seeding the solver performs.
func (m *Memory) Insert(key, data []byte) error {
	if _, ok := m.values[string(key)]; ok {
		return fmt.Errorf("seed record exists: %q", key)
	}
	m.keys = append(m.keys, append([]byte(nil), key...))
	if data == nil {
		data = []byte{}
	}
	m.values[string(key)] = append([]byte(nil), data...)
	return nil
}

// Fetch returns the seeded data for key, or nil when absent.
func (m *Memory) Fetch(key []byte) []byte {
	v, ok := m.values[string(key)]
	if !ok {
		return nil
	}
	return v
}

// Len returns the number of seeded records.
func (m *Memory) Len() int {
	return len(m.keys)
}

// ForEach visits every seeded record in insertion order.
func (m *Memory) ForEach(fn func(key, data []byte) error) error {
	for _, k := range m.keys {
		if err := fn(k, m.values[string(k)]); err != nil {
			return err
		}
	}
	return nil
}
