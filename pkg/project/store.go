package project

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Store is the persistence boundary of a project. Every durable artifact is
// a file whose path is derived deterministically from slice ids and
// iteration numbers, and whose existence marks a pipeline unit as complete.
// Modeling that as an interface keeps the resumability contract testable
// without a real filesystem.
type Store interface {
	// Has reports whether a regular file exists at path.
	Has(path string) bool

	// ReadFile returns the contents of the file at path.
	ReadFile(path string) ([]byte, error)

	// WriteFile stores data at path, creating parent directories as needed.
	WriteFile(path string, data []byte) error
}

// DiskStore is the Store backed by the operating system filesystem.
type DiskStore struct{}

// Has implements Store.
func (DiskStore) Has(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// ReadFile implements Store.
func (DiskStore) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFile implements Store.
func (DiskStore) WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0644)
}

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{files: make(map[string][]byte)}
}

// Has implements Store.
func (m *MemStore) Has(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[path]
	return ok
}

// ReadFile implements Store.
func (m *MemStore) ReadFile(path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("file does not exist: %s", path)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// WriteFile implements Store.
func (m *MemStore) WriteFile(path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(data))
	copy(out, data)
	m.files[path] = out
	return nil
}

// Remove deletes a file, simulating an interrupted run in tests.
func (m *MemStore) Remove(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
}
