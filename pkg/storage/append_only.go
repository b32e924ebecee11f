// Package storage provides append-only stores backing tamper-evident logs.
// Entries are opaque byte records kept in insertion order; one entry per
// line, so entries must not contain newlines.
package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// AppendOnlyStore is the storage contract for append-only logs.
type AppendOnlyStore interface {
	// Append adds an entry to the end of the store.
	Append(entry []byte) error

	// ReadAll returns every entry in insertion order.
	ReadAll() ([][]byte, error)

	// LastEntry returns the most recent entry, or nil when the store
	// is empty. Callers use it to link new entries to the chain tail.
	LastEntry() ([]byte, error)
}

// FileStore is a file-backed AppendOnlyStore. A single process owns the
// file; concurrent use within that process is safe.
type FileStore struct {
	path string

	mu   sync.Mutex
	last []byte
}

// NewFileStore opens or creates an append-only log at path, creating
// parent directories as needed.
func NewFileStore(path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	f.Close()

	s := &FileStore{path: path}

	entries, err := s.readAll()
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		s.last = entries[len(entries)-1]
	}

	return s, nil
}

// Append writes the entry followed by a newline and fsyncs before
// returning.
func (s *FileStore) Append(entry []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log for appending: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(entry, '\n')); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync log: %w", err)
	}

	s.last = append([]byte(nil), entry...)
	return nil
}

// ReadAll returns every entry in the file.
func (s *FileStore) ReadAll() ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAll()
}

func (s *FileStore) readAll() ([][]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	lines := bytes.Split(data, []byte{'\n'})
	entries := make([][]byte, 0, len(lines))
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		entries = append(entries, line)
	}
	return entries, nil
}

// LastEntry returns a copy of the most recent entry, or nil when empty.
func (s *FileStore) LastEntry() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last == nil {
		return nil, nil
	}
	return append([]byte(nil), s.last...), nil
}

// Size returns the log file size in bytes.
func (s *FileStore) Size() (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat log file: %w", err)
	}
	return info.Size(), nil
}

// EntryCount returns the number of entries in the log.
func (s *FileStore) EntryCount() (int, error) {
	entries, err := s.ReadAll()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// MemoryStore is an in-memory AppendOnlyStore for tests and development.
type MemoryStore struct {
	mu      sync.Mutex
	entries [][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append stores a copy of the entry.
func (s *MemoryStore) Append(entry []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, append([]byte(nil), entry...))
	return nil
}

// ReadAll returns copies of every entry in insertion order.
func (s *MemoryStore) ReadAll() ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]byte, len(s.entries))
	for i, e := range s.entries {
		out[i] = append([]byte(nil), e...)
	}
	return out, nil
}

// LastEntry returns a copy of the most recent entry, or nil when empty.
func (s *MemoryStore) LastEntry() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 {
		return nil, nil
	}
	last := s.entries[len(s.entries)-1]
	return append([]byte(nil), last...), nil
}

// Clear removes all entries.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}
