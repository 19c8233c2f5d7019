package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/triage-ai/bastion/internal/event"
)

// FileStore persists batches as JSON lines in a single file. It bounds
// the number of retained batches: once full, the oldest are dropped.
type FileStore struct {
	mu         sync.Mutex
	path       string
	maxBatches int
}

// NewFileStore creates a store at path keeping at most maxBatches batches
// (default 100).
func NewFileStore(path string, maxBatches int) *FileStore {
	if maxBatches <= 0 {
		maxBatches = 100
	}
	return &FileStore{path: path, maxBatches: maxBatches}
}

// Save appends a batch, evicting the oldest batches if the cap is exceeded.
func (s *FileStore) Save(b *event.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batches, err := s.loadLocked()
	if err != nil {
		// A corrupt spool is not worth failing a persist over; start fresh.
		batches = nil
	}
	batches = append(batches, b)
	if len(batches) > s.maxBatches {
		batches = batches[len(batches)-s.maxBatches:]
	}
	return s.writeLocked(batches)
}

// LoadAll returns every persisted batch, oldest first.
func (s *FileStore) LoadAll() ([]*event.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Clear removes all persisted batches.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *FileStore) loadLocked() ([]*event.Batch, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var batches []*event.Batch
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var b event.Batch
		if err := json.Unmarshal(line, &b); err != nil {
			return nil, fmt.Errorf("decode persisted batch: %w", err)
		}
		batches = append(batches, &b)
	}
	return batches, scanner.Err()
}

func (s *FileStore) writeLocked(batches []*event.Batch) error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, b := range batches {
		if err := enc.Encode(b); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
