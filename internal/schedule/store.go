package schedule

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"plugd/pkg/logx"
)

// StorageError reports a persistence failure. A failed save means the
// mutation is not committed; callers must not apply the corresponding
// trigger change.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("schedule store: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// Store persists the full rule collection as one JSON array on disk.
//
// There is deliberately no partial-update API: every mutation reads the full
// collection, mutates in memory, and writes it back. Rule counts are tens,
// not thousands, and the single mutex makes concurrent read-modify-write
// cycles safe.
type Store struct {
	path string
	log  logx.Logger

	mu sync.Mutex
}

func NewStore(path string, log logx.Logger) *Store {
	return &Store{path: path, log: log}
}

// LoadAll returns the persisted rules in insertion order. A missing file is
// a first run and yields an empty collection; an unparseable file is a
// StorageError.
func (s *Store) LoadAll() ([]Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

// SaveAll overwrites the persisted state with the given collection, creating
// the containing directory if needed.
func (s *Store) SaveAll(rules []Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(rules)
}

// Append persists the collection with rule added. Persistence failure leaves
// the previous content authoritative.
func (s *Store) Append(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rules, err := s.readLocked()
	if err != nil {
		return err
	}
	return s.writeLocked(append(rules, rule))
}

// Remove persists the collection without the given ID. Removing an unknown
// ID is not an error; removed reports whether anything changed.
func (s *Store) Remove(id string) (removed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules, err := s.readLocked()
	if err != nil {
		return false, err
	}
	kept := rules[:0]
	for _, r := range rules {
		if r.ID == id {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	if !removed {
		return false, nil
	}
	return true, s.writeLocked(kept)
}

func (s *Store) readLocked() ([]Rule, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Rule{}, nil
		}
		return nil, &StorageError{Op: "read", Err: err}
	}
	if len(data) == 0 {
		return []Rule{}, nil
	}

	var rules []Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, &StorageError{Op: "unmarshal", Err: err}
	}
	return rules, nil
}

func (s *Store) writeLocked(rules []Rule) error {
	if dir := filepath.Dir(s.path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &StorageError{Op: "mkdir", Err: err}
		}
	}

	if rules == nil {
		rules = []Rule{}
	}
	data, err := json.Marshal(rules)
	if err != nil {
		return &StorageError{Op: "marshal", Err: err}
	}

	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return &StorageError{Op: "write", Err: err}
	}
	return nil
}
