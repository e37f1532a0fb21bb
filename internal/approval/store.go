package approval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Store persists approval requests. Implementations must make a Put visible
// to the next Get in any process sharing the store.
type Store interface {
	Put(r Request) error
	Get(id string) (Request, error)
	List() ([]Request, error)
}

// validKey matches alphanumeric, dash, underscore, and dot characters only.
var validKey = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// validateKey rejects keys that could cause path traversal.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("key must not contain '..'")
	}
	if !validKey.MatchString(key) {
		return fmt.Errorf("key contains invalid characters: only alphanumeric, dash, underscore, and dot are allowed")
	}
	return nil
}

// MemoryStore keeps requests in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	reqs map[string]Request
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reqs: make(map[string]Request)}
}

func (s *MemoryStore) Put(r Request) error {
	if err := validateKey(r.ApprovalID); err != nil {
		return fmt.Errorf("invalid approval id: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs[r.ApprovalID] = cloneRequest(r)
	return nil
}

func (s *MemoryStore) Get(id string) (Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reqs[id]
	if !ok {
		return Request{}, fmt.Errorf("approval %q: %w", id, ErrNotFound)
	}
	return cloneRequest(r), nil
}

func (s *MemoryStore) List() ([]Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Request, 0, len(s.reqs))
	for _, r := range s.reqs {
		out = append(out, cloneRequest(r))
	}
	sortRequests(out)
	return out, nil
}

// FileStore manages one JSON file per approval request, so a separate
// process (the CLI) can resolve a request a running coordinator awaits.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a FileStore backed by the given directory.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create approval directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Put(r Request) error {
	if err := validateKey(r.ApprovalID); err != nil {
		return fmt.Errorf("invalid approval id: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeAtomic(s.path(r.ApprovalID), r)
}

func (s *FileStore) Get(id string) (Request, error) {
	if err := validateKey(id); err != nil {
		return Request{}, fmt.Errorf("invalid approval id: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.read(id)
	if err != nil {
		if os.IsNotExist(err) {
			return Request{}, fmt.Errorf("approval %q: %w", id, ErrNotFound)
		}
		return Request{}, fmt.Errorf("approval %q: %w", id, err)
	}
	return *r, nil
}

func (s *FileStore) List() ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var reqs []Request
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		r, err := s.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		reqs = append(reqs, *r)
	}
	sortRequests(reqs)
	return reqs, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) read(id string) (*Request, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return nil, err
	}
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *FileStore) writeAtomic(path string, r Request) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func cloneRequest(r Request) Request {
	if r.Inputs != nil {
		in := make(map[string]any, len(r.Inputs))
		for k, v := range r.Inputs {
			in[k] = v
		}
		r.Inputs = in
	}
	if r.ResolvedAt != nil {
		t := *r.ResolvedAt
		r.ResolvedAt = &t
	}
	return r
}

func sortRequests(reqs []Request) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
		}
		return reqs[i].ApprovalID < reqs[j].ApprovalID
	})
}
