package stream

import "sync"

// PersistentIDSet is the ordered set of persistent ids already delivered for a
// registration. It only grows.
type PersistentIDSet struct {
	mu   sync.Mutex
	ids  []string
	seen map[string]struct{}
	// maxReplay caps how many of the most recent ids Replay returns; 0 means all.
	maxReplay int
}

// NewPersistentIDSet returns a set seeded with ids, e.g. reloaded from storage.
// Empty and repeated ids are skipped.
func NewPersistentIDSet(ids []string, maxReplay int) *PersistentIDSet {
	s := &PersistentIDSet{seen: make(map[string]struct{}, len(ids)), maxReplay: maxReplay}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Contains reports whether id was already delivered.
func (s *PersistentIDSet) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[id]
	return ok
}

// Add inserts id and reports whether it was new.
func (s *PersistentIDSet) Add(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = struct{}{}
	s.ids = append(s.ids, id)
	return true
}

// Len returns the number of ids.
func (s *PersistentIDSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// Replay returns the ids to send in a login request.
func (s *PersistentIDSet) Replay() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.ids
	if s.maxReplay > 0 && len(ids) > s.maxReplay {
		ids = ids[len(ids)-s.maxReplay:]
	}
	return append([]string(nil), ids...)
}
