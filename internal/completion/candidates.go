package completion

import (
	"sync"
	"time"
)

// CandidateStore maps a download id to the time it was first observed complete.
// It is safe for concurrent use by per-client poll goroutines.
type CandidateStore struct {
	m sync.Map
}

// NewCandidateStore creates an empty store.
func NewCandidateStore() *CandidateStore {
	return &CandidateStore{}
}

// LoadOrStore returns the existing first-observed time, or stores t and reports loaded=false.
func (s *CandidateStore) LoadOrStore(downloadID string, t time.Time) (first time.Time, loaded bool) {
	v, loaded := s.m.LoadOrStore(downloadID, t)
	return v.(time.Time), loaded
}

// Load returns the first-observed time for a download.
func (s *CandidateStore) Load(downloadID string) (time.Time, bool) {
	v, ok := s.m.Load(downloadID)
	if !ok {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

// Delete removes an entry and reports whether one existed.
func (s *CandidateStore) Delete(downloadID string) bool {
	_, existed := s.m.LoadAndDelete(downloadID)
	return existed
}

// CompareAndDelete removes the entry only if it still holds first.
func (s *CandidateStore) CompareAndDelete(downloadID string, first time.Time) bool {
	return s.m.CompareAndDelete(downloadID, first)
}

// Len returns the number of candidates.
func (s *CandidateStore) Len() int {
	n := 0
	s.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
