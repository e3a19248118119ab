// Package transcript keeps an in-memory history of finished sessions and
// their summaries.
package transcript

import (
	"sync"
	"time"
)

// Record is one finished session.
type Record struct {
	ID         string    `json:"id"`
	Locale     string    `json:"locale"`
	Mode       string    `json:"mode"`
	Transcript string    `json:"transcript"`
	Summary    string    `json:"summary,omitempty"`
	Reason     string    `json:"reason"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// Store interface for session history.
type Store interface {
	Add(r Record)
	StoreSummary(id, text string) bool
	Get(id string) (Record, bool)
	Recent(n int) []Record
}

// MemoryStore is a capped, newest-last history.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	maxSize int
}

// NewStore creates a store keeping at most maxRecords.
func NewStore(maxRecords int) *MemoryStore {
	if maxRecords <= 0 {
		maxRecords = 1
	}
	return &MemoryStore{
		records: make([]Record, 0, maxRecords),
		maxSize: maxRecords,
	}
}

// Add appends a record, evicting the oldest when full.
func (s *MemoryStore) Add(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, r)
	if len(s.records) > s.maxSize {
		s.records = s.records[len(s.records)-s.maxSize:]
	}
}

// StoreSummary attaches a summary to a stored record. It reports false if
// the record was never added or has been evicted.
func (s *MemoryStore) StoreSummary(id, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].ID == id {
			s.records[i].Summary = text
			return true
		}
	}
	return false
}

// Get returns the record with the given ID.
func (s *MemoryStore) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].ID == id {
			return s.records[i], true
		}
	}
	return Record{}, false
}

// Recent returns up to n records, newest last. n <= 0 returns all.
func (s *MemoryStore) Recent(n int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if n > 0 && n < len(s.records) {
		start = len(s.records) - n
	}
	result := make([]Record, len(s.records)-start)
	copy(result, s.records[start:])
	return result
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
