// Package memory keeps session records in-process for development and tests.
package memory

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// SessionStore is an in-memory crawler.SessionStore.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]crawler.SessionRecord
}

var _ crawler.SessionStore = (*SessionStore)(nil)

// NewSessionStore constructs a SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]crawler.SessionRecord),
	}
}

// Save inserts or replaces a record. The first CreatedAt seen for an ID is
// kept across updates.
func (s *SessionStore) Save(_ context.Context, record crawler.SessionRecord) error {
	if record.ID == "" {
		return errors.New("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[record.ID]; ok && !existing.CreatedAt.IsZero() {
		record.CreatedAt = existing.CreatedAt
	}
	s.sessions[record.ID] = cloneRecord(record)
	return nil
}

// Get fetches a record by ID.
func (s *SessionStore) Get(_ context.Context, id string) (crawler.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.sessions[id]
	if !ok {
		return crawler.SessionRecord{}, crawler.ErrSessionNotFound
	}
	return cloneRecord(record), nil
}

// List returns every record, newest first.
func (s *SessionStore) List(_ context.Context) ([]crawler.SessionRecord, error) {
	s.mu.RLock()
	out := make([]crawler.SessionRecord, 0, len(s.sessions))
	for _, record := range s.sessions {
		out = append(out, cloneRecord(record))
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b crawler.SessionRecord) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func cloneRecord(record crawler.SessionRecord) crawler.SessionRecord {
	out := record
	out.Request.AllowedFileTypes = slices.Clone(record.Request.AllowedFileTypes)
	out.Request.AllowedDomains = slices.Clone(record.Request.AllowedDomains)
	out.Request.BlockedDomains = slices.Clone(record.Request.BlockedDomains)
	if record.Snapshot.StartTime != nil {
		start := *record.Snapshot.StartTime
		out.Snapshot.StartTime = &start
	}
	if record.Snapshot.EndTime != nil {
		end := *record.Snapshot.EndTime
		out.Snapshot.EndTime = &end
	}
	if record.Estimate != nil {
		estimate := *record.Estimate
		estimate.Patterns = slices.Clone(record.Estimate.Patterns)
		out.Estimate = &estimate
	}
	return out
}
