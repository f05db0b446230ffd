package memdb

import (
	"container/list"
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ElectionSummary is the bounded read model served while no durable
// store is reachable.
type ElectionSummary struct {
	ID             string    `json:"id"`
	State          string    `json:"state"`
	Office         string    `json:"office"`
	ElectionType   string    `json:"electionType"`
	ElectionDate   time.Time `json:"electionDate"`
	CandidateCount int       `json:"candidateCount"`
	CachedAt       time.Time `json:"cachedAt"`
}

// Stats reports cache effectiveness for diagnostics.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

// Store is a bounded LRU of election summaries. It is refreshed from
// the primary while healthy and serves reads in the memory modes.
type Store struct {
	mu       sync.RWMutex
	capacity int
	items    map[string]*list.Element
	lruList  *list.List

	hits      int64
	misses    int64
	evictions int64

	lastRefresh time.Time
}

// NewStore creates a store with the given capacity.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Store{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Get retrieves a summary by election id.
func (s *Store) Get(id string) (ElectionSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, exists := s.items[id]
	if !exists {
		s.misses++
		return ElectionSummary{}, false
	}

	s.hits++
	s.lruList.MoveToFront(elem)
	return elem.Value.(ElectionSummary), true
}

// Put inserts or refreshes a summary, evicting the least recently used
// entry on overflow.
func (s *Store) Put(summary ElectionSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, exists := s.items[summary.ID]; exists {
		elem.Value = summary
		s.lruList.MoveToFront(elem)
		return
	}

	if s.lruList.Len() >= s.capacity {
		oldest := s.lruList.Back()
		if oldest != nil {
			s.lruList.Remove(oldest)
			delete(s.items, oldest.Value.(ElectionSummary).ID)
			s.evictions++
		}
	}

	s.items[summary.ID] = s.lruList.PushFront(summary)
}

// List returns up to limit summaries, most recently used first.
func (s *Store) List(limit int) []ElectionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > s.lruList.Len() {
		limit = s.lruList.Len()
	}

	out := make([]ElectionSummary, 0, limit)
	for elem := s.lruList.Front(); elem != nil && len(out) < limit; elem = elem.Next() {
		out = append(out, elem.Value.(ElectionSummary))
	}
	return out
}

// Stats returns cache statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Hits:      s.hits,
		Misses:    s.misses,
		Evictions: s.evictions,
		Size:      s.lruList.Len(),
	}
}

// LastRefresh reports when the store was last loaded from the primary.
func (s *Store) LastRefresh() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRefresh
}

// Refresh loads upcoming elections from the primary. Called while the
// primary is healthy so the fallback has something to serve later.
func (s *Store) Refresh(ctx context.Context, db *sql.DB) error {
	query := `
		SELECT e.id, e.state, e.office, e.election_type, e.election_date, COUNT(c.id)
		FROM elections e
		LEFT JOIN candidates c ON c.election_id = e.id
		WHERE e.election_date >= NOW() - INTERVAL '30 days'
		GROUP BY e.id, e.state, e.office, e.election_type, e.election_date
		ORDER BY e.election_date ASC
		LIMIT $1
	`
	rows, err := db.QueryContext(ctx, query, s.capacity)
	if err != nil {
		return fmt.Errorf("refresh memdb: %w", err)
	}
	defer func() { _ = rows.Close() }()

	now := time.Now()
	count := 0
	for rows.Next() {
		var summary ElectionSummary
		if err := rows.Scan(&summary.ID, &summary.State, &summary.Office,
			&summary.ElectionType, &summary.ElectionDate, &summary.CandidateCount); err != nil {
			return fmt.Errorf("scan election summary: %w", err)
		}
		summary.CachedAt = now
		s.Put(summary)
		count++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastRefresh = now
	s.mu.Unlock()
	return nil
}

// StartRefresh keeps the fallback warm while the primary is healthy.
func (s *Store) StartRefresh(ctx context.Context, db *sql.DB, interval time.Duration, healthy func() bool, logger *zap.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !healthy() {
				continue
			}
			if err := s.Refresh(ctx, db); err != nil && logger != nil {
				logger.Warn("memdb refresh failed", zap.Error(err))
			}
		}
	}
}
