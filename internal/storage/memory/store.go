package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/pickup-monitor/internal/monitor"
)

// Store implements monitor.Store in process.
type Store struct {
	mu      sync.RWMutex
	status  *monitor.Status
	results []monitor.CheckResult
	clock   monitor.Clock
	ids     monitor.IDGenerator
	failErr error
}

var _ monitor.Store = (*Store)(nil)

// NewStore constructs a Store. A nil clock uses time.Now.
func NewStore(clock monitor.Clock, ids monitor.IDGenerator) *Store {
	return &Store{clock: clock, ids: ids}
}

// FailWith makes every operation fail with a store error wrapping err, which
// simulates a backend outage. Nil restores normal operation.
func (s *Store) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *Store) now() time.Time {
	if s.clock != nil {
		return s.clock.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Store) failure(op string) error {
	if s.failErr != nil {
		return monitor.Wrap(monitor.ErrStore, op, s.failErr)
	}
	return nil
}

// GetStatus returns a copy of the status, or nil when none was written yet.
func (s *Store) GetStatus(_ context.Context) (*monitor.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("memory.GetStatus"); err != nil {
		return nil, err
	}
	if s.status == nil {
		return nil, nil
	}
	cp := s.status.Clone()
	return &cp, nil
}

// UpsertStatus merges patch into the singleton status.
func (s *Store) UpsertStatus(_ context.Context, patch monitor.StatusPatch) (monitor.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("memory.UpsertStatus"); err != nil {
		return monitor.Status{}, err
	}
	now := s.now()
	if s.status == nil {
		s.status = &monitor.Status{CreatedAt: now}
	}
	s.status.Apply(patch)
	s.status.UpdatedAt = now
	return s.status.Clone(), nil
}

// AddResult appends a result, assigning its ID and creation time.
func (s *Store) AddResult(_ context.Context, result monitor.CheckResult) (monitor.CheckResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("memory.AddResult"); err != nil {
		return monitor.CheckResult{}, err
	}
	stored := result.Clone()
	if s.ids != nil {
		id, err := s.ids.NewID()
		if err != nil {
			return monitor.CheckResult{}, monitor.Wrap(monitor.ErrStore, "memory.AddResult", err)
		}
		stored.ID = id
	}
	stored.CreatedAt = s.now()
	if stored.Timestamp.IsZero() {
		stored.Timestamp = stored.CreatedAt
	}
	s.results = append(s.results, stored)
	return stored.Clone(), nil
}

// GetRecent returns up to limit results, newest first.
func (s *Store) GetRecent(_ context.Context, limit int) ([]monitor.CheckResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("memory.GetRecent"); err != nil {
		return nil, err
	}
	sorted := s.sortedLocked()
	if limit >= 0 && limit < len(sorted) {
		sorted = sorted[:limit]
	}
	return sorted, nil
}

// Count returns the number of stored results.
func (s *Store) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("memory.Count"); err != nil {
		return 0, err
	}
	return int64(len(s.results)), nil
}

// LastBySource returns the newest result from source, or nil.
func (s *Store) LastBySource(_ context.Context, source monitor.Source) (*monitor.CheckResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.failure("memory.LastBySource"); err != nil {
		return nil, err
	}
	for _, r := range s.sortedLocked() {
		if r.Source == source {
			return &r, nil
		}
	}
	return nil, nil
}

// Ping reports the simulated backend health.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failure("memory.Ping")
}

// Close is a no-op.
func (s *Store) Close() {}

// sortedLocked returns deep copies ordered by timestamp descending, ties
// broken by insertion order (later first).
func (s *Store) sortedLocked() []monitor.CheckResult {
	out := make([]monitor.CheckResult, len(s.results))
	for i := range s.results {
		out[len(out)-1-i] = s.results[i].Clone()
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}
