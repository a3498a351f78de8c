package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/pickup-monitor/internal/monitor"
)

type leaseEntry struct {
	holder    string
	expiresAt time.Time
}

// Lease implements monitor.Lease in process.
type Lease struct {
	mu     sync.Mutex
	leases map[string]leaseEntry
	clock  monitor.Clock
}

var _ monitor.Lease = (*Lease)(nil)

// NewLease constructs a Lease. A nil clock uses time.Now.
func NewLease(clock monitor.Clock) *Lease {
	return &Lease{leases: make(map[string]leaseEntry), clock: clock}
}

func (l *Lease) now() time.Time {
	if l.clock != nil {
		return l.clock.Now()
	}
	return time.Now()
}

// Acquire grants name to holder when it is free, expired, or already held by
// holder (which extends it).
func (l *Lease) Acquire(_ context.Context, name, holder string, ttl time.Duration) (bool, error) {
	if name == "" || holder == "" || ttl <= 0 {
		return false, monitor.Errorf(monitor.ErrInvalidInput, "memory.Acquire", "name, holder and positive ttl are required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.leases[name]; ok && cur.holder != holder && now.Before(cur.expiresAt) {
		return false, nil
	}
	l.leases[name] = leaseEntry{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release drops name if holder owns it.
func (l *Lease) Release(_ context.Context, name, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[name]; ok && cur.holder == holder {
		delete(l.leases, name)
	}
	return nil
}
