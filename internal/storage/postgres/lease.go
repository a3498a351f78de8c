package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/pickup-monitor/internal/monitor"
)

// Lease implements monitor.Lease with a row per lease name. A row can be
// taken over once it expires; the current holder may extend it.
type Lease struct {
	db    querier
	clock monitor.Clock
}

var _ monitor.Lease = (*Lease)(nil)

// NewLease wraps an existing pool.
func NewLease(db querier, clock monitor.Clock) (*Lease, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Lease{db: db, clock: clock}, nil
}

func (l *Lease) now() time.Time {
	if l.clock != nil {
		return l.clock.Now().UTC()
	}
	return time.Now().UTC()
}

// Acquire reports whether holder now owns name.
func (l *Lease) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	const op = "postgres.Acquire"
	if name == "" || holder == "" || ttl <= 0 {
		return false, monitor.Errorf(monitor.ErrInvalidInput, op, "name, holder and positive ttl are required")
	}
	now := l.now()
	tag, err := l.db.Exec(ctx, `
INSERT INTO run_leases (name, holder, expires_at) VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
WHERE run_leases.expires_at <= $4 OR run_leases.holder = EXCLUDED.holder`,
		name, holder, now.Add(ttl), now,
	)
	if err != nil {
		return false, monitor.Wrap(monitor.ErrStore, op, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release deletes the lease row if holder owns it.
func (l *Lease) Release(ctx context.Context, name, holder string) error {
	if _, err := l.db.Exec(ctx, `DELETE FROM run_leases WHERE name = $1 AND holder = $2`, name, holder); err != nil {
		return monitor.Wrap(monitor.ErrStore, "postgres.Release", err)
	}
	return nil
}
