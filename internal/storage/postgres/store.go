package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/pickup-monitor/internal/monitor"
)

const statusColumns = `is_running, search_number, cached_document_url, cached_at,
	last_check_at, next_check_at, last_result, created_at, updated_at`

const resultColumns = `id, checked_at, document_url, search_number, found, match_count,
	error, success, email_sent, contexts, source, document_hash, archive_uri,
	duration_ms, created_at`

// Store implements monitor.Store on Postgres.
type Store struct {
	db    querier
	clock monitor.Clock
	ids   monitor.IDGenerator
}

var _ monitor.Store = (*Store)(nil)

// NewStore wraps an existing pool (a *pgxpool.Pool or a pgxmock pool).
func NewStore(db querier, clock monitor.Clock, ids monitor.IDGenerator) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	return &Store{db: db, clock: clock, ids: ids}, nil
}

func (s *Store) now() time.Time {
	if s.clock != nil {
		return s.clock.Now().UTC()
	}
	return time.Now().UTC()
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return monitor.Wrap(monitor.ErrStore, "postgres.Ping", err)
	}
	return nil
}

// GetStatus reads the singleton status row, or nil when none exists.
func (s *Store) GetStatus(ctx context.Context) (*monitor.Status, error) {
	row := s.db.QueryRow(ctx, `SELECT `+statusColumns+` FROM automation_status WHERE id = 1`)
	status, err := scanStatus(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, monitor.Wrap(monitor.ErrStore, "postgres.GetStatus", err)
	}
	return &status, nil
}

// UpsertStatus merges the non-nil patch fields into the singleton row.
// created_at is only written by the initial insert.
func (s *Store) UpsertStatus(ctx context.Context, patch monitor.StatusPatch) (monitor.Status, error) {
	const op = "postgres.UpsertStatus"
	var lastResult []byte
	if patch.LastResult != nil {
		b, err := json.Marshal(patch.LastResult)
		if err != nil {
			return monitor.Status{}, monitor.Wrap(monitor.ErrStore, op, fmt.Errorf("marshal last result: %w", err))
		}
		lastResult = b
	}

	query := `
INSERT INTO automation_status AS s (
	id, is_running, search_number, cached_document_url, cached_at,
	last_check_at, next_check_at, last_result, created_at, updated_at
) VALUES (
	1, COALESCE($1, FALSE), COALESCE($2, ''), $3, $4, $5, $6, $7, $8, $8
)
ON CONFLICT (id) DO UPDATE SET
	is_running = COALESCE($1, s.is_running),
	search_number = COALESCE($2, s.search_number),
	cached_document_url = COALESCE($3, s.cached_document_url),
	cached_at = COALESCE($4, s.cached_at),
	last_check_at = COALESCE($5, s.last_check_at),
	next_check_at = COALESCE($6, s.next_check_at),
	last_result = COALESCE($7, s.last_result),
	updated_at = $8
RETURNING ` + statusColumns

	row := s.db.QueryRow(ctx, query,
		patch.IsRunning,
		patch.SearchNumber,
		patch.CachedDocumentURL,
		patch.CachedAt,
		patch.LastCheckAt,
		patch.NextCheckAt,
		lastResult,
		s.now(),
	)
	status, err := scanStatus(row)
	if err != nil {
		return monitor.Status{}, monitor.Wrap(monitor.ErrStore, op, err)
	}
	return status, nil
}

// AddResult inserts a history row with a fresh ID and creation time.
func (s *Store) AddResult(ctx context.Context, result monitor.CheckResult) (monitor.CheckResult, error) {
	const op = "postgres.AddResult"
	id, err := s.ids.NewID()
	if err != nil {
		return monitor.CheckResult{}, monitor.Wrap(monitor.ErrStore, op, err)
	}
	stored := result.Clone()
	stored.ID = id
	stored.CreatedAt = s.now()
	if stored.Timestamp.IsZero() {
		stored.Timestamp = stored.CreatedAt
	}
	if stored.Contexts == nil {
		stored.Contexts = []string{}
	}
	contexts, err := json.Marshal(stored.Contexts)
	if err != nil {
		return monitor.CheckResult{}, monitor.Wrap(monitor.ErrStore, op, fmt.Errorf("marshal contexts: %w", err))
	}

	query := `
INSERT INTO check_history (` + resultColumns + `) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
)`
	if _, err := s.db.Exec(ctx, query,
		stored.ID,
		stored.Timestamp,
		stored.DocumentURL,
		stored.SearchNumber,
		stored.Found,
		stored.MatchCount,
		stored.Error,
		stored.Success,
		stored.EmailSent,
		contexts,
		string(stored.Source),
		stored.DocumentHash,
		stored.ArchiveURI,
		stored.DurationMs,
		stored.CreatedAt,
	); err != nil {
		return monitor.CheckResult{}, monitor.Wrap(monitor.ErrStore, op, fmt.Errorf("insert result: %w", err))
	}
	return stored, nil
}

// GetRecent returns up to limit results, newest first.
func (s *Store) GetRecent(ctx context.Context, limit int) ([]monitor.CheckResult, error) {
	const op = "postgres.GetRecent"
	if limit <= 0 {
		return []monitor.CheckResult{}, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT `+resultColumns+` FROM check_history ORDER BY checked_at DESC, created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, monitor.Wrap(monitor.ErrStore, op, err)
	}
	defer rows.Close()

	out := make([]monitor.CheckResult, 0, limit)
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, monitor.Wrap(monitor.ErrStore, op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, monitor.Wrap(monitor.ErrStore, op, err)
	}
	return out, nil
}

// Count returns the number of history rows.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM check_history`).Scan(&n); err != nil {
		return 0, monitor.Wrap(monitor.ErrStore, "postgres.Count", err)
	}
	return n, nil
}

// LastBySource returns the newest result for source, or nil.
func (s *Store) LastBySource(ctx context.Context, source monitor.Source) (*monitor.CheckResult, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+resultColumns+` FROM check_history WHERE source = $1 ORDER BY checked_at DESC, created_at DESC LIMIT 1`,
		string(source),
	)
	r, err := scanResult(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, monitor.Wrap(monitor.ErrStore, "postgres.LastBySource", err)
	}
	return &r, nil
}

func scanStatus(row pgx.Row) (monitor.Status, error) {
	var (
		status     monitor.Status
		lastResult []byte
	)
	if err := row.Scan(
		&status.IsRunning,
		&status.SearchNumber,
		&status.CachedDocumentURL,
		&status.CachedAt,
		&status.LastCheckAt,
		&status.NextCheckAt,
		&lastResult,
		&status.CreatedAt,
		&status.UpdatedAt,
	); err != nil {
		return monitor.Status{}, err
	}
	if len(lastResult) > 0 {
		var r monitor.CheckResult
		if err := json.Unmarshal(lastResult, &r); err != nil {
			return monitor.Status{}, fmt.Errorf("decode last result: %w", err)
		}
		status.LastResult = &r
	}
	return status, nil
}

func scanResult(row pgx.Row) (monitor.CheckResult, error) {
	var (
		r        monitor.CheckResult
		source   string
		contexts []byte
	)
	if err := row.Scan(
		&r.ID,
		&r.Timestamp,
		&r.DocumentURL,
		&r.SearchNumber,
		&r.Found,
		&r.MatchCount,
		&r.Error,
		&r.Success,
		&r.EmailSent,
		&contexts,
		&source,
		&r.DocumentHash,
		&r.ArchiveURI,
		&r.DurationMs,
		&r.CreatedAt,
	); err != nil {
		return monitor.CheckResult{}, err
	}
	r.Source = monitor.Source(source)
	r.Contexts = []string{}
	if len(contexts) > 0 {
		if err := json.Unmarshal(contexts, &r.Contexts); err != nil {
			return monitor.CheckResult{}, fmt.Errorf("decode contexts: %w", err)
		}
	}
	return r, nil
}
