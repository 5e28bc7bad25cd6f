package stores

import (
	"context"
	"fmt"
	"time"
)

// AcquireLock takes a lease on resource for runID. Expired leases and
// leases runID already holds are taken over. A live lease of another run
// yields ErrLocked.
func (s *SQLiteStore) AcquireLock(ctx context.Context, resource, runID string, ttl time.Duration) (*RunLock, error) {
	if resource == "" || runID == "" {
		return nil, fmt.Errorf("resource and run ID are required")
	}
	now := time.Now().UTC()
	lock := &RunLock{Resource: resource, RunID: runID, AcquiredAt: now, ExpiresAt: now.Add(ttl)}

	// timestamps are stored as unix nanos so the expiry check compares integers
	err := s.execAffecting(ctx, "lock on "+resource, `
		INSERT INTO run_locks (resource, run_id, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (resource) DO UPDATE SET
			run_id = excluded.run_id,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE run_locks.expires_at <= excluded.acquired_at OR run_locks.run_id = excluded.run_id`,
		resource, runID, now.UnixNano(), lock.ExpiresAt.UnixNano())
	if IsNotFound(err) {
		holder, herr := s.GetLock(ctx, resource)
		if herr != nil {
			return nil, fmt.Errorf("%s: %w", resource, ErrLocked)
		}
		return nil, fmt.Errorf("%s held by run %s until %s: %w",
			resource, holder.RunID, holder.ExpiresAt.Format(time.RFC3339), ErrLocked)
	}
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// ReleaseLock drops the lease if runID still holds it.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, resource, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM run_locks WHERE resource = ? AND run_id = ?`, resource, runID); err != nil {
		return fmt.Errorf("failed to release lock on %s: %w", resource, err)
	}
	return nil
}

func (s *SQLiteStore) GetLock(ctx context.Context, resource string) (*RunLock, error) {
	return queryOne(ctx, s.db, "lock on "+resource, func(row rowScanner) (*RunLock, error) {
		var (
			l                 RunLock
			acquired, expires int64
		)
		if err := row.Scan(&l.Resource, &l.RunID, &acquired, &expires); err != nil {
			return nil, err
		}
		l.AcquiredAt = time.Unix(0, acquired).UTC()
		l.ExpiresAt = time.Unix(0, expires).UTC()
		return &l, nil
	}, `SELECT resource, run_id, acquired_at, expires_at FROM run_locks WHERE resource = ?`, resource)
}

func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, e *AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	id, err := s.insertID(ctx, "audit entry",
		`INSERT INTO audit (action, actor, target_id, details, timestamp) VALUES (?, ?, ?, ?, ?)`,
		e.Action, e.Actor, e.TargetID, e.Details, e.Timestamp)
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

// ListAuditEntries returns entries newest first. The default page is 100.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action, actor *string, limit, offset int) ([]*AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return queryAll(ctx, s.db, "audit entries", func(row rowScanner) (*AuditEntry, error) {
		e := &AuditEntry{}
		return e, row.Scan(&e.ID, &e.Action, &e.Actor, &e.TargetID, &e.Details, &e.Timestamp)
	}, `SELECT id, action, actor, target_id, details, timestamp FROM audit
		WHERE (? IS NULL OR action = ?) AND (? IS NULL OR actor = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?`,
		action, action, actor, actor, limit, offset)
}
