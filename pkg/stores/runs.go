package stores

import (
	"context"
	"time"
)

const runColumns = `id, workflow, event, status, user, started_at, completed_at, duration_ms,
	summary, error, metadata, created_at, updated_at`

func scanRun(row rowScanner) (*Run, error) {
	r := &Run{}
	return r, row.Scan(&r.ID, &r.Workflow, &r.Event, &r.Status, &r.User, &r.StartedAt,
		&r.CompletedAt, &r.DurationMS, &r.Summary, &r.Error, &r.Metadata, &r.CreatedAt, &r.UpdatedAt)
}

// values stamps the timestamps and JSON defaults and returns the row in
// runColumns order.
func (r *Run) values() []any {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.StartedAt.IsZero() {
		r.StartedAt = now
	}
	r.StartedAt = r.StartedAt.UTC()
	if r.Summary == "" {
		r.Summary = "{}"
	}
	if r.Metadata == "" {
		r.Metadata = "{}"
	}
	return []any{r.ID, r.Workflow, r.Event, r.Status, r.User, r.StartedAt, r.CompletedAt,
		r.DurationMS, r.Summary, r.Error, r.Metadata, r.CreatedAt, r.UpdatedAt}
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	q := `INSERT INTO runs (` + runColumns + `) VALUES (` + placeholders(runColumns) + `)`
	return s.execAffecting(ctx, "run "+run.ID, q, run.values()...)
}

// UpsertRun inserts run or, when it exists, updates the fields that change
// while it executes.
func (s *SQLiteStore) UpsertRun(ctx context.Context, run *Run) error {
	q := `INSERT INTO runs (` + runColumns + `) VALUES (` + placeholders(runColumns) + `)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms,
			summary = excluded.summary,
			error = excluded.error,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`
	return s.execAffecting(ctx, "run "+run.ID, q, run.values()...)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	return queryOne(ctx, s.db, "run "+id, scanRun, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
}

// UpdateRunStatus sets status and error. Terminal statuses also stamp
// completed_at.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, status RunStatus, errMsg *string) error {
	now := time.Now().UTC()
	var completed *time.Time
	if status.IsTerminal() {
		completed = &now
	}
	return s.execAffecting(ctx, "run "+id,
		`UPDATE runs SET status = ?, error = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, completed, now, id)
}

// ListRuns returns runs newest first. The default page is 20 runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	var workflow, status any
	if filter.Workflow != "" {
		workflow = filter.Workflow
	}
	if filter.Status != "" {
		status = string(filter.Status)
	}

	return queryAll(ctx, s.db, "runs", scanRun, `SELECT `+runColumns+` FROM runs
		WHERE (? IS NULL OR workflow = ?) AND (? IS NULL OR status = ?)
		ORDER BY started_at DESC, created_at DESC
		LIMIT ? OFFSET ?`,
		workflow, workflow, status, status, filter.Limit, filter.Offset)
}

// DeleteRun removes a run. Step results and events go with it.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	return s.execAffecting(ctx, "run "+id, `DELETE FROM runs WHERE id = ?`, id)
}

const stepColumns = `id, run_id, job_id, name, action, position, status, outputs, log,
	skip_reason, error_code, error, started_at, completed_at, created_at, updated_at`

func scanStep(row rowScanner) (*StepResult, error) {
	r := &StepResult{}
	return r, row.Scan(&r.ID, &r.RunID, &r.JobID, &r.Name, &r.Action, &r.Position, &r.Status,
		&r.Outputs, &r.Log, &r.SkipReason, &r.ErrorCode, &r.Error, &r.StartedAt, &r.CompletedAt,
		&r.CreatedAt, &r.UpdatedAt)
}

// UpsertStepResult records a step as it moves from running to its final
// status.
func (s *SQLiteStore) UpsertStepResult(ctx context.Context, r *StepResult) error {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if r.Outputs == "" {
		r.Outputs = "{}"
	}

	q := `INSERT INTO step_results (` + stepColumns + `) VALUES (` + placeholders(stepColumns) + `)
		ON CONFLICT (run_id, id) DO UPDATE SET
			status = excluded.status,
			outputs = excluded.outputs,
			log = excluded.log,
			skip_reason = excluded.skip_reason,
			error_code = excluded.error_code,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at`
	return s.execAffecting(ctx, "step "+r.ID, q,
		r.ID, r.RunID, r.JobID, r.Name, r.Action, r.Position, r.Status, r.Outputs, r.Log,
		r.SkipReason, r.ErrorCode, r.Error, r.StartedAt, r.CompletedAt, r.CreatedAt, r.UpdatedAt)
}

// ListStepResults returns the steps of a run in execution order.
func (s *SQLiteStore) ListStepResults(ctx context.Context, runID string) ([]*StepResult, error) {
	return queryAll(ctx, s.db, "step results", scanStep,
		`SELECT `+stepColumns+` FROM step_results WHERE run_id = ? ORDER BY position, id`, runID)
}

func scanEvent(row rowScanner) (*Event, error) {
	e := &Event{}
	return e, row.Scan(&e.ID, &e.RunID, &e.StepID, &e.Type, &e.Level, &e.Message, &e.Details, &e.Timestamp)
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, e *Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Type == "" {
		e.Type = "info"
	}
	id, err := s.insertID(ctx, "event",
		`INSERT INTO events (run_id, step_id, type, level, message, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.StepID, e.Type, e.Level, e.Message, e.Details, e.Timestamp)
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

// GetEvents returns the timeline in append order. Nil filters match
// everything; the default page is 1000 events.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID, stepID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	return queryAll(ctx, s.db, "events", scanEvent, `
		SELECT id, run_id, step_id, type, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR step_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY id
		LIMIT ? OFFSET ?`,
		runID, runID, stepID, stepID, level, level, limit, offset)
}
