package stores

import (
	"context"
	"fmt"
	"time"
)

const artifactColumns = `id, run_id, name, workflow, backend, location, size, digest, created_at`

func scanArtifact(row rowScanner) (*Artifact, error) {
	a := &Artifact{}
	return a, row.Scan(&a.ID, &a.RunID, &a.Name, &a.Workflow, &a.Backend, &a.Location, &a.Size, &a.Digest, &a.CreatedAt)
}

// CreateArtifact indexes an upload. Uploading the same name twice in one
// run replaces the earlier entry.
func (s *SQLiteStore) CreateArtifact(ctx context.Context, a *Artifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO artifacts (` + artifactColumns + `) VALUES (` + placeholders(artifactColumns) + `)
		ON CONFLICT (run_id, name) DO UPDATE SET
			id = excluded.id,
			workflow = excluded.workflow,
			backend = excluded.backend,
			location = excluded.location,
			size = excluded.size,
			digest = excluded.digest,
			created_at = excluded.created_at`
	return s.execAffecting(ctx, fmt.Sprintf("artifact %q", a.Name), q,
		a.ID, a.RunID, a.Name, a.Workflow, a.Backend, a.Location, a.Size, a.Digest, a.CreatedAt)
}

func (s *SQLiteStore) GetArtifact(ctx context.Context, runID, name string) (*Artifact, error) {
	return queryOne(ctx, s.db, fmt.Sprintf("artifact %q of run %s", name, runID), scanArtifact,
		`SELECT `+artifactColumns+` FROM artifacts WHERE run_id = ? AND name = ?`, runID, name)
}

// LatestArtifact returns the newest upload of name across all runs.
func (s *SQLiteStore) LatestArtifact(ctx context.Context, name string) (*Artifact, error) {
	return queryOne(ctx, s.db, fmt.Sprintf("artifact %q", name), scanArtifact,
		`SELECT `+artifactColumns+` FROM artifacts WHERE name = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, name)
}

func (s *SQLiteStore) ListArtifacts(ctx context.Context, runID string) ([]*Artifact, error) {
	return queryAll(ctx, s.db, "artifacts", scanArtifact,
		`SELECT `+artifactColumns+` FROM artifacts WHERE run_id = ? ORDER BY name`, runID)
}
