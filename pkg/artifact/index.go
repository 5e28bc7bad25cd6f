package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/deckhand/deckhand/pkg/stores"
)

// Index records artifact metadata. stores.SQLiteStore implements it.
type Index interface {
	CreateArtifact(ctx context.Context, artifact *stores.Artifact) error
	GetArtifact(ctx context.Context, runID, name string) (*stores.Artifact, error)
	LatestArtifact(ctx context.Context, name string) (*stores.Artifact, error)
	ListArtifacts(ctx context.Context, runID string) ([]*stores.Artifact, error)
}

// Indexed is a Store that records every upload in an Index. An empty run
// ID on Get resolves to the most recent upload of that name.
type Indexed struct {
	store    Store
	index    Index
	backend  string
	workflow string
}

// NewIndexed wraps store. backend names the storage kind in the index.
func NewIndexed(store Store, index Index, backend string) *Indexed {
	return &Indexed{store: store, index: index, backend: backend}
}

// ForWorkflow returns a copy that tags uploads with workflow.
func (s *Indexed) ForWorkflow(workflow string) *Indexed {
	c := *s
	c.workflow = workflow
	return &c
}

// Put stores the artifact and indexes it.
func (s *Indexed) Put(ctx context.Context, runID, name string, r io.Reader) (*Info, error) {
	info, err := s.store.Put(ctx, runID, name, r)
	if err != nil {
		return nil, err
	}

	err = s.index.CreateArtifact(ctx, &stores.Artifact{
		ID:       uuid.New().String(),
		RunID:    runID,
		Name:     name,
		Workflow: s.workflow,
		Backend:  s.backend,
		Location: info.Location,
		Size:     info.Size,
		Digest:   info.Digest,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to index artifact %s: %w", name, err)
	}
	return info, nil
}

// Resolve returns the index entry for an artifact.
func (s *Indexed) Resolve(ctx context.Context, runID, name string) (*stores.Artifact, error) {
	var (
		entry *stores.Artifact
		err   error
	)
	if runID == "" {
		entry, err = s.index.LatestArtifact(ctx, name)
	} else {
		entry, err = s.index.GetArtifact(ctx, runID, name)
	}
	if err != nil {
		if stores.IsNotFound(err) {
			return nil, notFound(runID, name, err)
		}
		return nil, err
	}
	return entry, nil
}

// Get opens an artifact. With an empty runID the latest upload is used.
func (s *Indexed) Get(ctx context.Context, runID, name string) (io.ReadCloser, error) {
	if runID == "" {
		entry, err := s.Resolve(ctx, runID, name)
		if err != nil {
			return nil, err
		}
		runID = entry.RunID
	}
	return s.store.Get(ctx, runID, name)
}

// List returns the indexed artifacts of a run.
func (s *Indexed) List(ctx context.Context, runID string) ([]Info, error) {
	entries, err := s.index.ListArtifacts(ctx, runID)
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, Info{
			RunID:    e.RunID,
			Name:     e.Name,
			Location: e.Location,
			Size:     e.Size,
			Digest:   e.Digest,
		})
	}
	return infos, nil
}

// Publish writes an outputs envelope under its name.
func Publish(ctx context.Context, store Store, env *Envelope) (*Info, error) {
	if err := env.Outputs.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := env.Encode(&buf); err != nil {
		return nil, err
	}
	return store.Put(ctx, env.RunID, env.Name, &buf)
}

// Fetch reads and validates the outputs envelope called name. The
// envelope must carry the name it was requested by.
func Fetch(ctx context.Context, store Store, runID, name string) (*Envelope, error) {
	rc, err := store.Get(ctx, runID, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	env, err := DecodeEnvelope(rc)
	if err != nil {
		return nil, err
	}
	if env.Name != name {
		return nil, notFound(runID, name, fmt.Errorf("envelope is named %q", env.Name))
	}
	return env, nil
}
