package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/deckhand/deckhand/pkg/engine"
)

// Backend names recorded in the artifact index.
const (
	BackendFS   = "fs"
	BackendBlob = "blob"
)

// Info describes a stored artifact.
type Info struct {
	RunID    string `json:"run_id"`
	Name     string `json:"name"`
	Location string `json:"location"`
	Size     int64  `json:"size"`
	Digest   string `json:"digest"`
}

// Store persists named artifacts per run.
type Store interface {
	// Put writes the artifact, replacing an earlier one of the same name.
	Put(ctx context.Context, runID, name string, r io.Reader) (*Info, error)

	// Get opens an artifact. A missing artifact is a NOT_FOUND engine error.
	Get(ctx context.Context, runID, name string) (io.ReadCloser, error)

	// List returns the artifacts of a run, sorted by name.
	List(ctx context.Context, runID string) ([]Info, error)
}

// notFound builds the error returned for a missing artifact.
func notFound(runID, name string, err error) error {
	return engine.NewPermanentError(fmt.Sprintf("artifact %q not found for run %q", name, runID), err).
		WithCode(engine.ErrCodeNotFound).
		WithResource(name).
		WithOperation("artifact.get")
}

// IsNotFound reports whether err is a missing-artifact error.
func IsNotFound(err error) bool {
	return engine.HasCode(err, engine.ErrCodeNotFound)
}

// checkSegment rejects names that would escape the run directory.
func checkSegment(kind, value string) error {
	switch {
	case strings.TrimSpace(value) == "":
		return fmt.Errorf("artifact %s is empty", kind)
	case value == "." || value == "..":
		return fmt.Errorf("artifact %s %q is not allowed", kind, value)
	case strings.ContainsAny(value, `/\`):
		return fmt.Errorf("artifact %s %q must not contain path separators", kind, value)
	}
	return nil
}

func checkKey(runID, name string) error {
	if err := checkSegment("run id", runID); err != nil {
		return err
	}
	return checkSegment("name", name)
}

// digestReader counts and hashes what passes through it.
type digestReader struct {
	r    io.Reader
	h    hash.Hash
	size int64
}

func newDigestReader(r io.Reader) *digestReader {
	return &digestReader{r: r, h: sha256.New()}
}

func (d *digestReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		d.h.Write(p[:n])
		d.size += int64(n)
	}
	return n, err
}

func (d *digestReader) digest() string {
	return "sha256:" + hex.EncodeToString(d.h.Sum(nil))
}

// FSStore keeps artifacts under <root>/<run-id>/<name>.
type FSStore struct {
	root string
}

// NewFSStore creates a filesystem store rooted at root.
func NewFSStore(root string) *FSStore {
	return &FSStore{root: root}
}

// Root returns the store directory.
func (s *FSStore) Root() string {
	return s.root
}

func (s *FSStore) path(runID, name string) string {
	return filepath.Join(s.root, runID, name)
}

// Put writes to a temporary file in the run directory and renames it into
// place, so readers never see a partial artifact.
func (s *FSStore) Put(ctx context.Context, runID, name string, r io.Reader) (*Info, error) {
	if err := checkKey(runID, name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+name+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary artifact file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	dr := newDigestReader(r)
	if _, err := io.Copy(tmp, dr); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write artifact %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to sync artifact %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close artifact %s: %w", name, err)
	}

	dest := s.path(runID, name)
	if err := os.Rename(tmpName, dest); err != nil {
		return nil, fmt.Errorf("failed to move artifact %s into place: %w", name, err)
	}

	return &Info{
		RunID:    runID,
		Name:     name,
		Location: dest,
		Size:     dr.size,
		Digest:   dr.digest(),
	}, nil
}

// Get opens an artifact file.
func (s *FSStore) Get(ctx context.Context, runID, name string) (io.ReadCloser, error) {
	if err := checkKey(runID, name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path(runID, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, notFound(runID, name, err)
		}
		return nil, fmt.Errorf("failed to open artifact %s: %w", name, err)
	}
	return f, nil
}

// List returns the artifacts of a run. Digests are computed on demand.
func (s *FSStore) List(ctx context.Context, runID string) ([]Info, error) {
	if err := checkSegment("run id", runID); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(s.root, runID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list artifacts of run %s: %w", runID, err)
	}

	var infos []Info
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := s.stat(runID, entry.Name())
		if err != nil {
			return nil, err
		}
		infos = append(infos, *info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (s *FSStore) stat(runID, name string) (*Info, error) {
	f, err := os.Open(s.path(runID, name))
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact %s: %w", name, err)
	}
	defer f.Close()

	dr := newDigestReader(f)
	if _, err := io.Copy(io.Discard, dr); err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", name, err)
	}
	return &Info{
		RunID:    runID,
		Name:     name,
		Location: s.path(runID, name),
		Size:     dr.size,
		Digest:   dr.digest(),
	}, nil
}
