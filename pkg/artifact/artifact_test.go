package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/deckhand/deckhand/pkg/engine"
	"github.com/deckhand/deckhand/pkg/stores"
)

func sampleOutputs() InfraOutputs {
	return InfraOutputs{
		ResourceGroup:       "rg-shop",
		RegistryName:        "shopacr",
		RegistryLoginServer: "shopacr.azurecr.io",
		RegistryID:          "/subscriptions/x/resourceGroups/rg-shop/providers/Microsoft.ContainerRegistry/registries/shopacr",
		WebAppName:          "shop-app",
	}
}

func TestFromTerraform(t *testing.T) {
	out, err := FromTerraform(map[string]string{
		KeyResourceGroup:       "rg-shop",
		KeyRegistryName:        "shopacr",
		KeyRegistryLoginServer: "shopacr.azurecr.io",
		KeyWebAppName:          "shop-app",
		"plan_sku":             "B1",
	})
	if err != nil {
		t.Fatalf("FromTerraform failed: %v", err)
	}
	if out.RegistryLoginServer != "shopacr.azurecr.io" {
		t.Errorf("unexpected login server %q", out.RegistryLoginServer)
	}
	if out.Extra["plan_sku"] != "B1" {
		t.Errorf("extra key not kept: %v", out.Extra)
	}

	keys := strings.Join(out.Keys(), ",")
	if keys != "acr_login_server,acr_name,plan_sku,resource_group_name,webapp_name" {
		t.Errorf("unexpected keys %s", keys)
	}
}

func TestFromTerraform_MissingKeys(t *testing.T) {
	_, err := FromTerraform(map[string]string{KeyResourceGroup: "rg-shop"})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{KeyRegistryName, KeyRegistryLoginServer, KeyWebAppName} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error does not name %s: %v", key, err)
		}
	}
}

func TestEnvelope_RejectsUnknownFields(t *testing.T) {
	_, err := DecodeEnvelope(strings.NewReader(`{"name":"x","outputs":{},"extra_field":1}`))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestFSStore_PutGetList(t *testing.T) {
	ctx := context.Background()
	store := NewFSStore(t.TempDir())

	info, err := store.Put(ctx, "run-1", "infra-outputs", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if info.Size != 5 {
		t.Errorf("expected size 5, got %d", info.Size)
	}
	// sha256("hello")
	if info.Digest != "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Errorf("unexpected digest %s", info.Digest)
	}
	if info.Location != filepath.Join(store.Root(), "run-1", "infra-outputs") {
		t.Errorf("unexpected location %s", info.Location)
	}

	rc, err := store.Get(ctx, "run-1", "infra-outputs")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "hello" {
		t.Errorf("unexpected content %q", data)
	}

	// Overwrite replaces the content.
	if _, err := store.Put(ctx, "run-1", "infra-outputs", strings.NewReader("bye")); err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	infos, err := store.List(ctx, "run-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(infos) != 1 || infos[0].Size != 3 {
		t.Errorf("unexpected listing %+v", infos)
	}

	entries, _ := os.ReadDir(filepath.Join(store.Root(), "run-1"))
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %d entries", len(entries))
	}
}

func TestFSStore_NotFound(t *testing.T) {
	store := NewFSStore(t.TempDir())

	_, err := store.Get(context.Background(), "run-1", "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}

	infos, err := store.List(context.Background(), "no-such-run")
	if err != nil || len(infos) != 0 {
		t.Errorf("expected empty listing, got %v, %v", infos, err)
	}
}

func TestFSStore_RejectsPathEscapes(t *testing.T) {
	store := NewFSStore(t.TempDir())
	ctx := context.Background()

	tests := []struct{ runID, name string }{
		{"run-1", "../escape"},
		{"..", "x"},
		{"run-1", ""},
		{"", "x"},
		{"a/b", "x"},
	}
	for _, tt := range tests {
		if _, err := store.Put(ctx, tt.runID, tt.name, strings.NewReader("x")); err == nil {
			t.Errorf("Put(%q, %q) should fail", tt.runID, tt.name)
		}
	}
}

func TestPublishFetch(t *testing.T) {
	ctx := context.Background()
	store := NewFSStore(t.TempDir())

	env := &Envelope{
		Name:      "infra-outputs",
		RunID:     "run-1",
		Workflow:  "infrastructure",
		CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Outputs:   sampleOutputs(),
	}
	if _, err := Publish(ctx, store, env); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got, err := Fetch(ctx, store, "run-1", "infra-outputs")
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if got.Outputs.WebAppName != "shop-app" || got.Workflow != "infrastructure" {
		t.Errorf("unexpected envelope %+v", got)
	}

	// A consumer asking for a different name finds nothing.
	_, err = Fetch(ctx, store, "run-1", "outputs")
	if !IsNotFound(err) {
		t.Errorf("expected NOT_FOUND for mismatched name, got %v", err)
	}
}

func TestPublish_RejectsIncompleteOutputs(t *testing.T) {
	store := NewFSStore(t.TempDir())
	env := &Envelope{Name: "infra-outputs", RunID: "run-1", Outputs: InfraOutputs{ResourceGroup: "rg"}}
	if _, err := Publish(context.Background(), store, env); err == nil {
		t.Fatal("expected validation error")
	}
}

func setupIndex(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	db, err := stores.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestIndexed_LatestAndList(t *testing.T) {
	ctx := context.Background()
	db := setupIndex(t)
	store := NewIndexed(NewFSStore(t.TempDir()), db, BackendFS).ForWorkflow("infrastructure")

	for _, runID := range []string{"run-1", "run-2"} {
		env := &Envelope{Name: "infra-outputs", RunID: runID, Outputs: sampleOutputs()}
		env.Outputs.Extra = map[string]string{"run": runID}
		if _, err := Publish(ctx, store, env); err != nil {
			t.Fatalf("Publish %s failed: %v", runID, err)
		}
	}

	latest, err := Fetch(ctx, store, "", "infra-outputs")
	if err != nil {
		t.Fatalf("Fetch latest failed: %v", err)
	}
	if latest.RunID != "run-2" {
		t.Errorf("expected latest run-2, got %s", latest.RunID)
	}

	entry, err := store.Resolve(ctx, "run-1", "infra-outputs")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if entry.Workflow != "infrastructure" || entry.Backend != BackendFS {
		t.Errorf("unexpected index entry %+v", entry)
	}
	if !strings.HasPrefix(entry.Digest, "sha256:") {
		t.Errorf("digest not indexed: %s", entry.Digest)
	}

	infos, err := store.List(ctx, "run-1")
	if err != nil || len(infos) != 1 {
		t.Fatalf("unexpected listing %v, %v", infos, err)
	}
}

func TestIndexed_UnknownName(t *testing.T) {
	db := setupIndex(t)
	store := NewIndexed(NewFSStore(t.TempDir()), db, BackendFS)

	_, err := store.Get(context.Background(), "", "infra-outputs")
	if !IsNotFound(err) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) || engErr.Resource != "infra-outputs" {
		t.Errorf("expected resource on error, got %v", err)
	}
}

// fakeBlobs is an in-memory blobAPI.
type fakeBlobs struct {
	blobs    map[string][]byte
	metadata map[string]map[string]*string
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{blobs: map[string][]byte{}, metadata: map[string]map[string]*string{}}
}

func (f *fakeBlobs) upload(_ context.Context, key string, r io.Reader, metadata map[string]*string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.blobs[key] = data
	f.metadata[key] = metadata
	return nil
}

func (f *fakeBlobs) download(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := f.blobs[key]
	if !ok {
		return nil, &azcore.ResponseError{ErrorCode: string(bloberror.BlobNotFound), StatusCode: 404}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeBlobs) list(_ context.Context, prefix string) ([]blobEntry, error) {
	var entries []blobEntry
	for key, data := range f.blobs {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, blobEntry{key: key, size: int64(len(data)), metadata: f.metadata[key]})
		}
	}
	return entries, nil
}

func TestBlobStore(t *testing.T) {
	ctx := context.Background()
	fake := newFakeBlobs()
	store := &BlobStore{api: fake, container: "artifacts"}

	info, err := store.Put(ctx, "run-1", "infra-outputs", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if info.Location != "artifacts/run-1/infra-outputs" {
		t.Errorf("unexpected location %s", info.Location)
	}
	if _, ok := fake.blobs["run-1/infra-outputs"]; !ok {
		t.Errorf("blob not written under run key: %v", fake.blobs)
	}

	rc, err := store.Get(ctx, "run-1", "infra-outputs")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "hello" {
		t.Errorf("unexpected content %q", data)
	}

	if _, err := store.Get(ctx, "run-1", "other"); !IsNotFound(err) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}

	infos, err := store.List(ctx, "run-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(infos) != 1 || infos[0].Digest != info.Digest || infos[0].Size != 5 {
		t.Errorf("unexpected listing %+v", infos)
	}
}
