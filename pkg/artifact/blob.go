package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

const digestMetadataKey = "sha256"

// blobEntry is one listed blob.
type blobEntry struct {
	key      string
	size     int64
	metadata map[string]*string
}

// blobAPI is the subset of the Blob service the store uses.
type blobAPI interface {
	upload(ctx context.Context, key string, r io.Reader, metadata map[string]*string) error
	download(ctx context.Context, key string) (io.ReadCloser, error)
	list(ctx context.Context, prefix string) ([]blobEntry, error)
}

// BlobStore keeps artifacts in an Azure Blob container under
// <run-id>/<name> keys.
type BlobStore struct {
	api       blobAPI
	container string
}

// NewBlobStore creates a store over the container of the account at
// serviceURL (https://<account>.blob.core.windows.net/).
func NewBlobStore(serviceURL, containerName string, cred azcore.TokenCredential, opts *azblob.ClientOptions) (*BlobStore, error) {
	client, err := azblob.NewClient(serviceURL, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob client: %w", err)
	}
	return &BlobStore{
		api:       &azblobClient{client: client, container: containerName},
		container: containerName,
	}, nil
}

func blobKey(runID, name string) string {
	return path.Join(runID, name)
}

// Put uploads the artifact to the container. The digest is stored as blob
// metadata so List can report it without downloading.
func (s *BlobStore) Put(ctx context.Context, runID, name string, r io.Reader) (*Info, error) {
	if err := checkKey(runID, name); err != nil {
		return nil, err
	}

	// The digest is only known after the body is read, so the artifact is
	// buffered first. Artifacts are small JSON envelopes.
	dr := newDigestReader(r)
	body, err := io.ReadAll(dr)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", name, err)
	}

	key := blobKey(runID, name)
	metadata := map[string]*string{digestMetadataKey: to.Ptr(dr.digest())}
	if err := s.api.upload(ctx, key, bytes.NewReader(body), metadata); err != nil {
		return nil, fmt.Errorf("failed to upload artifact %s: %w", key, err)
	}

	return &Info{
		RunID:    runID,
		Name:     name,
		Location: s.container + "/" + key,
		Size:     dr.size,
		Digest:   dr.digest(),
	}, nil
}

// Get opens a blob for reading.
func (s *BlobStore) Get(ctx context.Context, runID, name string) (io.ReadCloser, error) {
	if err := checkKey(runID, name); err != nil {
		return nil, err
	}

	key := blobKey(runID, name)
	body, err := s.api.download(ctx, key)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, notFound(runID, name, err)
		}
		return nil, fmt.Errorf("failed to download artifact %s: %w", key, err)
	}
	return body, nil
}

// List returns the blobs under the run's prefix.
func (s *BlobStore) List(ctx context.Context, runID string) ([]Info, error) {
	if err := checkSegment("run id", runID); err != nil {
		return nil, err
	}

	prefix := runID + "/"
	entries, err := s.api.list(ctx, prefix)
	if err != nil {
		if bloberror.HasCode(err, bloberror.ContainerNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list artifacts of run %s: %w", runID, err)
	}

	infos := make([]Info, 0, len(entries))
	for _, e := range entries {
		name := strings.TrimPrefix(e.key, prefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		info := Info{
			RunID:    runID,
			Name:     name,
			Location: s.container + "/" + e.key,
			Size:     e.size,
		}
		if d := e.metadata[digestMetadataKey]; d != nil {
			info.Digest = *d
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// azblobClient adapts the SDK client to blobAPI.
type azblobClient struct {
	client    *azblob.Client
	container string
}

func (c *azblobClient) upload(ctx context.Context, key string, r io.Reader, metadata map[string]*string) error {
	_, err := c.client.UploadStream(ctx, c.container, key, r, &azblob.UploadStreamOptions{
		Metadata: metadata,
	})
	return err
}

func (c *azblobClient) download(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := c.client.DownloadStream(ctx, c.container, key, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *azblobClient) list(ctx context.Context, prefix string) ([]blobEntry, error) {
	pager := c.client.NewListBlobsFlatPager(c.container, &azblob.ListBlobsFlatOptions{
		Prefix:  to.Ptr(prefix),
		Include: azblob.ListBlobsInclude{Metadata: true},
	})

	var entries []blobEntry
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item == nil || item.Name == nil {
				continue
			}
			entry := blobEntry{key: *item.Name, metadata: item.Metadata}
			if item.Properties != nil && item.Properties.ContentLength != nil {
				entry.size = *item.Properties.ContentLength
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}
