// Package objectstore provides the blob storage client used for source
// listings, state objects, control logs, and batch purges.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver
	"gocloud.dev/gcerrors"

	"github.com/lakerail/lakerail/internal/relation"
	"github.com/lakerail/lakerail/internal/sizing"
)

// ErrNotFound is returned by Get when the object does not exist.
var ErrNotFound = errors.New("object not found")

// deleteBatchSize caps one bulk-delete request, matching object store API
// limits.
const deleteBatchSize = 1000

// Client is the object store contract the control engine depends on.
type Client interface {
	// List returns all objects under the prefix, in listing order.
	List(ctx context.Context, bucket, prefix string) ([]relation.FileRecord, error)

	// Get reads an object in full. Returns ErrNotFound for missing keys.
	Get(ctx context.Context, bucket, key string) ([]byte, error)

	// Put writes an object in full, overwriting any previous version.
	Put(ctx context.Context, bucket, key string, data []byte) error

	// Delete removes an object. Deleting a missing object is a no-op.
	Delete(ctx context.Context, bucket, key string) error

	// DeleteMany removes objects in capped batches. Missing objects are
	// ignored so purges can be repeated safely.
	DeleteMany(ctx context.Context, bucket string, keys []string) error

	// Close releases all open bucket handles.
	Close() error
}

// BucketOpener opens a bucket handle by name. The production opener builds
// s3:// or file:// URLs; tests substitute memblob buckets.
type BucketOpener func(ctx context.Context, bucket string) (*blob.Bucket, error)

// Config configures the production bucket opener.
type Config struct {
	Backend  string // "s3" | "file"
	Endpoint string // custom endpoint for MinIO/R2/B2
	Region   string
	LocalDir string // base directory for the file backend
}

// S3Opener returns a BucketOpener for S3-compatible storage.
func S3Opener(cfg Config) BucketOpener {
	return func(ctx context.Context, bucket string) (*blob.Bucket, error) {
		bucketURL := fmt.Sprintf("s3://%s", bucket)

		params := url.Values{}
		if cfg.Region != "" {
			params.Set("region", cfg.Region)
		}
		if cfg.Endpoint != "" {
			params.Set("endpoint", cfg.Endpoint)
			params.Set("s3ForcePathStyle", "true")
		}
		if len(params) > 0 {
			bucketURL = bucketURL + "?" + params.Encode()
		}

		b, err := blob.OpenBucket(ctx, bucketURL)
		if err != nil {
			return nil, fmt.Errorf("open S3 bucket %s: %w", bucket, err)
		}
		return b, nil
	}
}

// FileOpener returns a BucketOpener over a local directory tree, one
// subdirectory per bucket.
func FileOpener(baseDir string) BucketOpener {
	return func(ctx context.Context, bucket string) (*blob.Bucket, error) {
		b, err := blob.OpenBucket(ctx, "file://"+baseDir+"/"+bucket+"?create_dir=true")
		if err != nil {
			return nil, fmt.Errorf("open local bucket %s: %w", bucket, err)
		}
		return b, nil
	}
}

// NewOpener selects a bucket opener from configuration.
func NewOpener(cfg Config) (BucketOpener, error) {
	switch cfg.Backend {
	case "s3", "":
		return S3Opener(cfg), nil
	case "file":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for file backend")
		}
		return FileOpener(cfg.LocalDir), nil
	default:
		return nil, fmt.Errorf("unknown object store backend: %s", cfg.Backend)
	}
}

// BlobClient implements Client over gocloud.dev blob buckets. Bucket handles
// are opened lazily and cached per bucket name.
type BlobClient struct {
	open BucketOpener
	log  *slog.Logger

	mu      sync.Mutex
	buckets map[string]*blob.Bucket
}

// New creates a client backed by the given opener.
func New(open BucketOpener) *BlobClient {
	return &BlobClient{
		open:    open,
		log:     slog.With("component", "objectstore"),
		buckets: make(map[string]*blob.Bucket),
	}
}

func (c *BlobClient) bucket(ctx context.Context, name string) (*blob.Bucket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.buckets[name]; ok {
		return b, nil
	}
	b, err := c.open(ctx, name)
	if err != nil {
		return nil, err
	}
	c.buckets[name] = b
	return b, nil
}

// List walks the paginated listing for the prefix and collects key and size
// for every object.
func (c *BlobClient) List(ctx context.Context, bucket, prefix string) ([]relation.FileRecord, error) {
	b, err := c.bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}

	var files []relation.FileRecord
	iter := b.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, err)
		}
		if obj.IsDir {
			continue
		}
		files = append(files, relation.FileRecord{Key: obj.Key, Size: uint64(obj.Size)})
	}
	return files, nil
}

// Get reads an object in full.
func (c *BlobClient) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	b, err := c.bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	data, err := b.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// Put writes an object in full.
func (c *BlobClient) Put(ctx context.Context, bucket, key string, data []byte) error {
	b, err := c.bucket(ctx, bucket)
	if err != nil {
		return err
	}

	w, err := b.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s/%s: %w", bucket, key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write %s/%s: %w", bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Delete removes one object, treating missing keys as already deleted.
func (c *BlobClient) Delete(ctx context.Context, bucket, key string) error {
	b, err := c.bucket(ctx, bucket)
	if err != nil {
		return err
	}
	if err := b.Delete(ctx, key); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil
		}
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

// DeleteMany removes objects in request-capped batches.
func (c *BlobClient) DeleteMany(ctx context.Context, bucket string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	for _, r := range sizing.SplitIndices(len(keys), deleteBatchSize) {
		batch := keys[r.Lo:r.Hi]
		c.log.Info("deleting objects", "bucket", bucket, "count", len(batch))
		for _, key := range batch {
			if err := c.Delete(ctx, bucket, key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close releases all cached bucket handles.
func (c *BlobClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for name, b := range c.buckets {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close bucket %s: %w", name, err)
		}
		delete(c.buckets, name)
	}
	return firstErr
}
