// Package outputs offloads large job outputs to object storage and keeps a
// reference on the job row.
package outputs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/blockflow-labs/blockflow-go/internal/domain"
	"github.com/blockflow-labs/blockflow-go/internal/platform/env"
	"github.com/minio/minio-go/v7"
)

const DefaultInlineLimit = 256 * 1024

var ErrNotFound = errors.New("output not found")

// Blob stores serialized outputs.
type Blob interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

type Config struct {
	InlineLimit int
}

func ConfigFromEnv() (Config, error) {
	limit, err := env.Int("JOB_OUTPUT_INLINE_LIMIT_BYTES", DefaultInlineLimit)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{InlineLimit: limit}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.InlineLimit < 0 {
		return errors.New("JOB_OUTPUT_INLINE_LIMIT_BYTES must be >= 0")
	}
	return nil
}

// Store decides between inline and offloaded outputs. A nil Blob keeps every
// output inline.
type Store struct {
	blob  Blob
	limit int
}

func NewStore(blob Blob, cfg Config) *Store {
	limit := cfg.InlineLimit
	if limit <= 0 {
		limit = DefaultInlineLimit
	}
	return &Store{blob: blob, limit: limit}
}

func objectKey(jobID string) string {
	return "jobs/" + strings.TrimSpace(jobID) + "/output.json"
}

// Save returns the output to keep inline and, when offloaded, the object
// reference. Offloaded outputs are replaced by a small stub.
func (s *Store) Save(ctx context.Context, jobID string, output domain.Metadata) (domain.Metadata, string, error) {
	if s == nil || s.blob == nil || output == nil {
		return output, "", nil
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return nil, "", fmt.Errorf("encode output: %w", err)
	}
	if len(raw) <= s.limit {
		return output, "", nil
	}
	key := objectKey(jobID)
	if err := s.blob.Put(ctx, key, raw); err != nil {
		return nil, "", fmt.Errorf("store output: %w", err)
	}
	return domain.Metadata{"offloaded": true, "sizeBytes": len(raw)}, key, nil
}

// Load resolves an offloaded output by reference.
func (s *Store) Load(ctx context.Context, ref string) (domain.Metadata, error) {
	if s == nil || s.blob == nil {
		return nil, ErrNotFound
	}
	raw, err := s.blob.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	var out domain.Metadata
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	return out, nil
}

type MinIOBlob struct {
	client *minio.Client
	bucket string
}

func NewMinIOBlob(client *minio.Client, bucket string) *MinIOBlob {
	if client == nil {
		return nil
	}
	return &MinIOBlob{client: client, bucket: bucket}
}

func (b *MinIOBlob) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	return err
}

func (b *MinIOBlob) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

type MemoryBlob struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryBlob() *MemoryBlob {
	return &MemoryBlob{objects: make(map[string][]byte)}
}

func (b *MemoryBlob) Put(_ context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = append([]byte(nil), data...)
	return nil
}

func (b *MemoryBlob) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}
