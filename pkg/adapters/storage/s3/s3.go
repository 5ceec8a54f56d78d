package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/aescanero/constellation/pkg/constellation"
	"github.com/aescanero/constellation/pkg/ports"
)

// Options locate the bucket holding constellation documents.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

// StateStorage stores one JSON object per constellation in an
// S3-compatible bucket.
type StateStorage struct {
	client *minio.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// New connects to the endpoint. It does not touch the network; call
// EnsureBucket before first use.
func New(opts Options, logger *zap.Logger) (*StateStorage, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}
	return NewStateStorage(client, opts.Bucket, opts.Prefix, logger), nil
}

// NewStateStorage wraps an existing client.
func NewStateStorage(client *minio.Client, bucket, prefix string, logger *zap.Logger) *StateStorage {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &StateStorage{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// EnsureBucket creates the bucket if it does not exist.
func (s *StateStorage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	s.logger.Info("bucket created", zap.String("bucket", s.bucket))
	return nil
}

// Save writes the document object.
func (s *StateStorage) Save(ctx context.Context, doc *constellation.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal constellation: %w", err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, s.objectKey(doc.ID), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to put constellation %s: %w", doc.ID, err)
	}
	s.logger.Debug("constellation saved",
		zap.String("constellation_id", doc.ID),
		zap.String("bucket", s.bucket))
	return nil
}

// Load reads the document object.
func (s *StateStorage) Load(ctx context.Context, id string) (*constellation.Document, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.objectKey(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrapMissing(id, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.wrapMissing(id, err)
	}

	var doc constellation.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal constellation: %w", err)
	}
	return &doc, nil
}

// Delete removes the document object.
func (s *StateStorage) Delete(ctx context.Context, id string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, s.objectKey(id), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete constellation %s: %w", id, err)
	}
	return nil
}

// Exists stats the document object.
func (s *StateStorage) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.objectKey(id), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat constellation %s: %w", id, err)
}

// List returns the IDs of all stored documents.
func (s *StateStorage) List(ctx context.Context) ([]string, error) {
	var ids []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list constellations: %w", obj.Err)
		}
		if id, ok := s.idFromKey(obj.Key); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *StateStorage) objectKey(id string) string {
	return s.prefix + id + ".json"
}

func (s *StateStorage) idFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, s.prefix) || !strings.HasSuffix(key, ".json") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, s.prefix), ".json")
	return id, id != "" && !strings.Contains(id, "/")
}

func (s *StateStorage) wrapMissing(id string, err error) error {
	if isNoSuchKey(err) {
		return fmt.Errorf("%w: %s", ports.ErrNotFound, id)
	}
	return fmt.Errorf("failed to get constellation %s: %w", id, err)
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}
