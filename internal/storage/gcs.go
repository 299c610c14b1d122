package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCSStore keeps blobs in a Google Cloud Storage bucket.
type GCSStore struct {
	bucket        *storage.BucketHandle
	bucketName    string
	publicBaseURL string
}

// NewGCSStore wraps a bucket of an existing client.
func NewGCSStore(client *storage.Client, bucketName, publicBaseURL string) (*GCSStore, error) {
	if client == nil {
		return nil, errors.New("storage: gcs client is required")
	}
	name := strings.TrimSpace(bucketName)
	if name == "" {
		return nil, errors.New("storage: gcs bucket is required")
	}
	return &GCSStore{
		bucket:        client.Bucket(name),
		bucketName:    name,
		publicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
	}, nil
}

// Put implements BlobStore. The write carries a does-not-exist precondition.
func (s *GCSStore) Put(ctx context.Context, key, contentType string, body io.Reader) (StoredObject, error) {
	if err := validateKey(key); err != nil {
		return StoredObject{}, err
	}
	size, checksum, err := streamObject(ctx, func(writeCtx context.Context) objectWriter {
		writer := s.bucket.Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(writeCtx)
		writer.ContentType = contentType
		return writer
	}, body)
	if err != nil {
		return StoredObject{}, s.writeError(key, err)
	}
	return StoredObject{
		Key:            key,
		URL:            s.objectURL(key),
		Size:           size,
		ChecksumSHA256: checksum,
	}, nil
}

// objectWriter is the part of *storage.Writer used by streamObject.
type objectWriter interface {
	io.Writer
	Close() error
}

// streamObject streams body into a writer bound to its own context. When the copy fails the
// context is cancelled before Close, so the partial object is discarded instead of committed.
func streamObject(ctx context.Context, open func(context.Context) objectWriter, body io.Reader) (int64, string, error) {
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := open(writeCtx)
	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(writer, hash), body)
	if err != nil {
		cancel()
		_ = writer.Close()
		return 0, "", err
	}
	if err := writer.Close(); err != nil {
		return 0, "", err
	}
	return size, hex.EncodeToString(hash.Sum(nil)), nil
}

func (s *GCSStore) writeError(key string, err error) error {
	if isPreconditionFailed(err) {
		return fmt.Errorf("%w: gs://%s/%s", ErrObjectExists, s.bucketName, key)
	}
	return fmt.Errorf("storage: write gs://%s/%s: %w", s.bucketName, key, err)
}

func (s *GCSStore) objectURL(key string) string {
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + key
	}
	return fmt.Sprintf("gs://%s/%s", s.bucketName, key)
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
