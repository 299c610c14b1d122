package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore keeps blobs on the local filesystem under a root directory.
type LocalStore struct {
	root          string
	publicBaseURL string
}

// NewLocalStore prepares the root directory. When publicBaseURL is empty, object URLs use the file scheme.
func NewLocalStore(root, publicBaseURL string) (*LocalStore, error) {
	trimmedRoot := strings.TrimSpace(root)
	if trimmedRoot == "" {
		return nil, errors.New("storage: local root is required")
	}
	absolute, err := filepath.Abs(trimmedRoot)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	if err := os.MkdirAll(absolute, 0o750); err != nil {
		return nil, fmt.Errorf("storage: create root: %w", err)
	}
	return &LocalStore{root: absolute, publicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")}, nil
}

// Put implements BlobStore.
func (s *LocalStore) Put(ctx context.Context, key, _ string, body io.Reader) (StoredObject, error) {
	if err := validateKey(key); err != nil {
		return StoredObject{}, err
	}
	if err := ctx.Err(); err != nil {
		return StoredObject{}, err
	}
	target := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return StoredObject{}, fmt.Errorf("storage: create directory: %w", err)
	}
	file, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if errors.Is(err, os.ErrExist) {
		return StoredObject{}, fmt.Errorf("%w: %s", ErrObjectExists, key)
	}
	if err != nil {
		return StoredObject{}, fmt.Errorf("storage: create %s: %w", key, err)
	}

	hash := sha256.New()
	size, copyErr := io.Copy(io.MultiWriter(file, hash), body)
	closeErr := file.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(target)
		return StoredObject{}, fmt.Errorf("storage: write %s: %w", key, errors.Join(copyErr, closeErr))
	}
	return StoredObject{
		Key:            key,
		URL:            s.objectURL(key, target),
		Size:           size,
		ChecksumSHA256: hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

func (s *LocalStore) objectURL(key, target string) string {
	if s.publicBaseURL != "" {
		return s.publicBaseURL + "/" + key
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(target)}).String()
}
