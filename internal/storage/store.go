// Package storage persists uploaded redline documents in a blob store
// and inspects them before they are attached to a version.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const maxObjectNameLength = 120

var (
	// ErrObjectExists is returned when a key is already taken. Stored objects are never overwritten.
	ErrObjectExists = errors.New("storage: object already exists")
	// ErrInvalidKey indicates an empty or unsafe object key.
	ErrInvalidKey = errors.New("storage: invalid object key")

	unsafeNameCharacters = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	repeatedDots         = regexp.MustCompile(`\.{2,}`)
)

// StoredObject describes a blob after it has been written.
type StoredObject struct {
	Key            string
	URL            string
	Size           int64
	ChecksumSHA256 string
}

// BlobStore writes immutable objects.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader) (StoredObject, error)
}

// ObjectKey builds a collision-free key for a redline document of a job.
func ObjectKey(jobID, fileName string) (string, error) {
	job := sanitizeSegment(jobID)
	if job == "" {
		return "", fmt.Errorf("%w: empty job id", ErrInvalidKey)
	}
	name := sanitizeSegment(path.Base(strings.ReplaceAll(fileName, "\\", "/")))
	if name == "" || name == "." || name == ".." {
		name = "document"
	}
	if len(name) > maxObjectNameLength {
		name = name[len(name)-maxObjectNameLength:]
	}
	unique, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("storage: generate key: %w", err)
	}
	return fmt.Sprintf("jobs/%s/redlines/%s/%s", job, unique.String(), name), nil
}

func sanitizeSegment(raw string) string {
	cleaned := unsafeNameCharacters.ReplaceAllString(strings.TrimSpace(raw), "_")
	cleaned = repeatedDots.ReplaceAllString(cleaned, ".")
	return strings.Trim(cleaned, "_")
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
