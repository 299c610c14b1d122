package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

const (
	defaultContentType = "application/octet-stream"
	maxParallelWrites  = 4
)

// Upload is one document received from a client.
type Upload struct {
	FileName    string
	ContentType string
	Open        func() (io.ReadSeekCloser, error)
}

// StoredFile is an Upload after it has been written to the blob store.
type StoredFile struct {
	StoredObject
	FileName    string
	ContentType string
	PageCount   *int
}

// StoreAll writes the uploads of one job concurrently and returns them in input order.
// PDF documents are inspected before they are written so that unreadable PDFs are refused.
func StoreAll(ctx context.Context, store BlobStore, jobID string, uploads []Upload) ([]StoredFile, error) {
	stored := make([]StoredFile, len(uploads))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxParallelWrites)

	for index := range uploads {
		group.Go(func() error {
			file, err := storeOne(groupCtx, store, jobID, uploads[index])
			if err != nil {
				return fmt.Errorf("file %d (%s): %w", index, uploads[index].FileName, err)
			}
			stored[index] = file
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return stored, nil
}

func storeOne(ctx context.Context, store BlobStore, jobID string, upload Upload) (StoredFile, error) {
	if upload.Open == nil {
		return StoredFile{}, fmt.Errorf("storage: upload %q has no content", upload.FileName)
	}
	contentType := resolveContentType(upload.FileName, upload.ContentType)
	content, err := upload.Open()
	if err != nil {
		return StoredFile{}, fmt.Errorf("storage: open upload: %w", err)
	}
	defer content.Close()

	pageCount, err := InspectPDF(content, contentType)
	if err != nil {
		return StoredFile{}, err
	}
	key, err := ObjectKey(jobID, upload.FileName)
	if err != nil {
		return StoredFile{}, err
	}
	object, err := store.Put(ctx, key, contentType, content)
	if err != nil {
		return StoredFile{}, err
	}
	return StoredFile{
		StoredObject: object,
		FileName:     strings.TrimSpace(upload.FileName),
		ContentType:  contentType,
		PageCount:    pageCount,
	}, nil
}

// resolveContentType prefers the declared type and falls back to the file extension.
func resolveContentType(fileName, declared string) string {
	trimmed := strings.TrimSpace(declared)
	if trimmed != "" && trimmed != defaultContentType {
		return trimmed
	}
	if byExtension := mime.TypeByExtension(strings.ToLower(filepath.Ext(fileName))); byExtension != "" {
		return byExtension
	}
	return defaultContentType
}
