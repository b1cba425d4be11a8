package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

const fsBlobName = "data"

// FSBlobStore implements BlobStore on the local filesystem, one file per
// video under baseDir/<id>/data. Uploads are written to a temp file in the
// same directory and renamed into place.
type FSBlobStore struct {
	baseDir string
}

var _ BlobStore = (*FSBlobStore)(nil)

// NewFSBlobStore returns a filesystem blob store rooted at baseDir
func NewFSBlobStore(baseDir string) (*FSBlobStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base dir: %w", err)
	}
	return &FSBlobStore{baseDir: baseDir}, nil
}

func (s *FSBlobStore) path(id VideoID) string {
	return filepath.Join(s.baseDir, strconv.FormatInt(int64(id), 10), fsBlobName)
}

// Put streams data into a temp file and renames it over the current blob
func (s *FSBlobStore) Put(ctx context.Context, id VideoID, data io.Reader) (err error) {
	final := s.path(id)
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create content directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, &ctxReader{ctx: ctx, r: data}); err != nil {
		return fmt.Errorf("failed to copy upload: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync upload: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close upload: %w", err)
	}
	if err = ctx.Err(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("failed to publish upload: %w", err)
	}
	return nil
}

// Exists reports whether a blob has been published for id
func (s *FSBlobStore) Exists(ctx context.Context, id VideoID) (bool, error) {
	_, err := os.Stat(s.path(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Get opens the blob for id. An open blob keeps its content even if a later
// Put replaces it.
func (s *FSBlobStore) Get(ctx context.Context, id VideoID) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, info.Size(), nil
}
