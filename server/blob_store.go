package server

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// BlobStore defines the interface for video payload backends.
// Put must publish atomically: readers see the previous blob or the new one
// in full, never a prefix, even if data fails or ctx is cancelled midway.
type BlobStore interface {
	// Put stores everything read from data as the blob for id
	Put(ctx context.Context, id VideoID, data io.Reader) error

	// Exists reports whether a completed Put happened for id
	Exists(ctx context.Context, id VideoID) (bool, error)

	// Get opens the blob for id, returning its size (-1 if unknown), or ErrNotFound
	Get(ctx context.Context, id VideoID) (io.ReadCloser, int64, error)
}

// DataStore ties blobs to video records: data can only be stored or read for
// a video the metadata store knows about.
type DataStore struct {
	videos Metadata
	blobs  BlobStore
}

// NewDataStore creates a DataStore
func NewDataStore(videos Metadata, blobs BlobStore) *DataStore {
	return &DataStore{videos: videos, blobs: blobs}
}

// Put replaces the data of video id with data
func (d *DataStore) Put(ctx context.Context, id VideoID, data io.Reader) error {
	if _, err := d.videos.GetVideo(ctx, id); err != nil {
		return err
	}
	if err := d.blobs.Put(ctx, id, data); err != nil {
		return fmt.Errorf("%w: failed to store data for video %d: %w", ErrIOFailure, id, err)
	}
	return nil
}

// Exists reports whether video id has data. Unknown videos have none.
func (d *DataStore) Exists(ctx context.Context, id VideoID) (bool, error) {
	if _, err := d.videos.GetVideo(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	ok, err := d.blobs.Exists(ctx, id)
	if err != nil {
		return false, fmt.Errorf("%w: failed to check data for video %d: %w", ErrIOFailure, id, err)
	}
	return ok, nil
}

// Get opens the data of video id. The caller reads it once and closes it.
func (d *DataStore) Get(ctx context.Context, id VideoID) (io.ReadCloser, int64, error) {
	if _, err := d.videos.GetVideo(ctx, id); err != nil {
		return nil, 0, err
	}
	rc, size, err := d.blobs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("%w: failed to open data for video %d: %w", ErrIOFailure, id, err)
	}
	return rc, size, nil
}

// ctxReader fails reads once ctx is done, so an abandoned upload stops
// before it can be published.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
