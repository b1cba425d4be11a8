package server

import (
	"context"
)

// Cache defines the interface for caching video records.
//
// Entries carry the store version they were read at. SetVideo never replaces
// an entry with an older version, so a slow reader cannot put back a record
// that a later write already superseded.
type Cache interface {
	GetVideo(ctx context.Context, id VideoID) (*Video, error)
	SetVideo(ctx context.Context, video *Video, version int64) error
	DeleteVideo(ctx context.Context, id VideoID) error
}

// NoOpCache implements the Cache interface but does nothing
type NoOpCache struct{}

// GetVideo returns a not found error
func (c *NoOpCache) GetVideo(ctx context.Context, id VideoID) (*Video, error) {
	return nil, ErrNotFound
}

// SetVideo does nothing
func (c *NoOpCache) SetVideo(ctx context.Context, video *Video, version int64) error {
	return nil
}

// DeleteVideo does nothing
func (c *NoOpCache) DeleteVideo(ctx context.Context, id VideoID) error {
	return nil
}
