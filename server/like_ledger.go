package server

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// LikeLedger tracks which users like which video and keeps each record's
// like count equal to the size of its liker set.
//
// Mutations of one video run one at a time inside this process (keyLocks) and
// are published with CompareAndSwap, so instances sharing a backend also agree.
type LikeLedger struct {
	videos  *VideoStore
	cache   Cache
	locks   *keyLocks
	timeout time.Duration
}

// NewLikeLedger creates a ledger on videos. timeout bounds how long one
// like/unlike may wait for and hold its video; zero means no extra bound.
func NewLikeLedger(videos *VideoStore, cache Cache, timeout time.Duration) *LikeLedger {
	if cache == nil {
		cache = &NoOpCache{}
	}
	return &LikeLedger{
		videos:  videos,
		cache:   cache,
		locks:   newKeyLocks(),
		timeout: timeout,
	}
}

// Like adds user to the likers of id and returns the new like count.
// It fails with ErrNotFound for an unknown video and ErrAlreadyLiked
// (an ErrConflict) when user already likes it.
func (l *LikeLedger) Like(ctx context.Context, id VideoID, user string) (int64, error) {
	return l.mutate(ctx, id, func(it *videoItem) error {
		if _, ok := it.Likers[user]; ok {
			return ErrAlreadyLiked
		}
		if it.Likers == nil {
			it.Likers = make(map[string]int64)
		}
		it.Likers[user] = time.Now().Unix()
		return nil
	})
}

// Unlike removes user from the likers of id and returns the new like count.
// It fails with ErrNotFound for an unknown video and ErrNotLiked
// (an ErrConflict) when user does not like it.
func (l *LikeLedger) Unlike(ctx context.Context, id VideoID, user string) (int64, error) {
	return l.mutate(ctx, id, func(it *videoItem) error {
		if _, ok := it.Likers[user]; !ok {
			return ErrNotLiked
		}
		delete(it.Likers, user)
		return nil
	})
}

// Likers returns the users who like id, sorted.
func (l *LikeLedger) Likers(ctx context.Context, id VideoID) ([]string, error) {
	return l.videos.Likers(ctx, id)
}

func (l *LikeLedger) mutate(ctx context.Context, id VideoID, change func(*videoItem) error) (int64, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	// unknown ids must report ErrNotFound, not wait behind other callers
	if _, err := l.videos.GetVideo(ctx, id); err != nil {
		return 0, err
	}

	unlock, err := l.locks.Lock(ctx, id)
	if err != nil {
		return 0, err
	}
	defer unlock()

	item, version, err := l.videos.update(ctx, id, func(it *videoItem) error {
		if err := change(it); err != nil {
			return err
		}
		it.LikeCount = int64(len(it.Likers))
		return nil
	})
	if err != nil {
		return 0, err
	}

	// still under the lock, so this process publishes its versions in order
	if err := l.cache.SetVideo(ctx, item.toVideo(), version); err != nil {
		log.WithError(err).WithField("video_id", id).Warn("failed to refresh cached video")
		if err := l.cache.DeleteVideo(ctx, id); err != nil {
			log.WithError(err).WithField("video_id", id).Warn("failed to invalidate cached video")
		}
	}
	return item.LikeCount, nil
}
