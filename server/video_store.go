package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	videoKeyPrefix = "video/"
	videoSeqKey    = "seq/video"
)

// videoItem is the persisted form of a video. Likers and the like count live in
// the same value so a single write publishes both.
type videoItem struct {
	ID          VideoID          `msgpack:"id"`
	Title       string           `msgpack:"title"`
	Duration    int64            `msgpack:"duration"`
	Location    string           `msgpack:"location,omitempty"`
	Subject     string           `msgpack:"subject,omitempty"`
	ContentType string           `msgpack:"content_type,omitempty"`
	DataURL     string           `msgpack:"data_url"`
	LikeCount   int64            `msgpack:"like_count"`
	Likers      map[string]int64 `msgpack:"likers,omitempty"` // user id -> liked at (unix)
	CreatedAt   int64            `msgpack:"created_at"`
	UpdatedAt   int64            `msgpack:"updated_at"`
}

func (it *videoItem) toVideo() *Video {
	return &Video{
		ID:          it.ID,
		Title:       it.Title,
		Duration:    it.Duration,
		Location:    it.Location,
		Subject:     it.Subject,
		ContentType: it.ContentType,
		DataURL:     it.DataURL,
		LikeCount:   it.LikeCount,
	}
}

func (it *videoItem) likers() []string {
	users := make([]string, 0, len(it.Likers))
	for u := range it.Likers {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func videoKey(id VideoID) string {
	return videoKeyPrefix + strconv.FormatInt(int64(id), 10)
}

// VideoStore is the video metadata store, kept on any KVStore
type VideoStore struct {
	kv            KVStore
	dataURLPrefix string
	newBackOff    func() backoff.BackOff
}

var _ Metadata = (*VideoStore)(nil)

// NewVideoStore creates a store whose records get
// dataUrl = publicURL + "/video/{id}/data".
func NewVideoStore(kv KVStore, publicURL string) *VideoStore {
	return &VideoStore{
		kv:            kv,
		dataURLPrefix: strings.TrimRight(publicURL, "/") + "/video/",
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 2 * time.Millisecond
			b.MaxInterval = 100 * time.Millisecond
			b.MaxElapsedTime = 0 // bounded by the caller's context instead
			return b
		},
	}
}

// CreateVideo stores a new record. The id, dataUrl and like count of video are
// ignored and assigned by the store.
func (s *VideoStore) CreateVideo(ctx context.Context, video *Video) (*Video, error) {
	if video.Duration < 0 {
		return nil, fmt.Errorf("duration must not be negative: %d", video.Duration)
	}
	id, err := s.nextID(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	item := &videoItem{
		ID:          id,
		Title:       video.Title,
		Duration:    video.Duration,
		Location:    video.Location,
		Subject:     video.Subject,
		ContentType: video.ContentType,
		DataURL:     s.dataURLPrefix + strconv.FormatInt(int64(id), 10) + "/data",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	data, err := msgpack.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal video: %w", err)
	}
	// ids are never handed out twice, so nothing else can be writing this key
	if _, err := s.kv.Put(ctx, videoKey(id), data); err != nil {
		return nil, fmt.Errorf("%w: failed to store video %d: %w", ErrIOFailure, id, err)
	}
	return item.toVideo(), nil
}

// GetVideo returns the record for id or ErrNotFound
func (s *VideoStore) GetVideo(ctx context.Context, id VideoID) (*Video, error) {
	video, _, err := s.GetVideoVersion(ctx, id)
	return video, err
}

// GetVideoVersion returns the record for id with the store version it was
// read at. Versions of one record only grow.
func (s *VideoStore) GetVideoVersion(ctx context.Context, id VideoID) (*Video, int64, error) {
	item, version, err := s.load(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	return item.toVideo(), version, nil
}

// Likers returns the sorted ids of the users who like video id
func (s *VideoStore) Likers(ctx context.Context, id VideoID) ([]string, error) {
	item, _, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return item.likers(), nil
}

// QueryVideos lists records ordered by id. A nil query lists everything.
func (s *VideoStore) QueryVideos(ctx context.Context, query *VideoQuery) ([]*Video, error) {
	entries, err := s.kv.Scan(ctx, videoKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to scan videos: %w", ErrIOFailure, err)
	}

	videos := make([]*Video, 0, len(entries))
	for _, e := range entries {
		var item videoItem
		if err := msgpack.Unmarshal(e.Value, &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", e.Key, err)
		}
		if !query.matches(&item) {
			continue
		}
		videos = append(videos, item.toVideo())
	}
	// keys sort lexically, ids numerically
	sort.Slice(videos, func(i, j int) bool { return videos[i].ID < videos[j].ID })
	return videos, nil
}

func (q *VideoQuery) matches(it *videoItem) bool {
	if q == nil {
		return true
	}
	if q.TitleContains != "" && !strings.Contains(it.Title, q.TitleContains) {
		return false
	}
	if q.HasDurationLessThan && it.Duration >= q.DurationLessThan {
		return false
	}
	return true
}

func (s *VideoStore) load(ctx context.Context, id VideoID) (*videoItem, int64, error) {
	if id <= 0 {
		return nil, 0, ErrNotFound
	}
	data, version, err := s.kv.Get(ctx, videoKey(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("%w: failed to read video %d: %w", ErrIOFailure, id, err)
	}
	var item videoItem
	if err := msgpack.Unmarshal(data, &item); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal video %d: %w", id, err)
	}
	return &item, version, nil
}

// update applies fn to the current record and writes the result with
// CompareAndSwap, re-reading and re-applying fn when another writer won.
// An error from fn aborts without writing. The written record is returned with
// its new version.
func (s *VideoStore) update(ctx context.Context, id VideoID, fn func(*videoItem) error) (*videoItem, int64, error) {
	var result *videoItem
	var written int64
	op := func() error {
		item, version, err := s.load(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := fn(item); err != nil {
			return backoff.Permanent(err)
		}
		item.UpdatedAt = time.Now().Unix()
		data, err := msgpack.Marshal(item)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to marshal video %d: %w", id, err))
		}
		v, err := s.kv.CompareAndSwap(ctx, videoKey(id), version, data)
		if err != nil {
			if errors.Is(err, ErrVersionMismatch) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("%w: failed to write video %d: %w", ErrIOFailure, id, err))
		}
		result, written = item, v
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(s.newBackOff(), ctx)); err != nil {
		return nil, 0, err
	}
	return result, written, nil
}

// nextID increments the persisted id counter. Ids start at 1.
func (s *VideoStore) nextID(ctx context.Context) (VideoID, error) {
	var id VideoID
	op := func() error {
		var current, version int64
		data, v, err := s.kv.Get(ctx, videoSeqKey)
		switch {
		case errors.Is(err, ErrNotFound):
		case err != nil:
			return backoff.Permanent(fmt.Errorf("%w: failed to read id counter: %w", ErrIOFailure, err))
		default:
			version = v
			if current, err = strconv.ParseInt(string(data), 10, 64); err != nil {
				return backoff.Permanent(fmt.Errorf("corrupt id counter %q: %w", data, err))
			}
		}

		next := current + 1
		if _, err := s.kv.CompareAndSwap(ctx, videoSeqKey, version, []byte(strconv.FormatInt(next, 10))); err != nil {
			if errors.Is(err, ErrVersionMismatch) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("%w: failed to advance id counter: %w", ErrIOFailure, err))
		}
		id = VideoID(next)
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(s.newBackOff(), ctx)); err != nil {
		return 0, err
	}
	return id, nil
}
