package server

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPublicURL = "http://videos.test"

func newTestVideoStore() *VideoStore {
	return NewVideoStore(NewMemoryKV(), testPublicURL+"/")
}

func TestVideoStore_CreateVideo(t *testing.T) {
	ctx := context.Background()
	s := newTestVideoStore()

	got, err := s.CreateVideo(ctx, &Video{
		ID:        42,
		Title:     "Intro",
		Duration:  120,
		Location:  "somewhere",
		Subject:   "testing",
		DataURL:   "ignored",
		LikeCount: 7,
	})
	require.NoError(t, err)

	want := &Video{
		ID:        1,
		Title:     "Intro",
		Duration:  120,
		Location:  "somewhere",
		Subject:   "testing",
		DataURL:   "http://videos.test/video/1/data",
		LikeCount: 0,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("CreateVideo() mismatch (-want +got):\n%s", diff)
	}

	stored, err := s.GetVideo(ctx, 1)
	require.NoError(t, err)
	if diff := cmp.Diff(want, stored); diff != "" {
		t.Errorf("GetVideo() mismatch (-want +got):\n%s", diff)
	}
}

func TestVideoStore_CreateVideo_NegativeDuration(t *testing.T) {
	_, err := newTestVideoStore().CreateVideo(context.Background(), &Video{Title: "bad", Duration: -1})
	assert.Error(t, err)
}

func TestVideoStore_SequentialIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestVideoStore()

	for want := VideoID(1); want <= 5; want++ {
		v, err := s.CreateVideo(ctx, &Video{Title: "v"})
		require.NoError(t, err)
		assert.Equal(t, want, v.ID)
	}
}

func TestVideoStore_ConcurrentIDsAreUnique(t *testing.T) {
	ctx := context.Background()
	s := newTestVideoStore()

	const n = 50
	ids := make([]VideoID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.CreateVideo(ctx, &Video{Title: "v"})
			if assert.NoError(t, err) {
				ids[i] = v.ID
			}
		}(i)
	}
	wg.Wait()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i, id := range ids {
		assert.Equal(t, VideoID(i+1), id)
	}
}

func TestVideoStore_VersionsGrow(t *testing.T) {
	ctx := context.Background()
	s := newTestVideoStore()

	v, err := s.CreateVideo(ctx, &Video{Title: "v"})
	require.NoError(t, err)
	_, before, err := s.GetVideoVersion(ctx, v.ID)
	require.NoError(t, err)

	_, written, err := s.update(ctx, v.ID, func(it *videoItem) error { return nil })
	require.NoError(t, err)
	assert.Greater(t, written, before)

	_, after, err := s.GetVideoVersion(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, written, after)
}

func TestVideoStore_GetVideo_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestVideoStore()

	for _, id := range []VideoID{-1, 0, 1, 99} {
		_, err := s.GetVideo(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound, "id %d", id)
	}
}

func TestVideoStore_QueryVideos(t *testing.T) {
	ctx := context.Background()
	s := newTestVideoStore()

	// more than nine records so lexical key order differs from id order
	titles := []string{
		"Go basics", "Go concurrency", "Rust", "Go testing", "Cooking",
		"Gophers", "Music", "Go modules", "Art", "Go generics", "Go tooling",
	}
	for i, title := range titles {
		_, err := s.CreateVideo(ctx, &Video{Title: title, Duration: int64(i * 10)})
		require.NoError(t, err)
	}

	all, err := s.QueryVideos(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, len(titles))
	for i, v := range all {
		assert.Equal(t, VideoID(i+1), v.ID)
	}

	byTitle, err := s.QueryVideos(ctx, &VideoQuery{TitleContains: "Go "})
	require.NoError(t, err)
	assert.Equal(t, []VideoID{1, 2, 4, 8, 10, 11}, videoIDs(byTitle))

	short, err := s.QueryVideos(ctx, &VideoQuery{DurationLessThan: 30, HasDurationLessThan: true})
	require.NoError(t, err)
	assert.Equal(t, []VideoID{1, 2, 3}, videoIDs(short))

	// a zero bound is still a bound
	none, err := s.QueryVideos(ctx, &VideoQuery{HasDurationLessThan: true})
	require.NoError(t, err)
	assert.Empty(t, none)

	both, err := s.QueryVideos(ctx, &VideoQuery{TitleContains: "Go", DurationLessThan: 50, HasDurationLessThan: true})
	require.NoError(t, err)
	assert.Equal(t, []VideoID{1, 2, 4}, videoIDs(both))
}

func TestVideoStore_UpdateRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	kv := &racingKV{KVStore: NewMemoryKV(), races: 3}
	s := NewVideoStore(kv, testPublicURL)

	v, err := s.CreateVideo(ctx, &Video{Title: "v"})
	require.NoError(t, err)

	kv.armed = true
	calls := 0
	item, _, err := s.update(ctx, v.ID, func(it *videoItem) error {
		calls++
		it.Title = "renamed"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", item.Title)
	assert.Equal(t, 4, calls)
}

func TestVideoStore_UpdateStopsOnCancel(t *testing.T) {
	kv := &racingKV{KVStore: NewMemoryKV(), races: -1}
	s := NewVideoStore(kv, testPublicURL)

	v, err := s.CreateVideo(context.Background(), &Video{Title: "v"})
	require.NoError(t, err)

	kv.armed = true
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, _, err = s.update(ctx, v.ID, func(it *videoItem) error {
		calls++
		if calls == 3 {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func videoIDs(videos []*Video) []VideoID {
	ids := make([]VideoID, 0, len(videos))
	for _, v := range videos {
		ids = append(ids, v.ID)
	}
	return ids
}

// racingKV fails the next races CompareAndSwap calls once armed, as if
// another writer got there first. A negative count never stops failing.
type racingKV struct {
	KVStore
	mu    sync.Mutex
	armed bool
	races int
}

func (r *racingKV) CompareAndSwap(ctx context.Context, key string, expected int64, value []byte) (int64, error) {
	r.mu.Lock()
	lose := r.armed && r.races != 0
	if lose && r.races > 0 {
		r.races--
	}
	r.mu.Unlock()
	if lose {
		return 0, ErrVersionMismatch
	}
	return r.KVStore.CompareAndSwap(ctx, key, expected, value)
}
