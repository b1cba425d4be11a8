package server

import (
	"context"
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func newMockDocumentDBKV(mt *mtest.T) *DocumentDBKV {
	return &DocumentDBKV{client: mt.Client, coll: mt.Coll}
}

func TestDocumentDBKV_Get(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("success", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "test.kv", mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "video/1"},
			{Key: "v", Value: int64(3)},
			{Key: "d", Value: []byte("payload")},
		}))

		data, version, err := newMockDocumentDBKV(mt).Get(context.Background(), "video/1")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if string(data) != "payload" {
			t.Errorf("Get() data = %q, want %q", data, "payload")
		}
		if version != 3 {
			t.Errorf("Get() version = %d, want 3", version)
		}
	})

	mt.Run("not found", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "test.kv", mtest.FirstBatch))

		_, _, err := newMockDocumentDBKV(mt).Get(context.Background(), "video/9")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("Get() error = %v, want ErrNotFound", err)
		}
	})
}

func TestDocumentDBKV_Put(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("returns new version", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "value", Value: bson.D{
			{Key: "_id", Value: "video/1"},
			{Key: "v", Value: int64(5)},
			{Key: "d", Value: []byte("payload")},
		}}))

		version, err := newMockDocumentDBKV(mt).Put(context.Background(), "video/1", []byte("payload"))
		if err != nil {
			t.Fatalf("Put() error = %v", err)
		}
		if version != 5 {
			t.Errorf("Put() version = %d, want 5", version)
		}
	})
}

func TestDocumentDBKV_CompareAndSwap(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("create", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		version, err := newMockDocumentDBKV(mt).CompareAndSwap(context.Background(), "seq/video", 0, []byte("1"))
		if err != nil {
			t.Fatalf("CompareAndSwap() error = %v", err)
		}
		if version != 1 {
			t.Errorf("CompareAndSwap() version = %d, want 1", version)
		}
	})

	mt.Run("create existing", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "duplicate key error",
		}))

		_, err := newMockDocumentDBKV(mt).CompareAndSwap(context.Background(), "seq/video", 0, []byte("1"))
		if !errors.Is(err, ErrVersionMismatch) {
			t.Errorf("CompareAndSwap() error = %v, want ErrVersionMismatch", err)
		}
	})

	mt.Run("update", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))

		version, err := newMockDocumentDBKV(mt).CompareAndSwap(context.Background(), "video/1", 4, []byte("x"))
		if err != nil {
			t.Fatalf("CompareAndSwap() error = %v", err)
		}
		if version != 5 {
			t.Errorf("CompareAndSwap() version = %d, want 5", version)
		}
	})

	mt.Run("stale version", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 0},
			bson.E{Key: "nModified", Value: 0},
		))

		_, err := newMockDocumentDBKV(mt).CompareAndSwap(context.Background(), "video/1", 4, []byte("x"))
		if !errors.Is(err, ErrVersionMismatch) {
			t.Errorf("CompareAndSwap() error = %v, want ErrVersionMismatch", err)
		}
	})
}

func TestDocumentDBKV_Scan(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("success", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "test.kv", mtest.FirstBatch,
			bson.D{{Key: "_id", Value: "video/1"}, {Key: "v", Value: int64(1)}, {Key: "d", Value: []byte("a")}},
			bson.D{{Key: "_id", Value: "video/2"}, {Key: "v", Value: int64(2)}, {Key: "d", Value: []byte("b")}},
		))

		entries, err := newMockDocumentDBKV(mt).Scan(context.Background(), "video/")
		if err != nil {
			t.Fatalf("Scan() error = %v", err)
		}
		if len(entries) != 2 {
			t.Fatalf("Scan() returned %d entries, want 2", len(entries))
		}
		if entries[0].Key != "video/1" || entries[1].Key != "video/2" {
			t.Errorf("Scan() keys = %q, %q", entries[0].Key, entries[1].Key)
		}
		if entries[1].Version != 2 || string(entries[1].Value) != "b" {
			t.Errorf("Scan() entry = %+v", entries[1])
		}
	})
}
