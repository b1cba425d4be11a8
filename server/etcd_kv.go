package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdKV implements KVStore on etcd. The version of a key is its ModRevision,
// so CompareAndSwap is a single Txn guarded by a ModRevision compare.
type EtcdKV struct {
	client *clientv3.Client
	prefix string
}

var _ KVStore = (*EtcdKV)(nil)

// NewEtcdKV dials the comma separated endpoints
func NewEtcdKV(endpoints, prefix string, dialTimeout time.Duration) (*EtcdKV, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = "videosvc/"
	}
	return &EtcdKV{client: cli, prefix: prefix}, nil
}

func (e *EtcdKV) Get(ctx context.Context, key string) ([]byte, int64, error) {
	resp, err := e.client.Get(ctx, e.prefix+key)
	if err != nil {
		return nil, 0, fmt.Errorf("etcd get failed: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, ErrNotFound
	}
	kv := resp.Kvs[0]
	return kv.Value, kv.ModRevision, nil
}

func (e *EtcdKV) Put(ctx context.Context, key string, value []byte) (int64, error) {
	resp, err := e.client.Put(ctx, e.prefix+key, string(value))
	if err != nil {
		return 0, fmt.Errorf("etcd put failed: %w", err)
	}
	return resp.Header.Revision, nil
}

func (e *EtcdKV) CompareAndSwap(ctx context.Context, key string, expected int64, value []byte) (int64, error) {
	full := e.prefix + key
	resp, err := e.client.Txn(ctx).If(
		clientv3.Compare(clientv3.ModRevision(full), "=", expected),
	).Then(
		clientv3.OpPut(full, string(value)),
	).Commit()
	if err != nil {
		return 0, fmt.Errorf("etcd txn failed: %w", err)
	}
	if !resp.Succeeded {
		return 0, ErrVersionMismatch
	}
	return resp.Header.Revision, nil
}

func (e *EtcdKV) Scan(ctx context.Context, prefix string) ([]KVEntry, error) {
	resp, err := e.client.Get(ctx, e.prefix+prefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	)
	if err != nil {
		return nil, fmt.Errorf("etcd scan failed: %w", err)
	}
	out := make([]KVEntry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, KVEntry{
			Key:     strings.TrimPrefix(string(kv.Key), e.prefix),
			Value:   kv.Value,
			Version: kv.ModRevision,
		})
	}
	return out, nil
}

// Close closes the etcd client
func (e *EtcdKV) Close() error {
	return e.client.Close()
}
