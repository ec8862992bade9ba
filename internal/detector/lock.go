package detector

import (
	"context"
	"hash/fnv"

	"supply-integrity/internal/storage"
)

const lockShards = 256

// shardedLocker serialises work per batch inside one process. Batches that
// hash to the same shard share a lock; memory stays bounded however many
// batches are seen.
type shardedLocker struct {
	shards [lockShards]chan struct{}
	scope  storage.BatchScope
}

func newShardedLocker(scope storage.BatchScope) *shardedLocker {
	l := &shardedLocker{scope: scope}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
		l.shards[i] <- struct{}{}
	}
	return l
}

// LockBatch waits for the batch's shard or until ctx is done.
func (l *shardedLocker) LockBatch(ctx context.Context, batchID string) (storage.BatchScope, func(), error) {
	shard := l.shards[shardIndex(batchID)]
	select {
	case <-shard:
		return l.scope, func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// stores pairs separately supplied history and alert stores into one scope.
type stores struct {
	storage.HistoryStore
	storage.AlertStore
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % lockShards
}
