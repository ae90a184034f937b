package localstore

import (
	"sync"

	"github.com/nrjones/ratelimitd/internal/bucket"
)

// entry pairs a bucket with the moment it was last touched, used by
// eviction to distinguish "idle and full" from "recently active".
type entry struct {
	b            bucket.Bucket
	lastAccessMs int64
}

// shard owns an independent mutex and its own key -> entry map. Keeping
// shards independent means contention never spreads beyond keys that
// happen to hash to the same shard.
type shard struct {
	mu      sync.Mutex
	buckets map[string]*entry
}

func newShard() *shard {
	return &shard{buckets: make(map[string]*entry)}
}
