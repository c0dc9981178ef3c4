// Package cpu provides the "current core" hint used to shard per-CPU
// pools throughout the engine (object storage, memory manager, commit
// staging queues). Go exposes neither the OS thread id nor the
// scheduler's P id, so this package uses an atomic round-robin counter
// instead, which gives the same property core-pinning would — requests
// fan out roughly evenly across shards — without depending on runtime
// internals.
package cpu

import (
	"runtime"
	"sync/atomic"
)

var rr atomic.Uint64

// Count returns the number of per-CPU shards the engine should maintain.
func Count() int {
	n := runtime.GOMAXPROCS(0)
	if n < 1 {
		n = 1
	}
	return n
}

// Current returns a shard index in [0, Count()), distributing callers
// round-robin. Call once per operation (e.g. once per transaction
// begin) and reuse the result, rather than calling it per access within
// the same operation — that would defeat the locality the sharding is
// for.
func Current() int {
	n := Count()
	v := rr.Add(1)
	return int(v % uint64(n))
}
