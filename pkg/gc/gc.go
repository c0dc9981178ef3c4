// Package gc implements the engine's garbage collector: it tracks the
// set of active transactions to compute the oldest observable read
// version, queues every committed transaction's write set until no
// active reader could still need the versions it superseded, and then
// drains that queue through a small worker pool that calls back into
// the class, inverse-reference, and index packages to actually free
// the stale versions (spec.md §4.9).
//
// Grounded on Jekaa-go-mvcc-map's background-GC-goroutine-keyed-off-
// oldest-active-snapshot pattern (see DESIGN.md), generalized from a
// single map's snapshot list to the engine's class/inverse-ref/index
// write sets recorded on pkg/txn.Context.
package gc

import (
	"container/heap"
	"sync"
	"time"

	"github.com/veloxdb/veloxdb/internal/telemetry"
	"github.com/veloxdb/veloxdb/pkg/handle"
	"github.com/veloxdb/veloxdb/pkg/txn"
)

var log = telemetry.Component("gc")

// ClassCollector frees object versions superseded before oldestReadVersion.
// pkg/class.Class implements this directly.
type ClassCollector interface {
	GarbageCollect(id int64, oldestReadVersion handle.Version)
}

// InvRefCollector folds and frees inverse-reference deltas superseded
// before oldestReadVersion for one (id, propertyId) entry. The engine
// registers one adapter per class closing over that class's
// *invref.Map, translating (id, propertyID) into an invref.Key so
// pkg/gc does not need to import pkg/invref.
type InvRefCollector interface {
	GarbageCollect(id int64, propertyID int32, oldestReadVersion handle.Version)
}

// PeriodicCollector is swept on a fixed interval rather than driven by
// per-write affected-item lists: the hash index (keyed purely by key
// bytes, not an object id pkg/txn.Context tracks) and the sorted
// index's tombstones and range locks all fall in this category.
type PeriodicCollector interface {
	GarbageCollectPeriodic(oldestReadVersion handle.Version)
}

// workItem is one committed transaction's write set, queued until it
// is safe to collect.
type workItem struct {
	commitVersion handle.Version
	objects       []txn.AffectedObject
	invRefs       []txn.AffectedInvRef
}

type workHeap []workItem

func (h workHeap) Len() int            { return len(h) }
func (h workHeap) Less(i, j int) bool  { return h[i].commitVersion < h[j].commitVersion }
func (h workHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *workHeap) Push(x any)         { *h = append(*h, x.(workItem)) }
func (h *workHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// GC tracks active readers and drains committed transactions' write
// sets once unreachable. Collector is told once, for an object class
// index or an inverse-reference property; the engine registers every
// class/property/index at startup.
type GC struct {
	metrics *telemetry.Metrics

	activeMu    sync.Mutex
	activeCount map[handle.Version]int // readVersion -> number of active tx at it
	oldest      atomicVersion

	uncollectedMu sync.Mutex
	uncollected   workHeap

	classCollectors    map[int32]ClassCollector
	invRefCollectors   map[int32]InvRefCollector
	periodicCollectors []PeriodicCollector

	workCh chan workItem
	pauseCh chan *pauseToken
	workers int
	wg     sync.WaitGroup
	stopCh chan struct{}

	periodicStop chan struct{}
	periodicDone chan struct{}
}

// pauseToken is the "pause sentinel" of spec.md §4.9's drain protocol:
// a worker that dequeues one signals arrived, then blocks until resume
// is closed.
type pauseToken struct {
	arrived chan struct{}
	resume  chan struct{}
}

type atomicVersion struct {
	mu sync.Mutex
	v  handle.Version
}

func (a *atomicVersion) load() handle.Version {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

func (a *atomicVersion) raiseTo(v handle.Version) {
	a.mu.Lock()
	if v > a.v {
		a.v = v
	}
	a.mu.Unlock()
}

func (a *atomicVersion) reset(v handle.Version) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

// Config controls the GC worker pool and periodic sweep cadence.
type Config struct {
	Workers          int
	PeriodicInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{Workers: 2, PeriodicInterval: 50 * time.Millisecond}
}

// New creates a GC. Callers must call RegisterClass/RegisterInvRef/
// RegisterPeriodic for every collectable structure before Start, and
// must wire Manager's OnBegin/OnEnd hooks to TrackBegin/TrackEnd.
func New(cfg *Config, metrics *telemetry.Metrics) *GC {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if metrics == nil {
		metrics = telemetry.Default()
	}
	return &GC{
		metrics:          metrics,
		activeCount:      make(map[handle.Version]int),
		classCollectors:  make(map[int32]ClassCollector),
		invRefCollectors: make(map[int32]InvRefCollector),
		workCh:           make(chan workItem, 256),
		pauseCh:          make(chan *pauseToken),
		stopCh:           make(chan struct{}),
		periodicStop:     make(chan struct{}),
		periodicDone:     make(chan struct{}),
	}
}

// RegisterClass associates classIndex with the collector that frees
// its stale object versions.
func (g *GC) RegisterClass(classIndex int32, c ClassCollector) {
	g.classCollectors[classIndex] = c
}

// RegisterInvRef associates classIndex (the class owning the inverse-
// reference entries, i.e. the reference's *target* class) with its
// inverse-reference map's collector.
func (g *GC) RegisterInvRef(classIndex int32, c InvRefCollector) {
	g.invRefCollectors[classIndex] = c
}

// RegisterPeriodic adds a collector swept on every periodic tick
// rather than driven by affected-item lists.
func (g *GC) RegisterPeriodic(c PeriodicCollector) {
	g.periodicCollectors = append(g.periodicCollectors, c)
}

// Start launches the worker pool and the periodic sweep goroutine.
func (g *GC) Start(cfg *Config) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	g.workers = cfg.Workers
	for i := 0; i < cfg.Workers; i++ {
		g.wg.Add(1)
		go g.worker()
	}
	go g.periodicSweep(cfg.PeriodicInterval)
	log.Info().Int("workers", cfg.Workers).Dur("periodic_interval", cfg.PeriodicInterval).Msg("gc started")
}

// Close stops the worker pool and periodic sweep.
func (g *GC) Close() {
	close(g.periodicStop)
	<-g.periodicDone
	close(g.stopCh)
	g.wg.Wait()
	log.Info().Msg("gc stopped")
}

// OldestReadVersion returns the oldest read version any active
// transaction may still observe.
func (g *GC) OldestReadVersion() handle.Version { return g.oldest.load() }

// TrackBegin records tx as active, for oldest-read-version computation.
// Wire as txn.Manager.OnBegin.
func (g *GC) TrackBegin(tx *txn.Transaction) {
	g.activeMu.Lock()
	g.activeCount[tx.ReadVersion]++
	g.activeMu.Unlock()
	g.metrics.ActiveTransactions.Inc()
}

// TrackEnd removes tx from the active set, advances oldestReadVersion,
// and — if tx committed — enqueues its write set for collection once
// reachable. Wire as txn.Manager.OnEnd.
func (g *GC) TrackEnd(tx *txn.Transaction) {
	g.activeMu.Lock()
	if n := g.activeCount[tx.ReadVersion]; n <= 1 {
		delete(g.activeCount, tx.ReadVersion)
	} else {
		g.activeCount[tx.ReadVersion] = n - 1
	}
	newOldest := g.computeOldestLocked()
	g.activeMu.Unlock()
	g.metrics.ActiveTransactions.Dec()

	if newOldest > 0 {
		g.oldest.reset(newOldest)
		g.metrics.OldestReadVersion.Set(float64(newOldest))
	}

	if tx.State() != txn.StateCommitted || tx.IsAlignment {
		return
	}
	ctx := tx.Context()
	item := workItem{
		commitVersion: tx.CommitVersion,
		objects:       append([]txn.AffectedObject(nil), ctx.AffectedObjects...),
		invRefs:       append([]txn.AffectedInvRef(nil), ctx.AffectedInvRefs...),
	}
	g.enqueueUncollected(item)
	g.drainUncollected()
}

// computeOldestLocked must be called with activeMu held. A perfectly
// accurate minimum would need a priority structure; in practice the
// number of distinct concurrently-active readVersions is small, so a
// linear scan over activeCount's keys is cheap and avoids a heap whose
// removals would need to handle multiple tx sharing one readVersion.
func (g *GC) computeOldestLocked() handle.Version {
	if len(g.activeCount) == 0 {
		return 0
	}
	var min handle.Version
	first := true
	for v := range g.activeCount {
		if first || v < min {
			min = v
			first = false
		}
	}
	return min
}

func (g *GC) enqueueUncollected(item workItem) {
	g.uncollectedMu.Lock()
	heap.Push(&g.uncollected, item)
	g.uncollectedMu.Unlock()
	g.metrics.GCDrainDepth.Set(float64(len(g.uncollected)))
}

// drainUncollected moves every queued transaction whose commitVersion
// is now <= the oldest active read version onto the worker channel.
// If no transaction is currently active, every queued item is
// immediately collectable: there is nobody left who could be reading
// an older snapshot.
func (g *GC) drainUncollected() {
	g.activeMu.Lock()
	noReaders := len(g.activeCount) == 0
	g.activeMu.Unlock()
	oldest := g.oldest.load()

	g.uncollectedMu.Lock()
	for len(g.uncollected) > 0 && (noReaders || g.uncollected[0].commitVersion <= oldest) {
		item := heap.Pop(&g.uncollected).(workItem)
		g.uncollectedMu.Unlock()
		select {
		case g.workCh <- item:
		case <-g.stopCh:
			return
		}
		g.uncollectedMu.Lock()
	}
	depth := len(g.uncollected)
	g.uncollectedMu.Unlock()
	g.metrics.GCDrainDepth.Set(float64(depth))
}

func (g *GC) worker() {
	defer g.wg.Done()
	for {
		select {
		case item, ok := <-g.workCh:
			if !ok {
				return
			}
			g.collect(item)
		case tok := <-g.pauseCh:
			close(tok.arrived)
			select {
			case <-tok.resume:
			case <-g.stopCh:
				return
			}
		case <-g.stopCh:
			return
		}
	}
}

func (g *GC) collect(item workItem) {
	oldest := g.oldest.load()
	for _, obj := range item.objects {
		if c, ok := g.classCollectors[int32(obj.ClassIndex)]; ok {
			c.GarbageCollect(obj.ID, oldest)
		}
	}
	for _, ref := range item.invRefs {
		if c, ok := g.invRefCollectors[ref.TargetClassIndex]; ok {
			c.GarbageCollect(ref.TargetID, ref.PropertyID, oldest)
		}
	}
}

func (g *GC) periodicSweep(interval time.Duration) {
	defer close(g.periodicDone)
	if interval <= 0 {
		interval = DefaultConfig().PeriodicInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			oldest := g.oldest.load()
			for _, c := range g.periodicCollectors {
				c.GarbageCollectPeriodic(oldest)
			}
		case <-g.periodicStop:
			return
		}
	}
}

// Rewind discards every uncollected work item whose commitVersion
// exceeds target, supplementing spec.md §4.8's version-cursor rewind:
// a transaction the engine is rewinding past must never be collected
// against afterward, since its commit never truly happened once the
// cursor moves back before it.
func (g *GC) Rewind(target handle.Version) {
	g.uncollectedMu.Lock()
	defer g.uncollectedMu.Unlock()

	kept := g.uncollected[:0]
	for _, item := range g.uncollected {
		if item.commitVersion <= target {
			kept = append(kept, item)
		}
	}
	g.uncollected = kept
	heap.Init(&g.uncollected)
	g.metrics.GCDrainDepth.Set(float64(len(g.uncollected)))
}

// Drain implements the engine's quiesce protocol (spec.md §4.9): it
// posts one pause sentinel per worker, blocks until every worker has
// parked on it, then returns a resume function the caller must call
// once its schema-change work is done. Used by the engine lock's
// drain-to-quiescence path so no GC worker is mid-collect while class/
// index structures are being reshaped.
func (g *GC) Drain() (resume func()) {
	log.Debug().Msg("gc drain requested")
	tokens := make([]*pauseToken, g.workers)
	for i := range tokens {
		tok := &pauseToken{arrived: make(chan struct{}), resume: make(chan struct{})}
		tokens[i] = tok
		select {
		case g.pauseCh <- tok:
		case <-g.stopCh:
		}
	}
	for _, tok := range tokens {
		<-tok.arrived
	}
	return func() {
		for _, tok := range tokens {
			close(tok.resume)
		}
	}
}
