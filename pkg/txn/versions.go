package txn

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/veloxdb/veloxdb/pkg/handle"
)

// GlobalTermEntry pairs a replica era (a 128-bit identifier, modeled as
// a uuid.UUID) with the version at which that era was introduced.
type GlobalTermEntry struct {
	Term    uuid.UUID
	Version handle.Version
}

// Versions is the commit/read-version cursor: a monotonic
// commitVersion, the published readVersion, a logSeqNum cursor, and
// the global-term vector. It uses one RW lock (guarding the
// global-term vector) and one plain mutex (for the narrow
// commitVersion/logSeqNum assignment); Publish raises readVersion with
// a compare-and-swap and takes neither.
type Versions struct {
	assignMu sync.Mutex // write-only lock guarding commitCursor/logSeqCursor

	commitCursor  atomic.Uint64
	logSeqCursor  atomic.Uint64
	readVersion   atomic.Uint64 // published; visible to new transactions
	localTerm     atomic.Uint32

	syncMu sync.RWMutex // guards globalTerms + orderer interaction
	globalTerms []GlobalTermEntry
}

// NewVersions creates a version cursor starting at version 0 with a
// single global-term entry for the given initial term.
func NewVersions(initialTerm uuid.UUID) *Versions {
	v := &Versions{}
	v.globalTerms = []GlobalTermEntry{{Term: initialTerm, Version: 0}}
	return v
}

// ReadVersion returns the current globally visible commit version.
func (v *Versions) ReadVersion() handle.Version {
	return handle.Version(v.readVersion.Load())
}

// CommitCursor returns the last commit version handed out (may be
// ahead of ReadVersion() if some commits are still pending publish).
func (v *Versions) CommitCursor() handle.Version {
	return handle.Version(v.commitCursor.Load())
}

// LocalTerm returns the current local term, bumped on role changes.
func (v *Versions) LocalTerm() uint32 { return v.localTerm.Load() }

// BumpLocalTerm increases the local term monotonically on a role change.
func (v *Versions) BumpLocalTerm() uint32 { return v.localTerm.Add(1) }

// AssignCommitVersion bumps commitCursor and logSeqCursor under the
// write-only assignment lock and returns them. If preAssigned is
// non-zero (replication gave this transaction a commit version
// already), it is used instead and logSeqNum is computed as an offset
// from standbyOrderNum.
func (v *Versions) AssignCommitVersion(preAssigned handle.Version, standbyOrderNum uint64) (commitVersion handle.Version, logSeqNum uint64) {
	v.assignMu.Lock()
	defer v.assignMu.Unlock()

	if preAssigned != 0 {
		if uint64(preAssigned) > v.commitCursor.Load() {
			v.commitCursor.Store(uint64(preAssigned))
		}
		logSeqNum = v.logSeqCursor.Load() + standbyOrderNum
		if logSeqNum > v.logSeqCursor.Load() {
			v.logSeqCursor.Store(logSeqNum)
		}
		return preAssigned, logSeqNum
	}

	commitVersion = handle.Version(v.commitCursor.Add(1))
	logSeqNum = v.logSeqCursor.Add(1)
	return commitVersion, logSeqNum
}

// Publish raises readVersion to commitVersion, enforcing strict
// monotonicity. Returns false if commitVersion is not exactly
// readVersion+1 — callers (the commit orderer) must not call Publish
// out of order.
func (v *Versions) Publish(commitVersion handle.Version) bool {
	for {
		cur := v.readVersion.Load()
		if uint64(commitVersion) != cur+1 {
			return false
		}
		if v.readVersion.CompareAndSwap(cur, uint64(commitVersion)) {
			return true
		}
	}
}

// PublishAlignment forcibly sets readVersion for an alignment
// transaction, which resets rather than increments state.
func (v *Versions) PublishAlignment(commitVersion handle.Version) {
	v.readVersion.Store(uint64(commitVersion))
	v.assignMu.Lock()
	if uint64(commitVersion) > v.commitCursor.Load() {
		v.commitCursor.Store(uint64(commitVersion))
	}
	v.assignMu.Unlock()
}

// MergeGlobalTerms merges two (term, version)-sorted-by-version lists,
// taking the max version for equal terms. Used on role change, term
// introduction, or alignment.
func MergeGlobalTerms(a, b []GlobalTermEntry) []GlobalTermEntry {
	byTerm := make(map[uuid.UUID]handle.Version, len(a)+len(b))
	for _, e := range a {
		if cur, ok := byTerm[e.Term]; !ok || e.Version > cur {
			byTerm[e.Term] = e.Version
		}
	}
	for _, e := range b {
		if cur, ok := byTerm[e.Term]; !ok || e.Version > cur {
			byTerm[e.Term] = e.Version
		}
	}
	out := make([]GlobalTermEntry, 0, len(byTerm))
	for term, ver := range byTerm {
		out = append(out, GlobalTermEntry{Term: term, Version: ver})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// GlobalTerms returns a snapshot of the current global-term vector.
func (v *Versions) GlobalTerms() []GlobalTermEntry {
	v.syncMu.RLock()
	defer v.syncMu.RUnlock()
	out := make([]GlobalTermEntry, len(v.globalTerms))
	copy(out, v.globalTerms)
	return out
}

// SetGlobalTerms replaces the global-term vector (e.g. after a merge).
func (v *Versions) SetGlobalTerms(entries []GlobalTermEntry) {
	v.syncMu.Lock()
	defer v.syncMu.Unlock()
	v.globalTerms = entries
}

// IntroduceTerm appends a new global term at the current read version,
// bumping the local term.
func (v *Versions) IntroduceTerm(term uuid.UUID) {
	v.syncMu.Lock()
	defer v.syncMu.Unlock()
	v.globalTerms = append(v.globalTerms, GlobalTermEntry{Term: term, Version: v.ReadVersion()})
	v.BumpLocalTerm()
}

// Rewind resets commit/read version to target and trims the
// global-term vector to entries at or before it: entries strictly
// greater than the target are dropped and readVersion = commitVersion
// = target.
func (v *Versions) Rewind(target handle.Version) {
	v.assignMu.Lock()
	v.commitCursor.Store(uint64(target))
	v.assignMu.Unlock()

	v.readVersion.Store(uint64(target))

	v.syncMu.Lock()
	defer v.syncMu.Unlock()
	kept := v.globalTerms[:0]
	for _, e := range v.globalTerms {
		if e.Version <= target {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		kept = append(kept, GlobalTermEntry{Term: uuid.Nil, Version: 0})
	}
	v.globalTerms = kept
}

// SyncLock and SyncUnlock expose the "versions sync lock" guarding the
// global-term vector. Publish and the commit orderer do not take it.
func (v *Versions) SyncLock()   { v.syncMu.Lock() }
func (v *Versions) SyncUnlock() { v.syncMu.Unlock() }
