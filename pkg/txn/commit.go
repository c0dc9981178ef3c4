package txn

import (
	"sort"
	"time"

	"github.com/veloxdb/veloxdb/pkg/changeset"
	"github.com/veloxdb/veloxdb/pkg/cpu"
	"github.com/veloxdb/veloxdb/pkg/handle"
	"github.com/veloxdb/veloxdb/pkg/veloxerr"
)

// flushInterval is how often the staging flusher sweeps per-CPU
// staging groups into the global commit queue.
const flushInterval = 200 * time.Microsecond

// CommitAsync stages tx for commit and invokes cb once its outcome is
// known. The callback may run on a commit-worker goroutine.
func (m *Manager) CommitAsync(tx *Transaction, cb func(error)) {
	tx.AsyncCallback = cb
	shard := cpu.Current() % len(m.staging)
	g := m.staging[shard]
	g.mu.Lock()
	g.items = append(g.items, tx)
	g.mu.Unlock()
}

// Commit stages tx and blocks until it has committed or failed.
func (m *Manager) Commit(tx *Transaction) error {
	done := make(chan error, 1)
	m.CommitAsync(tx, func(err error) { done <- err })
	return <-done
}

func (m *Manager) stagingFlusher() {
	defer m.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			m.flushStaging()
			return
		case <-ticker.C:
			m.flushStaging()
		}
	}
}

func (m *Manager) flushStaging() {
	for _, g := range m.staging {
		g.mu.Lock()
		if len(g.items) == 0 {
			g.mu.Unlock()
			continue
		}
		batch := g.items
		g.items = nil
		g.mu.Unlock()
		m.global.pushAll(batch)
	}
}

func (m *Manager) commitWorker() {
	defer m.wg.Done()
	for {
		head, ok := m.global.pop()
		if !ok {
			return
		}

		merged := m.global.drainMergeable(m.cfg.MaxMergedTransactionCount, m.cfg.MaxMergedOperationCount, opsCount(head))
		group := append([]*Transaction{head}, merged...)
		m.mergeInto(head, merged)

		err := m.doCommit(head)
		m.finishGroup(group, err)
	}
}

// mergeInto folds each follower's write set into head's Context and
// chains followers off head.nextMerged, so only head runs validation,
// version assignment, and persistence (spec intent: amortize the fixed
// per-commit costs across a batch of small transactions).
func (m *Manager) mergeInto(head *Transaction, followers []*Transaction) {
	tail := head
	for tail.nextMerged != nil {
		tail = tail.nextMerged
	}
	hctx := head.Context()
	for _, f := range followers {
		fctx := f.Context()
		hctx.AffectedObjects = append(hctx.AffectedObjects, fctx.AffectedObjects...)
		hctx.AffectedInvRefs = append(hctx.AffectedInvRefs, fctx.AffectedInvRefs...)
		hctx.ReadLocks = append(hctx.ReadLocks, fctx.ReadLocks...)
		hctx.KeyLocks = append(hctx.KeyLocks, fctx.KeyLocks...)
		hctx.WriteTouches = append(hctx.WriteTouches, fctx.WriteTouches...)
		hctx.FinalizeHooks = append(hctx.FinalizeHooks, fctx.FinalizeHooks...)
		hctx.RollbackHooks = append(hctx.RollbackHooks, fctx.RollbackHooks...)
		for k := range fctx.OverflowByObjectID {
			hctx.OverflowByObjectID[k] = true
		}
		for k := range fctx.OverflowByInvRef {
			hctx.OverflowByInvRef[k] = true
		}
		for k := range fctx.OverflowByKeyHash {
			hctx.OverflowByKeyHash[k] = true
		}
		for idx, buf := range fctx.LogWriters {
			hctx.LogWriters[idx] = append(hctx.LogWriters[idx], buf...)
		}
		tail.nextMerged = f
		tail = f
	}
}

// doCommit runs validation, assigns the commit version, and drives
// persistence for head (and any transactions merged into it).
func (m *Manager) doCommit(head *Transaction) error {
	if m.validator != nil {
		if err := m.validator.Validate(head); err != nil {
			return err
		}
	}

	if err := checkHeldLocks(head); err != nil {
		return err
	}

	commitVersion, logSeqNum := m.versions.AssignCommitVersion(0, 0)
	head.CommitVersion = commitVersion
	head.LogSeqNum = logSeqNum
	head.CommitTime = time.Now()

	if m.persister == nil {
		return nil
	}

	payload := encodeChangeset(head)
	done := make(chan error, 1)
	m.persister.BeginCommitTransaction(head, payload, func(err error) { done <- err })
	return <-done
}

// encodeChangeset wraps the merged group's per-log buffers with
// pkg/changeset's buffer-chaining framing (spec.md §6), one EncodeLog
// frame per log index that saw writes, concatenated in ascending
// logIndex order so pkg/changeset.DecodeLogs can split them back apart
// on replay.
func encodeChangeset(head *Transaction) []byte {
	ctx := head.Context()

	indexes := make([]uint8, 0, len(ctx.LogWriters))
	for idx, buf := range ctx.LogWriters {
		if len(buf) > 0 {
			indexes = append(indexes, idx)
		}
	}
	if len(indexes) == 0 {
		return nil
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	var out []byte
	for _, idx := range indexes {
		out = append(out, changeset.EncodeLog(idx, [][]byte{ctx.LogWriters[idx]})...)
	}
	return out
}

func (m *Manager) finishGroup(group []*Transaction, err error) {
	head := group[0]
	if err != nil {
		hctx := head.Context()
		for _, hook := range hctx.RollbackHooks {
			hook()
		}
		releaseLocks(hctx)
		if m.OnRollback != nil {
			m.OnRollback(head)
		}
		for _, tx := range group {
			tx.setState(StateAborted)
			m.notify(tx, err)
		}
		return
	}

	for _, tx := range group {
		tx.CommitVersion = head.CommitVersion
		tx.setState(StateCommitted)
	}

	m.orderer.TranCommitted(head, func(*Transaction) {
		hctx := head.Context()
		for _, hook := range hctx.FinalizeHooks {
			hook(head.CommitVersion)
		}
		finalizeLocks(hctx, head.CommitVersion)
		if m.OnFinalize != nil {
			m.OnFinalize(head)
		}
		for _, tx := range group {
			m.notify(tx, nil)
		}
	})
}

// checkHeldLocks revalidates every read/key lock head's group holds
// against the committed-read-lock watermark its cell carries now,
// rejecting the commit if some other transaction published a write
// into that cell after the lock holder's snapshot was taken (spec.md
// §4.6's phantom-read guard: a range or key lock only blocks
// concurrent acquirers, so the interference is caught here, at commit
// time, via the watermark a conflicting writer bumped through
// WriteTouches/finalizeLocks).
func checkHeldLocks(head *Transaction) error {
	ctx := head.Context()
	for _, lr := range ctx.ReadLocks {
		if lr.Cell.CommittedReadLockVersion() > uint64(lr.ReadVersion) {
			return veloxerr.Conflict
		}
	}
	for _, lr := range ctx.KeyLocks {
		if lr.Cell.CommittedReadLockVersion() > uint64(lr.ReadVersion) {
			return veloxerr.Conflict
		}
	}
	return nil
}

// finalizeLocks releases every read/key lock this commit group held,
// raising each cell's committed-read-lock watermark to commitVersion
// (spec.md §4.4's finalizeObjectLock), and bumps every cell a write in
// this group landed inside without owning (pkg/index's range-scan
// phantom-read guard, spec.md §4.6) to the same watermark so a
// transaction that scanned the range observes the interference through
// its own held lock on its next commit attempt.
func finalizeLocks(ctx *Context, commitVersion handle.Version) {
	for _, lr := range ctx.ReadLocks {
		lr.Cell.Finalize(lr.Slot, uint64(commitVersion), lr.WasInline)
	}
	for _, lr := range ctx.KeyLocks {
		lr.Cell.Finalize(lr.Slot, uint64(commitVersion), lr.WasInline)
	}
	for _, cell := range ctx.WriteTouches {
		cell.BumpWatermark(uint64(commitVersion))
	}
}

// releaseLocks drops every read/key lock this (aborted) commit group
// held, without raising any cell's watermark: nothing in the group
// became visible, so there is nothing to publish.
func releaseLocks(ctx *Context) {
	for _, lr := range ctx.ReadLocks {
		lr.Cell.Release(lr.Slot, lr.WasInline)
	}
	for _, lr := range ctx.KeyLocks {
		lr.Cell.Release(lr.Slot, lr.WasInline)
	}
}

func (m *Manager) notify(tx *Transaction, err error) {
	if tx.AsyncCallback != nil {
		tx.AsyncCallback(err)
	}
	m.endTransaction(tx)
}
