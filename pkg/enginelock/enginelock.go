// Package enginelock implements the engine-wide multi-reader lock
// that gates every transaction: a read handle lets a transaction run
// concurrently with any number of others, while the write side drains
// active transactions before a schema change proceeds.
//
// The source's lock is thread-local-reentrant: a thread may reacquire
// its own held handle without blocking, tracked implicitly off the OS
// thread id. Go has no portable thread-local storage and a goroutine
// is not a stable unit of reentrancy (a transaction's commit can
// legitimately continue on a different goroutine than the one that
// began it — see pkg/txn's staging/merge path), so reentrancy here is
// tracked against an explicit Token the caller supplies instead of an
// implicit thread id. That also means there is no separate
// "thread-agnostic" write variant to port: AcquireWrite already takes
// whatever Token the caller holds, from whatever goroutine calls it.
package enginelock

import (
	"sync"

	"github.com/veloxdb/veloxdb/internal/telemetry"
)

var log = telemetry.Component("enginelock")

// Token identifies a lock holder for reentrancy purposes. The engine
// uses the owning *txn.Transaction pointer for transaction read
// handles, and a dedicated value for schema-change callers.
type Token any

// EngineLock is a multi-reader, single-writer lock with reentrant
// acquisition per Token and a drain mode for schema changes.
type EngineLock struct {
	mu   sync.Mutex
	cond *sync.Cond

	readCount     int
	readHolders   map[Token]int
	writeHolder   Token
	writeCount    int
	pendingWriter bool
}

// New creates an unheld EngineLock.
func New() *EngineLock {
	l := &EngineLock{readHolders: make(map[Token]int)}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// AcquireRead blocks while a writer holds or is waiting for the lock,
// then registers tok as a reader. Reacquiring with the same tok that
// already holds a read handle is reentrant and never blocks.
func (l *EngineLock) AcquireRead(tok Token) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.readHolders[tok] > 0 {
		l.readHolders[tok]++
		return
	}
	for l.pendingWriter || l.writeCount > 0 {
		l.cond.Wait()
	}
	l.readHolders[tok]++
	l.readCount++
}

// ReleaseRead releases one level of tok's read handle, waking any
// waiting writer once the last reader (across all tokens) departs.
func (l *EngineLock) ReleaseRead(tok Token) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.readHolders[tok]
	if n <= 0 {
		return
	}
	if n == 1 {
		delete(l.readHolders, tok)
		l.readCount--
	} else {
		l.readHolders[tok] = n - 1
	}
	if l.readCount == 0 {
		l.cond.Broadcast()
	}
}

// AcquireWrite blocks until every existing reader has released, then
// grants the write handle to tok. A read handle held by tok itself is
// counted like any other: upgrading is not supported and deadlocks like
// any other reentrant-lock upgrade would. Reacquiring with
// the same tok that already holds the write handle is reentrant.
//
// If drainTransactions is true, this is a schema-change acquisition:
// cancel is invoked once per wait cycle so the caller can request
// cancellation of whatever holds the outstanding read handles (spec's
// cancelRequested flag on each active transaction), rather than
// waiting indefinitely for them to finish on their own.
func (l *EngineLock) AcquireWrite(tok Token, drainTransactions bool, cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writeCount > 0 && l.writeHolder == tok {
		l.writeCount++
		return
	}
	for l.pendingWriter || l.writeCount > 0 {
		l.cond.Wait()
	}
	l.pendingWriter = true
	for l.readCount > 0 {
		if drainTransactions && cancel != nil {
			l.mu.Unlock()
			cancel()
			l.mu.Lock()
			if l.readCount == 0 {
				break
			}
		}
		l.cond.Wait()
	}
	l.pendingWriter = false
	l.writeHolder = tok
	l.writeCount = 1
	if drainTransactions {
		log.Info().Msg("engine lock drained to quiescence")
	}
}

// ReleaseWrite releases one level of tok's write handle, waking
// waiting readers and writers once fully released.
func (l *EngineLock) ReleaseWrite(tok Token) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writeCount == 0 || l.writeHolder != tok {
		return
	}
	l.writeCount--
	if l.writeCount == 0 {
		l.writeHolder = nil
		l.cond.Broadcast()
	}
}

// ReaderCount reports the number of distinct reader tokens currently
// holding a read handle, for diagnostics.
func (l *EngineLock) ReaderCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.readHolders)
}
