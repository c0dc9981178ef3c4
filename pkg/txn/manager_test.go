package txn

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errRejected = errors.New("rejected")

type fakePersister struct {
	mu    sync.Mutex
	calls int
}

func (p *fakePersister) BeginCommitTransaction(tx *Transaction, changeset []byte, onDurable func(error)) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	onDurable(nil)
}

func newTestManager(t *testing.T, p Persister) *Manager {
	t.Helper()
	cfg := DefaultManagerConfig()
	cfg.Workers = 2
	m := NewManager(cfg, nil, p)
	t.Cleanup(m.Close)
	return m
}

func TestBeginAssignsIncreasingReadVersionAfterCommit(t *testing.T) {
	p := &fakePersister{}
	m := newTestManager(t, p)

	tx1 := m.Begin(ReadWrite, "test", false)
	require.Equal(t, uint64(0), uint64(tx1.ReadVersion))

	err := m.Commit(tx1)
	require.NoError(t, err)
	require.Equal(t, StateCommitted, tx1.State())

	tx2 := m.Begin(Read, "test", false)
	require.Equal(t, tx1.CommitVersion, tx2.ReadVersion)
}

func TestCommitAssignsStrictlyIncreasingCommitVersions(t *testing.T) {
	p := &fakePersister{}
	m := newTestManager(t, p)

	const n = 20
	var wg sync.WaitGroup
	versions := make([]uint64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx := m.Begin(ReadWrite, "test", false)
			require.NoError(t, m.Commit(tx))
			versions[i] = uint64(tx.CommitVersion)
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool, n)
	for _, v := range versions {
		require.False(t, seen[v], "commit version %d assigned twice", v)
		seen[v] = true
	}
}

func TestRollbackDoesNotAdvanceReadVersion(t *testing.T) {
	m := newTestManager(t, nil)

	before := m.Versions().ReadVersion()
	tx := m.Begin(ReadWrite, "test", false)
	m.Rollback(tx)
	require.Equal(t, StateAborted, tx.State())
	require.Equal(t, before, m.Versions().ReadVersion())
}

func TestCommitFailsWhenValidatorRejects(t *testing.T) {
	cfg := DefaultManagerConfig()
	cfg.Workers = 1
	m := NewManager(cfg, rejectAll{}, nil)
	t.Cleanup(m.Close)

	tx := m.Begin(ReadWrite, "test", false)
	err := m.Commit(tx)
	require.Error(t, err)
	require.Equal(t, StateAborted, tx.State())
}

type rejectAll struct{}

func (rejectAll) Validate(tx *Transaction) error { return errRejected }

func TestCancelMarksCancelRequested(t *testing.T) {
	m := newTestManager(t, nil)
	tx := m.Begin(Read, "test", false)
	require.False(t, tx.CancelRequested())
	m.Cancel(tx)
	require.True(t, tx.CancelRequested())
	m.Rollback(tx)
}

func TestActiveCountTracksBeginAndEnd(t *testing.T) {
	p := &fakePersister{}
	m := newTestManager(t, p)
	require.Equal(t, 0, m.ActiveCount())

	tx := m.Begin(ReadWrite, "test", false)
	require.Equal(t, 1, m.ActiveCount())

	require.NoError(t, m.Commit(tx))
	require.Eventually(t, func() bool { return m.ActiveCount() == 0 }, time.Second, time.Millisecond)
}
