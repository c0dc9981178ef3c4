package persist

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veloxdb/veloxdb/pkg/handle"
	"github.com/veloxdb/veloxdb/pkg/txn"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBeginCommitTransactionPersistsAndReplays(t *testing.T) {
	s := openTestStore(t)

	for i, payload := range [][]byte{[]byte("first"), []byte("second"), []byte("third")} {
		tx := &txn.Transaction{CommitVersion: handle.Version(10 + i)}
		var gotErr error
		s.BeginCommitTransaction(tx, payload, func(err error) { gotErr = err })
		require.NoError(t, gotErr)
	}

	var seen [][]byte
	err := s.Replay(func(logIndex uint8, commitVersion uint64, data []byte) error {
		require.Equal(t, defaultLogIndex, logIndex)
		seen = append(seen, data)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("first"), []byte("second"), []byte("third")}, seen)
}

func TestRewindDiscardsNewerChangesets(t *testing.T) {
	s := openTestStore(t)

	for i := 1; i <= 5; i++ {
		tx := &txn.Transaction{CommitVersion: handle.Version(i)}
		s.BeginCommitTransaction(tx, []byte{byte(i)}, func(error) {})
	}

	require.NoError(t, s.Rewind(3))

	var remaining []uint64
	err := s.Replay(func(_ uint8, commitVersion uint64, _ []byte) error {
		remaining = append(remaining, commitVersion)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3}, remaining)
}

func TestCreateSnapshotsRecordsLatestVersion(t *testing.T) {
	s := openTestStore(t)
	for i := 1; i <= 4; i++ {
		tx := &txn.Transaction{CommitVersion: handle.Version(i)}
		s.BeginCommitTransaction(tx, []byte{byte(i)}, func(error) {})
	}

	require.NoError(t, s.CreateSnapshots(nil))

	v, ok := s.SnapshotVersion(defaultLogIndex)
	require.True(t, ok)
	require.Equal(t, uint64(4), v)
}

func TestDisposeAllClearsEverything(t *testing.T) {
	s := openTestStore(t)
	tx := &txn.Transaction{CommitVersion: handle.Version(1)}
	s.BeginCommitTransaction(tx, []byte("x"), func(error) {})
	require.NoError(t, s.CreateSnapshots(nil))

	require.NoError(t, s.DisposeAll())

	var count int
	err := s.Replay(func(uint8, uint64, []byte) error { count++; return nil })
	require.NoError(t, err)
	require.Equal(t, 0, count)

	_, ok := s.SnapshotVersion(defaultLogIndex)
	require.False(t, ok)
}

