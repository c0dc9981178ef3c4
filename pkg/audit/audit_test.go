package audit

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/veloxdb/veloxdb/pkg/handle"
	"github.com/veloxdb/veloxdb/pkg/txn"
)

func newTestLogger(t *testing.T, buf *bytes.Buffer) *Logger {
	t.Helper()
	l, err := NewLogger(&Config{Enabled: true, Output: buf, MinLevel: zerolog.DebugLevel})
	require.NoError(t, err)
	return l
}

func TestNewLoggerDefaults(t *testing.T) {
	l, err := NewLogger(nil)
	require.NoError(t, err)
	require.True(t, l.enabled)
}

func TestBeginLogsTransactionFields(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf)

	tx := &txn.Transaction{ID: handle.Version(42), Type: txn.ReadWrite, Source: "client-1"}
	l.Begin(tx)

	out := buf.String()
	require.Contains(t, out, `"event":"begin"`)
	require.Contains(t, out, `"tx_id":42`)
	require.Contains(t, out, `"tx_type":"read_write"`)
	require.Contains(t, out, `"source":"client-1"`)
}

func TestCommitLogsCommitVersionAndDuration(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf)

	start := time.Now()
	tx := &txn.Transaction{
		ID:            handle.Version(7),
		CommitVersion: handle.Version(1000),
		StartTime:     start,
		CommitTime:    start.Add(5 * time.Millisecond),
	}
	l.Commit(tx)

	out := buf.String()
	require.Contains(t, out, `"event":"commit"`)
	require.Contains(t, out, `"commit_version":1000`)
	require.Contains(t, out, `"duration":`)
}

func TestRollbackIsWarnLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf)

	tx := &txn.Transaction{ID: handle.Version(3), Source: "alignment"}
	l.Rollback(tx)

	out := buf.String()
	require.Contains(t, out, `"level":"warn"`)
	require.Contains(t, out, `"event":"rollback"`)
}

func TestDisabledLoggerWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(&Config{Enabled: false, Output: &buf, MinLevel: zerolog.DebugLevel})
	require.NoError(t, err)

	l.Begin(&txn.Transaction{ID: handle.Version(1)})
	l.Commit(&txn.Transaction{ID: handle.Version(1)})
	l.Rollback(&txn.Transaction{ID: handle.Version(1)})

	require.Empty(t, buf.String())
}

func TestSchemaChangeRecordsOperationAndIndex(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf)

	l.SchemaChange("register_class", "Person", 3)

	out := buf.String()
	require.Contains(t, out, `"event":"register_class"`)
	require.Contains(t, out, `"name":"Person"`)
	require.Contains(t, out, `"index":3`)
}

func TestCascadeDeleteRecordsCauseAndTarget(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf)

	l.CascadeDelete(2, 100, 1, 7)

	out := buf.String()
	require.Contains(t, out, `"event":"cascade_delete"`)
	require.Contains(t, out, `"class_index":2`)
	require.Contains(t, out, `"id":100`)
	require.Contains(t, out, `"cause_class_index":1`)
	require.Contains(t, out, `"cause_id":7`)
}

func TestSetToNullRecordsProperty(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf)

	l.SetToNull(2, 100, 5)

	out := buf.String()
	require.Contains(t, out, `"event":"set_to_null"`)
	require.Contains(t, out, `"property_id":5`)
}

func TestPreventDeleteIsWarnLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf)

	l.PreventDelete(2, 100, 4, 55)

	out := buf.String()
	require.Contains(t, out, `"level":"warn"`)
	require.Contains(t, out, `"event":"prevent_delete"`)
	require.Contains(t, out, `"referencing_id":55`)
}

func TestSetEnabledTogglesAtRuntime(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf)

	l.SetEnabled(false)
	l.Begin(&txn.Transaction{ID: handle.Version(1)})
	require.Empty(t, buf.String())

	l.SetEnabled(true)
	l.Begin(&txn.Transaction{ID: handle.Version(1)})
	require.True(t, strings.Contains(buf.String(), `"event":"begin"`))
}
