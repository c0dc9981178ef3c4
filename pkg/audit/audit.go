// Package audit records the engine's transaction and schema-change
// lifecycle as structured events: begin/commit/rollback, schema
// registration, rewinds, and the referential-integrity propagation
// that cascades a delete beyond the object a caller directly removed.
// Events are zerolog records, consistent with internal/telemetry's
// logger, not a bespoke encoding.
package audit

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/veloxdb/veloxdb/pkg/txn"
)

// Event names one kind of audited occurrence.
type Event string

const (
	EventBegin           Event = "begin"
	EventCommit          Event = "commit"
	EventRollback        Event = "rollback"
	EventRegisterClass   Event = "register_class"
	EventRegisterIndex   Event = "register_index"
	EventRewind          Event = "rewind"
	EventCascadeDelete   Event = "cascade_delete"
	EventSetToNull       Event = "set_to_null"
	EventPreventDelete   Event = "prevent_delete"
)

// Config controls where audit events go and how noisy they are.
type Config struct {
	Enabled  bool
	Output   io.Writer
	MinLevel zerolog.Level
}

// DefaultConfig logs every event at info level to stderr.
func DefaultConfig() *Config {
	return &Config{
		Enabled:  true,
		Output:   os.Stderr,
		MinLevel: zerolog.InfoLevel,
	}
}

// Logger emits structured audit events for a Database's transaction
// and schema lifecycle.
type Logger struct {
	enabled bool
	log     zerolog.Logger
}

// NewLogger builds a Logger from cfg, defaulting to DefaultConfig if
// cfg is nil.
func NewLogger(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	zl := zerolog.New(out).Level(cfg.MinLevel).With().
		Timestamp().
		Str("component", "audit").
		Logger()
	return &Logger{enabled: cfg.Enabled, log: zl}, nil
}

// SetEnabled turns audit logging on or off at runtime.
func (l *Logger) SetEnabled(enabled bool) { l.enabled = enabled }

// Begin records a transaction starting.
func (l *Logger) Begin(tx *txn.Transaction) {
	if !l.enabled {
		return
	}
	l.log.Info().
		Str("event", string(EventBegin)).
		Uint64("tx_id", uint64(tx.ID)).
		Str("tx_type", txTypeName(tx.Type)).
		Str("source", tx.Source).
		Msg("transaction begin")
}

// Commit records a transaction's outcome once the commit pipeline has
// assigned it a commit version (or decided it failed).
func (l *Logger) Commit(tx *txn.Transaction) {
	if !l.enabled {
		return
	}
	l.log.Info().
		Str("event", string(EventCommit)).
		Uint64("tx_id", uint64(tx.ID)).
		Uint64("commit_version", uint64(tx.CommitVersion)).
		Dur("duration", tx.CommitTime.Sub(tx.StartTime)).
		Msg("transaction commit")
}

// Rollback records a transaction discarded without committing.
func (l *Logger) Rollback(tx *txn.Transaction) {
	if !l.enabled {
		return
	}
	l.log.Warn().
		Str("event", string(EventRollback)).
		Uint64("tx_id", uint64(tx.ID)).
		Str("source", tx.Source).
		Msg("transaction rollback")
}

// SchemaChange records a schema-affecting operation performed under
// the engine's drained write lock: class registration, index
// registration, or a rewind.
func (l *Logger) SchemaChange(op, name string, index int32) {
	if !l.enabled {
		return
	}
	l.log.Info().
		Str("event", op).
		Str("name", name).
		Int32("index", index).
		Msg("schema change")
}

// CascadeDelete records that deleting an object triggered a cascade
// delete against another object, via spec.md §4.7's propagation.
func (l *Logger) CascadeDelete(classIndex int32, id int64, causeClassIndex int32, causeID int64) {
	if !l.enabled {
		return
	}
	l.log.Info().
		Str("event", string(EventCascadeDelete)).
		Int32("class_index", classIndex).
		Int64("id", id).
		Int32("cause_class_index", causeClassIndex).
		Int64("cause_id", causeID).
		Msg("cascade delete")
}

// SetToNull records that a delete propagation cleared a reference
// property rather than deleting the referencing object.
func (l *Logger) SetToNull(classIndex int32, id int64, propertyID int32) {
	if !l.enabled {
		return
	}
	l.log.Info().
		Str("event", string(EventSetToNull)).
		Int32("class_index", classIndex).
		Int64("id", id).
		Int32("property_id", propertyID).
		Msg("set to null")
}

// PreventDelete records a delete rejected because a PreventDelete
// reference still points at the target object.
func (l *Logger) PreventDelete(classIndex int32, id int64, referencingClassIndex int32, referencingID int64) {
	if !l.enabled {
		return
	}
	l.log.Warn().
		Str("event", string(EventPreventDelete)).
		Int32("class_index", classIndex).
		Int64("id", id).
		Int32("referencing_class_index", referencingClassIndex).
		Int64("referencing_id", referencingID).
		Msg("delete prevented by reference")
}

func txTypeName(t txn.Type) string {
	if t == txn.ReadWrite {
		return "read_write"
	}
	return "read"
}
