// Package veloxerr enumerates the error taxonomy of the storage engine.
// Ordinary errors surface through commit/operation results; Fatal
// errors are unrecoverable and panic the engine.
package veloxerr

import "errors"

var (
	// Conflict is an optimistic concurrency violation; retryable by the caller.
	Conflict = errors.New("veloxdb: conflict")

	// UniqueViolation is a duplicate key on a unique index.
	UniqueViolation = errors.New("veloxdb: unique violation")

	// NotFound is returned when an object or index entry is missing.
	NotFound = errors.New("veloxdb: not found")

	// ReferencedDelete is returned when a delete is blocked by a PreventDelete reference.
	ReferencedDelete = errors.New("veloxdb: referenced delete")

	// UnknownReference is an integrity violation: the referenced object does not exist.
	UnknownReference = errors.New("veloxdb: unknown reference")

	// InvalidReferencedClass is an integrity violation: the referenced class is not accepted.
	InvalidReferencedClass = errors.New("veloxdb: invalid referenced class")

	// TransactionCanceled is observed during a long operation after cancellation.
	TransactionCanceled = errors.New("veloxdb: transaction canceled")

	// InvalidChangeset is returned for malformed wire data.
	InvalidChangeset = errors.New("veloxdb: invalid changeset")

	// LockContentionLimitExceeded is returned when more than 3 concurrent
	// readers attempt a lock on the same object, inverse-ref entry, or index key.
	LockContentionLimitExceeded = errors.New("veloxdb: lock contention limit exceeded")

	// InvalidArgument is returned for malformed caller input.
	InvalidArgument = errors.New("veloxdb: invalid argument")

	// InvalidIndex is returned when an index name/descriptor does not resolve.
	InvalidIndex = errors.New("veloxdb: invalid index")

	// InvalidTransactionThread is returned when a transaction is used from
	// a goroutine other than the one that owns it, where that matters.
	InvalidTransactionThread = errors.New("veloxdb: invalid transaction thread")

	// ConcurrentTranLimitExceeded is returned when the transaction context pool is exhausted.
	ConcurrentTranLimitExceeded = errors.New("veloxdb: concurrent transaction limit exceeded")
)

// Fatal wraps an invariant violation. The engine lock and commit pipeline
// panic with a Fatal rather than returning it, since there is no safe
// continuation once the invariant no longer holds.
type Fatal struct {
	Reason string
	Err    error
}

func (f *Fatal) Error() string {
	if f.Err != nil {
		return "veloxdb: fatal: " + f.Reason + ": " + f.Err.Error()
	}
	return "veloxdb: fatal: " + f.Reason
}

func (f *Fatal) Unwrap() error { return f.Err }

// Raise panics with a Fatal error. Callers use this for invariant
// violations that have no local recovery.
func Raise(reason string, err error) {
	panic(&Fatal{Reason: reason, Err: err})
}
