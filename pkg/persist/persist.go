// Package persist implements the storage engine's narrow Persister
// collaborator (spec.md §6) against an embedded go.etcd.io/bbolt
// database: an append-only bucket of sealed changesets keyed by
// (logIndex, commitVersion), plus per-log snapshot bookkeeping.
// Replay and on-disk page management are explicitly out of core scope
// (spec.md Non-goals); this package only needs to give the core
// something real to call through the Persister interface.
package persist

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/veloxdb/veloxdb/pkg/changeset"
	"github.com/veloxdb/veloxdb/pkg/txn"
)

var (
	bucketLog  = []byte("changesets")
	bucketMeta = []byte("meta")
)

const defaultLogIndex uint8 = 0

// Store is the bbolt-backed Persister: durably appends sealed
// changesets and serves Rewind/CreateSnapshots/DisposeAll.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the database file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLog); err != nil {
			return fmt.Errorf("persist: create log bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMeta); err != nil {
			return fmt.Errorf("persist: create meta bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// logKey orders entries first by log stream, then by commit version,
// so a bucket cursor walk replays in commit order within each stream
// and Rewind can bound its scan to one logIndex prefix.
func logKey(logIndex uint8, commitVersion uint64) []byte {
	k := make([]byte, 9)
	k[0] = logIndex
	binary.BigEndian.PutUint64(k[1:], commitVersion)
	return k
}

func decodeLogKey(k []byte) (logIndex uint8, commitVersion uint64) {
	return k[0], binary.BigEndian.Uint64(k[1:])
}

// BeginCommitTransaction implements txn.Persister: it compresses and
// checksums the changeset (pkg/changeset.Seal) and appends it under
// tx's assigned commit version before invoking onDurable. bbolt's
// Update already fsyncs on commit, so durability is established by
// the time onDurable runs — there is no separate async completion
// path here, unlike a log-structured WAL that might batch fsyncs.
func (s *Store) BeginCommitTransaction(tx *txn.Transaction, changesetBytes []byte, onDurable func(error)) {
	sealed, err := changeset.Seal(changesetBytes)
	if err != nil {
		onDurable(fmt.Errorf("persist: seal changeset: %w", err))
		return
	}

	err = s.db.Update(func(btx *bolt.Tx) error {
		b := btx.Bucket(bucketLog)
		return b.Put(logKey(defaultLogIndex, uint64(tx.CommitVersion)), sealed)
	})
	if err != nil {
		onDurable(fmt.Errorf("persist: append changeset: %w", err))
		return
	}
	onDurable(nil)
}

// Rewind discards every persisted changeset whose commit version
// exceeds target, matching spec.md §4.8's version-cursor rewind: the
// persisted log must not outlive the in-memory state it is rolled
// back to.
func (s *Store) Rewind(target uint64) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		b := btx.Bucket(bucketLog)
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			_, commitVersion := decodeLogKey(k)
			if commitVersion > target {
				toDelete = append(toDelete, append([]byte{}, k...))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("persist: rewind delete: %w", err)
			}
		}
		return nil
	})
}

// CreateSnapshots records, for each named log index (or every log
// index currently present when logIndexes is empty), the highest
// commit version persisted so far. It does not itself compact the
// engine's in-memory state to disk — snapshotting full object-store
// contents is out of this package's scope (spec.md Non-goals'
// "on-disk page management") — it only marks a replay boundary a
// future loader could use to skip already-snapshotted log entries.
func (s *Store) CreateSnapshots(logIndexes []uint8) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		log := btx.Bucket(bucketLog)
		meta := btx.Bucket(bucketMeta)

		latest := map[uint8]uint64{}
		c := log.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			idx, commitVersion := decodeLogKey(k)
			if commitVersion > latest[idx] {
				latest[idx] = commitVersion
			}
		}

		targets := logIndexes
		if len(targets) == 0 {
			targets = make([]uint8, 0, len(latest))
			for idx := range latest {
				targets = append(targets, idx)
			}
		}

		for _, idx := range targets {
			var v [8]byte
			binary.BigEndian.PutUint64(v[:], latest[idx])
			if err := meta.Put(snapshotKey(idx), v[:]); err != nil {
				return fmt.Errorf("persist: write snapshot marker: %w", err)
			}
		}
		return nil
	})
}

func snapshotKey(logIndex uint8) []byte {
	return []byte{'s', 'n', 'a', 'p', logIndex}
}

// SnapshotVersion returns the last snapshotted commit version for
// logIndex, or (0, false) if none has been recorded.
func (s *Store) SnapshotVersion(logIndex uint8) (uint64, bool) {
	var v uint64
	var ok bool
	s.db.View(func(btx *bolt.Tx) error {
		data := btx.Bucket(bucketMeta).Get(snapshotKey(logIndex))
		if data == nil {
			return nil
		}
		v = binary.BigEndian.Uint64(data)
		ok = true
		return nil
	})
	return v, ok
}

// DisposeAll drops every persisted changeset and snapshot marker,
// used before a full alignment transfer replaces all engine state.
func (s *Store) DisposeAll() error {
	return s.db.Update(func(btx *bolt.Tx) error {
		if err := btx.DeleteBucket(bucketLog); err != nil {
			return fmt.Errorf("persist: dispose log bucket: %w", err)
		}
		if _, err := btx.CreateBucket(bucketLog); err != nil {
			return fmt.Errorf("persist: recreate log bucket: %w", err)
		}
		if err := btx.DeleteBucket(bucketMeta); err != nil {
			return fmt.Errorf("persist: dispose meta bucket: %w", err)
		}
		if _, err := btx.CreateBucket(bucketMeta); err != nil {
			return fmt.Errorf("persist: recreate meta bucket: %w", err)
		}
		return nil
	})
}

// Replay walks every persisted changeset in commit order, unsealing
// each before handing it to fn. The engine uses this on startup to
// rebuild in-memory state; it is the "restore callback" spec.md
// carves out of its persistence-replay non-goal.
func (s *Store) Replay(fn func(logIndex uint8, commitVersion uint64, changesetBytes []byte) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		b := btx.Bucket(bucketLog)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			idx, commitVersion := decodeLogKey(k)
			data, err := changeset.Unseal(v)
			if err != nil {
				return fmt.Errorf("persist: replay at version %d: %w", commitVersion, err)
			}
			if err := fn(idx, commitVersion, data); err != nil {
				return err
			}
		}
		return nil
	})
}
