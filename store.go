package branchdb

import "context"

// DocRecord is one row of a backend's by_id/by_seq tables: a document id,
// its full revision tree, and the update sequence it was last written
// at.
type DocRecord struct {
	ID   string
	Tree RevisionTree
	Seq  int64
}

// LocalRecord is one row of a backend's local-document table.
type LocalRecord struct {
	ID    string
	Value []byte
}

// Store is the uniform storage backend interface of spec.md §4.C.
// Implementations: backend/memory (in-memory, copy-on-write) and
// backend/sql (on-disk, WAL-mode SQL).
type Store interface {
	// ReadTransaction acquires a consistent, point-in-time snapshot.
	// Concurrent read transactions never observe mid-write state (P9).
	ReadTransaction(ctx context.Context) (ReadTxn, error)
	// WriteTransaction acquires the single writer slot. At most one
	// write transaction runs at a time; it must be committed or rolled
	// back to release the slot.
	WriteTransaction(ctx context.Context) (WriteTxn, error)
	// ID is a stable identifier for this database instance, used to
	// derive replication ids.
	ID() string
	Close() error
}

// ReadTxn is a scoped, released-on-Close read snapshot.
type ReadTxn interface {
	Read(id string) (RevisionTree, bool, error)
	ReadLocal(id string) ([]byte, bool, error)
	AllDocs(start, end []byte, descending bool) ([]DocRecord, error)
	AllLocalDocs(start, end []byte, descending bool) ([]LocalRecord, error)
	// Changes returns every non-local write with seq > since, in
	// ascending seq order (P4).
	Changes(since int64) ([]DocRecord, error)
	UpdateSeq() int64
	Close() error
}

// WriteTxn is the single in-flight write transaction. Exiting via Commit
// applies every buffered change atomically and bumps the update
// sequence once per Write call; Rollback discards them.
type WriteTxn interface {
	ReadTxn
	// Write stores tree for id, bumping the backend's update sequence
	// and reassigning the by_seq entry (spec.md §4.C).
	Write(id string, tree RevisionTree) error
	// WriteLocal overwrites (or, if tombstone, deletes) a local
	// document unconditionally.
	WriteLocal(id string, value []byte, tombstone bool) error
	Commit() error
	Rollback() error
}
