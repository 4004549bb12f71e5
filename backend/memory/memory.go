// Package memory implements branchdb.Store atop immutable LLRB trees,
// the same MVCC technique the root package's teacher uses for its
// in-memory key/value database: a copy-on-write tree swapped behind an
// atomic pointer gives every reader a consistent, lock-free snapshot,
// while a single mutex serializes writers.
package memory

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/azmodb/branchdb"
	"github.com/azmodb/llrb"
	"github.com/google/uuid"
)

type docElem struct {
	id   string
	tree branchdb.RevisionTree
	seq  int64
}

func (d *docElem) Compare(o llrb.Element) int {
	return bytes.Compare([]byte(d.id), []byte(o.(*docElem).id))
}

type seqElem struct {
	seq int64
	id  string
}

func (s *seqElem) Compare(o llrb.Element) int {
	os := o.(*seqElem)
	switch {
	case s.seq < os.seq:
		return -1
	case s.seq > os.seq:
		return 1
	default:
		return 0
	}
}

type localElem struct {
	id    string
	value []byte
}

func (l *localElem) Compare(o llrb.Element) int {
	return bytes.Compare([]byte(l.id), []byte(o.(*localElem).id))
}

// snapshot is one immutable, consistent view of the store: readers hold
// a *snapshot for their whole transaction and never observe a partial
// write (P9).
type snapshot struct {
	byID  *llrb.Tree
	bySeq *llrb.Tree
	local *llrb.Tree
	seq   int64
}

// Store is an in-memory branchdb.Store. It never persists to disk; use
// backend/sql for a durable backend.
type Store struct {
	id     string
	writer sync.Mutex
	snap   unsafe.Pointer // *snapshot
}

// New returns an empty in-memory Store.
func New() *Store {
	s := &snapshot{byID: &llrb.Tree{}, bySeq: &llrb.Tree{}, local: &llrb.Tree{}}
	return &Store{id: uuid.NewString(), snap: unsafe.Pointer(s)}
}

var _ branchdb.Store = (*Store)(nil)

func (s *Store) ID() string   { return s.id }
func (s *Store) Close() error { return nil }

func (s *Store) load() *snapshot   { return (*snapshot)(atomic.LoadPointer(&s.snap)) }
func (s *Store) swap(sn *snapshot) { atomic.StorePointer(&s.snap, unsafe.Pointer(sn)) }

func (s *Store) ReadTransaction(ctx context.Context) (branchdb.ReadTxn, error) {
	return &readTxn{snap: s.load()}, nil
}

func (s *Store) WriteTransaction(ctx context.Context) (branchdb.WriteTxn, error) {
	s.writer.Lock()
	snap := s.load()
	return &writeTxn{
		readTxn: readTxn{snap: snap},
		store:   s,
		byID:    snap.byID.Txn(),
		bySeq:   snap.bySeq.Txn(),
		local:   snap.local.Txn(),
		seq:     snap.seq,
	}, nil
}

type readTxn struct{ snap *snapshot }

func (t *readTxn) Close() error     { return nil }
func (t *readTxn) UpdateSeq() int64 { return t.snap.seq }

func (t *readTxn) Read(id string) (branchdb.RevisionTree, bool, error) {
	elem := t.snap.byID.Get(&docElem{id: id})
	if elem == nil {
		return nil, false, nil
	}
	return elem.(*docElem).tree, true, nil
}

func (t *readTxn) ReadLocal(id string) ([]byte, bool, error) {
	elem := t.snap.local.Get(&localElem{id: id})
	if elem == nil {
		return nil, false, nil
	}
	return elem.(*localElem).value, true, nil
}

func (t *readTxn) AllDocs(start, end []byte, descending bool) ([]branchdb.DocRecord, error) {
	var recs []branchdb.DocRecord
	t.snap.byID.ForEach(func(e llrb.Element) bool {
		d := e.(*docElem)
		if inRange([]byte(d.id), start, end) {
			recs = append(recs, branchdb.DocRecord{ID: d.id, Tree: d.tree, Seq: d.seq})
		}
		return false
	})
	if descending {
		reverseDocRecords(recs)
	}
	return recs, nil
}

func (t *readTxn) AllLocalDocs(start, end []byte, descending bool) ([]branchdb.LocalRecord, error) {
	var recs []branchdb.LocalRecord
	t.snap.local.ForEach(func(e llrb.Element) bool {
		l := e.(*localElem)
		if inRange([]byte(l.id), start, end) {
			recs = append(recs, branchdb.LocalRecord{ID: l.id, Value: l.value})
		}
		return false
	})
	if descending {
		reverseLocalRecords(recs)
	}
	return recs, nil
}

// Changes returns every write with seq > since in ascending seq order
// (P4). by_seq holds exactly one live entry per document: Write deletes
// the document's previous seq entry before inserting the new one, so no
// deduplication is needed here.
func (t *readTxn) Changes(since int64) ([]branchdb.DocRecord, error) {
	var recs []branchdb.DocRecord
	t.snap.bySeq.ForEach(func(e llrb.Element) bool {
		se := e.(*seqElem)
		if se.seq <= since {
			return false
		}
		d := t.snap.byID.Get(&docElem{id: se.id})
		if d != nil {
			de := d.(*docElem)
			recs = append(recs, branchdb.DocRecord{ID: de.id, Tree: de.tree, Seq: de.seq})
		}
		return false
	})
	sortDocRecordsBySeq(recs)
	return recs, nil
}

func inRange(key, start, end []byte) bool {
	if start != nil && bytes.Compare(key, start) < 0 {
		return false
	}
	if end != nil && bytes.Compare(key, end) >= 0 {
		return false
	}
	return true
}

func reverseDocRecords(recs []branchdb.DocRecord) {
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
}

func reverseLocalRecords(recs []branchdb.LocalRecord) {
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
}

func sortDocRecordsBySeq(recs []branchdb.DocRecord) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j-1].Seq > recs[j].Seq; j-- {
			recs[j-1], recs[j] = recs[j], recs[j-1]
		}
	}
}

// writeTxn is the single in-flight write transaction: reads see the
// pre-write snapshot (the teacher's Txn offers no read-your-writes
// either), writes accumulate in three llrb.Txn values, and Commit swaps
// in one new snapshot atomically.
type writeTxn struct {
	readTxn
	store *Store
	byID  *llrb.Txn
	bySeq *llrb.Txn
	local *llrb.Txn
	seq   int64
	done  bool
}

func (t *writeTxn) Write(id string, tree branchdb.RevisionTree) error {
	if old := t.byID.Get(&docElem{id: id}); old != nil {
		t.bySeq.Delete(&seqElem{seq: old.(*docElem).seq})
	}
	t.seq++
	t.byID.Insert(&docElem{id: id, tree: tree, seq: t.seq})
	t.bySeq.Insert(&seqElem{seq: t.seq, id: id})
	return nil
}

func (t *writeTxn) WriteLocal(id string, value []byte, tombstone bool) error {
	if tombstone {
		t.local.Delete(&localElem{id: id})
		return nil
	}
	t.local.Insert(&localElem{id: id, value: value})
	return nil
}

func (t *writeTxn) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.swap(&snapshot{
		byID:  t.byID.Commit(),
		bySeq: t.bySeq.Commit(),
		local: t.local.Commit(),
		seq:   t.seq,
	})
	t.store.writer.Unlock()
	return nil
}

func (t *writeTxn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.writer.Unlock()
	return nil
}
