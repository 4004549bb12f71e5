// Package sqlstore implements branchdb.Store atop a WAL-mode SQLite
// database, grounded on the "schema-as-string-constant, PRAGMA
// busy_timeout, mutex-serialized writer" idiom used elsewhere in the
// pack's SQLite storage layers; statements are issued directly, without
// preparing them. Schema follows spec.md §4.C/§6: revision_trees and
// local_documents (the latter doubling as chunk and revs_limit storage),
// plus a store_meta table holding the store's stable id.
package sqlstore

import (
	"bytes"
	"context"
	"database/sql"
	"strings"
	"sync"

	"github.com/azmodb/branchdb"
	"github.com/azmodb/branchdb/pb"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS revision_trees (
	id       TEXT PRIMARY KEY,
	rev_tree BLOB NOT NULL,
	seq      INTEGER NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS local_documents (
	id      TEXT PRIMARY KEY,
	is_json INTEGER NOT NULL,
	data    BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS store_meta (
	id TEXT NOT NULL
);

PRAGMA journal_mode = WAL;
PRAGMA busy_timeout = 5000;
`

// Store is an on-disk branchdb.Store backed by SQLite.
type Store struct {
	id     string
	db     *sql.DB
	writer sync.Mutex
}

var _ branchdb.Store = (*Store)(nil)

// Open creates or reuses the SQLite database at path ("" or ":memory:"
// for a private in-memory instance, mainly useful for tests — the
// on-disk WAL mode of the real deployment path needs a real file).
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, branchdb.E("open", branchdb.KindOther, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, branchdb.E("open", branchdb.KindOther, err)
	}

	s := &Store{db: db}
	if err := s.loadOrCreateID(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadOrCreateID() error {
	row := s.db.QueryRow(`SELECT id FROM store_meta LIMIT 1`)
	var id string
	switch err := row.Scan(&id); err {
	case nil:
		s.id = id
		return nil
	case sql.ErrNoRows:
		s.id = uuid.NewString()
		_, err := s.db.Exec(`INSERT INTO store_meta (id) VALUES (?)`, s.id)
		if err != nil {
			return branchdb.E("open", branchdb.KindOther, err)
		}
		return nil
	default:
		return branchdb.E("open", branchdb.KindOther, err)
	}
}

func (s *Store) ID() string   { return s.id }
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ReadTransaction(ctx context.Context) (branchdb.ReadTxn, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, branchdb.E("read_transaction", branchdb.KindOther, err)
	}
	return &readTxn{ctx: ctx, tx: tx}, nil
}

func (s *Store) WriteTransaction(ctx context.Context) (branchdb.WriteTxn, error) {
	s.writer.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.writer.Unlock()
		return nil, branchdb.E("write_transaction", branchdb.KindOther, err)
	}

	rt := &readTxn{ctx: ctx, tx: tx}
	seq, err := rt.UpdateSeqErr()
	if err != nil {
		tx.Rollback()
		s.writer.Unlock()
		return nil, err
	}
	return &writeTxn{readTxn: rt, store: s, seq: seq}, nil
}

type readTxn struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *readTxn) Close() error { return t.tx.Rollback() }

func (t *readTxn) UpdateSeq() int64 {
	seq, _ := t.UpdateSeqErr()
	return seq
}

func (t *readTxn) UpdateSeqErr() (int64, error) {
	var seq sql.NullInt64
	row := t.tx.QueryRowContext(t.ctx, `SELECT MAX(seq) FROM revision_trees`)
	if err := row.Scan(&seq); err != nil {
		return 0, branchdb.E("update_seq", branchdb.KindOther, err)
	}
	return seq.Int64, nil
}

func (t *readTxn) Read(id string) (branchdb.RevisionTree, bool, error) {
	var blob []byte
	row := t.tx.QueryRowContext(t.ctx, `SELECT rev_tree FROM revision_trees WHERE id = ?`, id)
	switch err := row.Scan(&blob); err {
	case nil:
		tree, err := decodeTree(blob)
		if err != nil {
			return nil, false, branchdb.E("read", branchdb.KindOther, err)
		}
		return tree, true, nil
	case sql.ErrNoRows:
		return nil, false, nil
	default:
		return nil, false, branchdb.E("read", branchdb.KindOther, err)
	}
}

func (t *readTxn) ReadLocal(id string) ([]byte, bool, error) {
	var data []byte
	row := t.tx.QueryRowContext(t.ctx, `SELECT data FROM local_documents WHERE id = ?`, id)
	switch err := row.Scan(&data); err {
	case nil:
		return data, true, nil
	case sql.ErrNoRows:
		return nil, false, nil
	default:
		return nil, false, branchdb.E("read_local", branchdb.KindOther, err)
	}
}

func (t *readTxn) AllDocs(start, end []byte, descending bool) ([]branchdb.DocRecord, error) {
	q, args := rangeQuery(`SELECT id, rev_tree, seq FROM revision_trees`, "id", start, end, descending)
	rows, err := t.tx.QueryContext(t.ctx, q, args...)
	if err != nil {
		return nil, branchdb.E("all_docs", branchdb.KindOther, err)
	}
	defer rows.Close()

	var recs []branchdb.DocRecord
	for rows.Next() {
		var id string
		var blob []byte
		var seq int64
		if err := rows.Scan(&id, &blob, &seq); err != nil {
			return nil, branchdb.E("all_docs", branchdb.KindOther, err)
		}
		tree, err := decodeTree(blob)
		if err != nil {
			return nil, branchdb.E("all_docs", branchdb.KindOther, err)
		}
		recs = append(recs, branchdb.DocRecord{ID: id, Tree: tree, Seq: seq})
	}
	return recs, rows.Err()
}

func (t *readTxn) AllLocalDocs(start, end []byte, descending bool) ([]branchdb.LocalRecord, error) {
	q, args := rangeQuery(`SELECT id, data FROM local_documents`, "id", start, end, descending)
	rows, err := t.tx.QueryContext(t.ctx, q, args...)
	if err != nil {
		return nil, branchdb.E("all_local_docs", branchdb.KindOther, err)
	}
	defer rows.Close()

	var recs []branchdb.LocalRecord
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, branchdb.E("all_local_docs", branchdb.KindOther, err)
		}
		recs = append(recs, branchdb.LocalRecord{ID: id, Value: data})
	}
	return recs, rows.Err()
}

func (t *readTxn) Changes(since int64) ([]branchdb.DocRecord, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT id, rev_tree, seq FROM revision_trees WHERE seq > ? ORDER BY seq ASC`, since)
	if err != nil {
		return nil, branchdb.E("changes", branchdb.KindOther, err)
	}
	defer rows.Close()

	var recs []branchdb.DocRecord
	for rows.Next() {
		var id string
		var blob []byte
		var seq int64
		if err := rows.Scan(&id, &blob, &seq); err != nil {
			return nil, branchdb.E("changes", branchdb.KindOther, err)
		}
		tree, err := decodeTree(blob)
		if err != nil {
			return nil, branchdb.E("changes", branchdb.KindOther, err)
		}
		recs = append(recs, branchdb.DocRecord{ID: id, Tree: tree, Seq: seq})
	}
	return recs, rows.Err()
}

// rangeQuery builds a half-open [start, end) range query over column,
// ordered ascending or descending. A nil bound drops that side of the
// range entirely.
func rangeQuery(base, column string, start, end []byte, descending bool) (string, []interface{}) {
	var where []string
	var args []interface{}
	if start != nil {
		where = append(where, column+" >= ?")
		args = append(args, string(start))
	}
	if end != nil {
		where = append(where, column+" < ?")
		args = append(args, string(end))
	}

	q := base
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY " + column
	if descending {
		q += " DESC"
	}
	return q, args
}

func decodeTree(blob []byte) (branchdb.RevisionTree, error) {
	wire := pb.NewRevisionTree()
	defer wire.Close()
	if err := wire.Unmarshal(blob); err != nil {
		return nil, err
	}
	tree := make(branchdb.RevisionTree, len(wire.Branches))
	for i, b := range wire.Branches {
		branch := branchdb.Branch{LeafRevNum: b.LeafRevNum, Path: b.Path}
		if b.HasPtr {
			branch.Ptr = &branchdb.DocPtr{BodyRef: b.BodyRef, AttStoreRef: b.AttStoreRef}
		}
		tree[i] = branch
	}
	return tree, nil
}

func encodeTree(tree branchdb.RevisionTree) []byte {
	wire := pb.NewRevisionTree()
	wire.Branches = make([]*pb.Branch, len(tree))
	for i, b := range tree {
		pbb := pb.NewBranch()
		pbb.LeafRevNum, pbb.Path = b.LeafRevNum, b.Path
		if b.Ptr != nil {
			pbb.HasPtr = true
			pbb.BodyRef = b.Ptr.BodyRef
			pbb.AttStoreRef = b.Ptr.AttStoreRef
		}
		wire.Branches[i] = pbb
	}
	defer wire.Close()
	return pb.MustMarshal(wire)
}

// isJSONKey reports whether a local-document key holds a JSON document
// body/attachment-store record rather than a raw attachment chunk —
// informational only (spec.md §4.C's is_json column), not branched on
// by this backend.
func isJSONKey(id string) bool {
	return !bytes.HasPrefix([]byte(id), []byte("_chunk_"))
}

type writeTxn struct {
	*readTxn
	store *Store
	seq   int64
	done  bool
}

func (t *writeTxn) Write(id string, tree branchdb.RevisionTree) error {
	t.seq++
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO revision_trees (id, rev_tree, seq) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET rev_tree = excluded.rev_tree, seq = excluded.seq`,
		id, encodeTree(tree), t.seq)
	if err != nil {
		return branchdb.E("write", branchdb.KindOther, err)
	}
	return nil
}

func (t *writeTxn) WriteLocal(id string, value []byte, tombstone bool) error {
	var err error
	if tombstone {
		_, err = t.tx.ExecContext(t.ctx, `DELETE FROM local_documents WHERE id = ?`, id)
	} else {
		isJSON := 0
		if isJSONKey(id) {
			isJSON = 1
		}
		_, err = t.tx.ExecContext(t.ctx,
			`INSERT INTO local_documents (id, is_json, data) VALUES (?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET is_json = excluded.is_json, data = excluded.data`,
			id, isJSON, value)
	}
	if err != nil {
		return branchdb.E("write_local", branchdb.KindOther, err)
	}
	return nil
}

func (t *writeTxn) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.store.writer.Unlock()
	if err := t.tx.Commit(); err != nil {
		return branchdb.E("commit", branchdb.KindOther, err)
	}
	return nil
}

func (t *writeTxn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.store.writer.Unlock()
	if err := t.tx.Rollback(); err != nil {
		return branchdb.E("rollback", branchdb.KindOther, err)
	}
	return nil
}
