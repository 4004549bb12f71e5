package branchdb

import (
	"context"
	"strconv"
)

// Database is the facade of spec.md §4.D: it applies revision-tree merge
// logic and attachment bookkeeping atop a Store, exposing the uniform
// Peer surface the Replicator composes. Grounded on the teacher's
// (*azmodb/db).DB, which plays the same role atop its llrb-backed
// storage: a thin façade that turns raw transactions into a richer API.
type Database struct {
	store     Store
	revsLimit int

	sig *updateSignal
}

var _ Peer = (*Database)(nil)

// Open wraps store in a Database facade. If store already has a
// persisted "_revs_limit" local document (spec.md §6), that value wins
// regardless of revsLimit; otherwise revsLimit is adopted (falling back
// to DefaultRevsLimit when <= 0) and persisted so it survives a reopen.
func Open(store Store, revsLimit int) *Database {
	ctx := context.Background()
	if persisted, ok := loadRevsLimit(ctx, store); ok {
		revsLimit = persisted
	} else {
		if revsLimit <= 0 {
			revsLimit = DefaultRevsLimit
		}
		storeRevsLimit(ctx, store, revsLimit)
	}
	return &Database{store: store, revsLimit: revsLimit, sig: newUpdateSignal()}
}

// SetRevsLimit changes and persists the per-document revision-path
// retention limit applied to subsequent writes (spec.md §6, I3/P7).
func (db *Database) SetRevsLimit(ctx context.Context, n int) error {
	if n <= 0 {
		return E("set_revs_limit", KindPreconditionFailed, nil)
	}
	if err := storeRevsLimit(ctx, db.store, n); err != nil {
		return E("set_revs_limit", KindOther, err)
	}
	db.revsLimit = n
	return nil
}

// RevsLimit returns the currently effective revs_limit.
func (db *Database) RevsLimit() int { return db.revsLimit }

func loadRevsLimit(ctx context.Context, store Store) (int, bool) {
	txn, err := store.ReadTransaction(ctx)
	if err != nil {
		return 0, false
	}
	defer txn.Close()

	data, ok, err := txn.ReadLocal(revsLimitKey)
	if err != nil || !ok {
		return 0, false
	}
	n, err := strconv.Atoi(string(data))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func storeRevsLimit(ctx context.Context, store Store, n int) error {
	wtxn, err := store.WriteTransaction(ctx)
	if err != nil {
		return err
	}
	if err := wtxn.WriteLocal(revsLimitKey, []byte(strconv.Itoa(n)), false); err != nil {
		wtxn.Rollback()
		return err
	}
	return wtxn.Commit()
}

// ID returns the backend's stable identifier.
func (db *Database) ID() string { return db.store.ID() }

// Create always fails with PreconditionFailed for a local Database: by
// construction, if the caller holds a *Database it already exists.
// Remote peers are the ones that may need PUT / semantics
// (branchdb/remote).
func (db *Database) Create(ctx context.Context) error {
	return E("create", KindPreconditionFailed, nil)
}

// UpdateSeq returns the database's current update sequence.
func (db *Database) UpdateSeq(ctx context.Context) (int64, error) {
	txn, err := db.store.ReadTransaction(ctx)
	if err != nil {
		return 0, E("update_seq", KindOther, err)
	}
	defer txn.Close()
	return txn.UpdateSeq(), nil
}

// EnsureFullCommit durably persists everything written so far. Local
// backends are already durable at commit time; if the underlying Store
// has an optional Sync() error method, it is invoked.
func (db *Database) EnsureFullCommit(ctx context.Context) error {
	if s, ok := db.store.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			return E("ensure_full_commit", KindOther, err)
		}
	}
	return nil
}

// ReadLocal fetches a "_local/" document's raw value.
func (db *Database) ReadLocal(ctx context.Context, id string) ([]byte, bool, error) {
	txn, err := db.store.ReadTransaction(ctx)
	if err != nil {
		return nil, false, E("read_local", KindOther, err)
	}
	defer txn.Close()
	return txn.ReadLocal(id)
}

// WriteLocal overwrites (value != nil) or deletes (value == nil) a
// "_local/" document unconditionally.
func (db *Database) WriteLocal(ctx context.Context, id string, value []byte) error {
	wtxn, err := db.store.WriteTransaction(ctx)
	if err != nil {
		return E("write_local", KindOther, err)
	}
	if err := wtxn.WriteLocal(id, value, value == nil); err != nil {
		wtxn.Rollback()
		return E("write_local", KindOther, err)
	}
	return wtxn.Commit()
}

// RevsDiff computes the subset of revs this database lacks, plus the
// leaf tuples of branches it could extend to reach them (spec.md §4.A,
// S5).
func (db *Database) RevsDiff(ctx context.Context, id string, revs []Rev) (Missing, error) {
	txn, err := db.store.ReadTransaction(ctx)
	if err != nil {
		return Missing{}, E("revs_diff", KindOther, err)
	}
	defer txn.Close()

	tree, _, err := txn.Read(id)
	if err != nil {
		return Missing{}, E("revs_diff", KindOther, err)
	}

	out := Missing{ID: id}
	seenAncestor := map[Rev]bool{}
	for _, r := range revs {
		missing, ancestors := tree.Missing(r.Num, r.Hash)
		if !missing {
			continue
		}
		out.MissingRevs = append(out.MissingRevs, r)
		for _, a := range ancestors {
			if !seenAncestor[a] {
				seenAncestor[a] = true
				out.PossibleAncestors = append(out.PossibleAncestors, a)
			}
		}
	}
	return out, nil
}

// AllDocs iterates non-tombstone winners over [start, end) in by_id
// order (descending reverses direction). Not part of the Peer
// interface the Replicator uses, but part of the public Database API
// (spec.md §4.D).
func (db *Database) AllDocs(ctx context.Context, start, end []byte, descending bool) ([]Document, error) {
	txn, err := db.store.ReadTransaction(ctx)
	if err != nil {
		return nil, E("all_docs", KindOther, err)
	}
	defer txn.Close()

	recs, err := txn.AllDocs(start, end, descending)
	if err != nil {
		return nil, E("all_docs", KindOther, err)
	}

	docs := make([]Document, 0, len(recs))
	for _, rec := range recs {
		w, ok := rec.Tree.Winner()
		if !ok || w.IsTombstone() {
			continue
		}
		docs = append(docs, Document{ID: rec.ID, Rev: w.LeafRevTuple(), Revisions: revisionsOf(w)})
	}
	return docs, nil
}

func revisionsOf(b Branch) *Revisions {
	r := ToRevisions(b.LeafRevNum, b.Path)
	return &r
}
