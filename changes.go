package branchdb

import "context"

// Changes streams every write with seq > since (spec.md §4.D/§6). A
// one-shot call drains the backlog and closes events. A continuous call
// additionally blocks on the database's updateSignal between polls,
// re-draining whatever arrived since the last wakeup, until ctx is
// done or stop is called.
func (db *Database) Changes(ctx context.Context, since int64, opts ChangesOptions) (<-chan Change, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Change)

	go func() {
		defer close(out)
		last := since
		for {
			// Subscribe before draining, so a commit landing between the
			// drain and the wait still wakes this loop.
			wake := db.sig.wait()
			recs, err := db.drainChanges(ctx, last)
			if err != nil {
				return
			}
			for _, rec := range recs {
				select {
				case out <- toChange(rec):
				case <-ctx.Done():
					return
				}
				last = rec.Seq
			}
			if !opts.Continuous {
				return
			}
			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, cancel, nil
}

func (db *Database) drainChanges(ctx context.Context, since int64) ([]DocRecord, error) {
	txn, err := db.store.ReadTransaction(ctx)
	if err != nil {
		return nil, E("changes", KindOther, err)
	}
	defer txn.Close()
	return txn.Changes(since)
}

func toChange(rec DocRecord) Change {
	w, _ := rec.Tree.Winner()
	leaves := rec.Tree.Branches()
	revs := make([]Rev, len(leaves))
	for i, b := range leaves {
		revs[i] = b.LeafRevTuple()
	}
	return Change{ID: rec.ID, Seq: rec.Seq, Deleted: w.IsTombstone(), LeafRevs: revs}
}
