package branchdb

import "context"

// Change is one row of the changes feed: a document id, the sequence it
// was written at, whether its winner is a tombstone, and every leaf
// revision currently on its tree.
type Change struct {
	ID       string
	Seq      int64
	Deleted  bool
	LeafRevs []Rev
}

// Missing is the result of RevsDiff: the subset of revs the target
// database does not yet have, plus the leaf tuples of branches it could
// extend to reach them.
type Missing struct {
	ID                string
	MissingRevs       []Rev
	PossibleAncestors []Rev
}

// RevsMode selects which branches Peer.Read returns.
type RevsMode int

const (
	// RevsWinner selects the single winning branch.
	RevsWinner RevsMode = iota
	// RevsAllLeaves selects every branch (conflicts included).
	RevsAllLeaves
	// RevsExplicit selects exactly the revisions named in RevsQuery.Explicit.
	RevsExplicit
)

// RevsQuery picks which revisions Peer.Read should resolve and return.
type RevsQuery struct {
	Mode     RevsMode
	Explicit []Rev
}

// ReadOptions controls how much of each selected revision Peer.Read
// materializes.
type ReadOptions struct {
	Body bool
	Atts AttachmentSelector
}

// ChangesOptions controls Peer.Changes.
type ChangesOptions struct {
	Continuous bool
}

// Peer is the uniform facade both a local Database and a remote HTTP
// peer satisfy (spec.md §4.D/§4.E). The Replicator is written once
// against this interface, composing two Peers without special access to
// either one's storage.
type Peer interface {
	// ID is this database's stable identifier.
	ID() string
	// Create brings a missing database into existence. Returns
	// PreconditionFailed if it already exists.
	Create(ctx context.Context) error
	// UpdateSeq returns the current update sequence.
	UpdateSeq(ctx context.Context) (int64, error)
	// Write applies a single document write. If checkConflict is set,
	// a forking merge outcome fails with Conflict — unless the
	// incoming (rev_num, path) was already present, which is never a
	// conflict regardless of checkConflict (spec.md §9 open question).
	Write(ctx context.Context, doc Document, checkConflict bool) error
	// WriteLocal overwrites or (value == nil) deletes a "_local/" document.
	WriteLocal(ctx context.Context, id string, value []byte) error
	// ReadLocal fetches a "_local/" document.
	ReadLocal(ctx context.Context, id string) ([]byte, bool, error)
	// Read yields zero or more Documents for id, resolved per q and opts.
	Read(ctx context.Context, id string, q RevsQuery, opts ReadOptions) ([]Document, error)
	// RevsDiff computes the subset of revs the peer lacks.
	RevsDiff(ctx context.Context, id string, revs []Rev) (Missing, error)
	// Changes streams changes with seq > since. The returned channel is
	// closed when the iteration ends (one-shot) or ctx is done
	// (continuous). stop must be called once the caller is done
	// draining, even if it did not drain to completion.
	Changes(ctx context.Context, since int64, opts ChangesOptions) (events <-chan Change, stop func(), err error)
	// EnsureFullCommit durably persists everything written so far.
	EnsureFullCommit(ctx context.Context) error
}
