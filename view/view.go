// Package view declares the collaborator boundary a map/reduce view
// indexer would build on. Indexing itself is out of scope: this package
// ships only the narrow interface branchdb.Database already satisfies,
// so a future indexer has something concrete to compile against without
// this module taking on query-language or index-storage concerns.
package view

import (
	"context"

	"github.com/azmodb/branchdb"
)

// Source is the read surface a view indexer needs from a document
// database: the changes feed to build and incrementally update an
// index, and point reads to resolve a matched document back to its
// current content.
type Source interface {
	Changes(ctx context.Context, since int64, opts branchdb.ChangesOptions) (events <-chan branchdb.Change, stop func(), err error)
	Read(ctx context.Context, id string, q branchdb.RevsQuery, opts branchdb.ReadOptions) ([]branchdb.Document, error)
}

var _ Source = (*branchdb.Database)(nil)
