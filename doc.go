// Package branchdb implements the core of a CouchDB-compatible document
// database: a revision-tree storage engine and the bidirectional
// replication protocol that synchronizes two of them.
//
// Unlike a plain key/value store, every document id carries a forest of
// revision branches reflecting its edit history across disconnected
// replicas. Conflicts are first-class: concurrent edits produce sibling
// branches, a deterministic winner is always selectable, and replication
// exchanges exactly the missing history between any two replicas.
package branchdb
