package branchdb

import "fmt"

// Local-document key namespaces used to retain leaf bodies, attachment
// stores, and attachment chunks inside a backend's local-document table
// (spec.md §6: "_body_<uuid>", "_att_store_<uuid>", "_chunk_<att_uuid>_<index>").

func bodyKey(ref string) string     { return "_body_" + ref }
func attStoreKey(ref string) string { return "_att_store_" + ref }

// chunkKey is fixed-width zero-padded so that lexical key order matches
// chunk index order on backends (like the SQL one) that iterate keys
// lexically.
func chunkKey(attID string, index int) string {
	return fmt.Sprintf("_chunk_%s_%010d", attID, index)
}

const revsLimitKey = "_revs_limit"

// DefaultRevsLimit is the default number of revisions retained per
// branch (spec.md §6).
const DefaultRevsLimit = 1000
