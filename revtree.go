package branchdb

import "sort"

// DocPtr is a handle to a leaf revision's body and attachment store. A
// nil *DocPtr marks a tombstone (deleted leaf).
type DocPtr struct {
	BodyRef     string
	AttStoreRef string
}

// Branch is one linear branch of a document's revision history: a leaf
// revision number, the path of ancestor hashes leading up to it (newest
// first, length at most revs_limit), and a pointer to the leaf's body.
type Branch struct {
	LeafRevNum int64
	Path       []string // newest first
	Ptr        *DocPtr  // nil => tombstone
}

// LeafRevTuple returns the (num, hash) pair identifying this branch's
// leaf revision.
func (b Branch) LeafRevTuple() Rev {
	if len(b.Path) == 0 {
		return Rev{Num: b.LeafRevNum}
	}
	return Rev{Num: b.LeafRevNum, Hash: b.Path[0]}
}

// IsTombstone reports whether this branch's leaf is a deletion.
func (b Branch) IsTombstone() bool { return b.Ptr == nil }

// Contains reports whether revision (num, hash) lies on this branch.
func (b Branch) Contains(num int64, hash string) bool {
	i := b.LeafRevNum - num
	if i < 0 || int(i) >= len(b.Path) {
		return false
	}
	return b.Path[i] == hash
}

// startNum is the revision number of the oldest revision retained on
// this branch.
func (b Branch) startNum() int64 {
	return b.LeafRevNum - int64(len(b.Path)) + 1
}

// hashAt returns the hash of revision num on this branch, if retained.
func (b Branch) hashAt(num int64) (string, bool) {
	i := b.LeafRevNum - num
	if i < 0 || int(i) >= len(b.Path) {
		return "", false
	}
	return b.Path[i], true
}

// less orders branches by ascending leaf rev tuple: number, then hash.
func (b Branch) less(o Branch) bool {
	return b.LeafRevTuple().Less(o.LeafRevTuple())
}

// RevisionTree is the forest of branches for one document, kept sorted
// ascending by leaf rev tuple (invariant I4). The winner is found by
// scanning from the end: it is the last non-tombstone branch, or the
// last branch if every branch is a tombstone.
type RevisionTree []Branch

// Outcome classifies how an incoming revision relates to the current
// tree, as decided by RevisionTree.Merge.
type Outcome int

const (
	// AlreadyPresent means the incoming revision is already on some
	// branch; nothing to do.
	AlreadyPresent Outcome = iota
	// ReplaceInsert means the incoming revision extends an existing
	// branch; that branch is replaced by the longer one.
	ReplaceInsert
	// ForkInsert means the incoming revision shares an ancestor with
	// an existing branch but diverges from its leaf: a new sibling
	// branch (conflict) is created.
	ForkInsert
	// NewInsert means the incoming revision shares no history with
	// any existing branch: an unrelated new branch is created.
	NewInsert
)

// MergeResult is the decision produced by RevisionTree.Merge.
type MergeResult struct {
	Outcome       Outcome
	FullPath      []string // newest first; only set for the three non-AlreadyPresent outcomes
	ReplacedIndex int      // index of the branch being replaced, or -1
}

// Merge decides how an incoming revision (revNum, path) — path newest
// first — relates to the tree, without mutating it. Callers apply the
// decision with Update.
func (t RevisionTree) Merge(revNum int64, path []string) MergeResult {
	if len(path) == 0 {
		return MergeResult{Outcome: NewInsert, FullPath: path, ReplacedIndex: -1}
	}
	leafHash := path[0]

	// 1. already present?
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].Contains(revNum, leafHash) {
			return MergeResult{Outcome: AlreadyPresent, ReplacedIndex: -1}
		}
	}

	// 2. does the incoming path extend some existing branch?
	for i := len(t) - 1; i >= 0; i-- {
		b := t[i]
		k := revNum - b.LeafRevNum
		if k >= 0 && int(k) < len(path) && len(b.Path) > 0 && path[k] == b.Path[0] {
			full := make([]string, 0, int(k)+len(b.Path))
			full = append(full, path[:k]...)
			full = append(full, b.Path...)
			return MergeResult{Outcome: ReplaceInsert, FullPath: full, ReplacedIndex: i}
		}
	}

	// 3. does the incoming path fork from some existing branch at a
	// shared ancestor revision?
	docStart := revNum - int64(len(path)) + 1
	for i := len(t) - 1; i >= 0; i-- {
		b := t[i]
		r := b.startNum()
		if docStart > r {
			r = docStart
		}
		bi := b.LeafRevNum - r
		di := revNum - r
		if bi < 0 || int(bi) >= len(b.Path) || di < 0 || int(di) >= len(path) {
			continue
		}
		if b.Path[bi] == path[di] {
			full := make([]string, 0, int(di)+len(b.Path)-int(bi))
			full = append(full, path[:di]...)
			full = append(full, b.Path[bi:]...)
			return MergeResult{Outcome: ForkInsert, FullPath: full, ReplacedIndex: -1}
		}
	}

	// 4. unrelated history
	return MergeResult{Outcome: NewInsert, FullPath: path, ReplacedIndex: -1}
}

// Update applies a merge decision: it removes the replaced branch (if
// any), truncates fullPath to revsLimit entries (oldest dropped first),
// and inserts the resulting branch keeping the tree sorted by leaf rev
// tuple (I4).
func (t RevisionTree) Update(revNum int64, fullPath []string, ptr *DocPtr, replacedIndex int, revsLimit int) RevisionTree {
	out := make(RevisionTree, 0, len(t)+1)
	for i, b := range t {
		if i == replacedIndex {
			continue
		}
		out = append(out, b)
	}

	if revsLimit > 0 && len(fullPath) > revsLimit {
		fullPath = fullPath[:revsLimit]
	}
	nb := Branch{LeafRevNum: revNum, Path: fullPath, Ptr: ptr}

	i := sort.Search(len(out), func(i int) bool { return !out[i].less(nb) })
	out = append(out, Branch{})
	copy(out[i+1:], out[i:])
	out[i] = nb
	return out
}

// Find returns every branch that contains revision (num, hash).
func (t RevisionTree) Find(num int64, hash string) []Branch {
	var found []Branch
	for _, b := range t {
		if b.Contains(num, hash) {
			found = append(found, b)
		}
	}
	return found
}

// Missing reports whether revision (num, hash) is absent from the tree
// (is_missing), plus the leaf tuples of branches shorter than num —
// candidates a peer could extend to reach it (possible_ancestors).
func (t RevisionTree) Missing(num int64, hash string) (isMissing bool, possibleAncestors []Rev) {
	isMissing = len(t.Find(num, hash)) == 0
	if !isMissing {
		return false, nil
	}
	for _, b := range t {
		if b.LeafRevNum < num {
			possibleAncestors = append(possibleAncestors, b.LeafRevTuple())
		}
	}
	return true, possibleAncestors
}

// Branches returns the tree's branches in reverse sort order — winner
// candidates first.
func (t RevisionTree) Branches() []Branch {
	out := make([]Branch, len(t))
	for i, b := range t {
		out[len(t)-1-i] = b
	}
	return out
}

// Winner returns the last non-tombstone branch in sort order, or — if
// every branch is a tombstone — the last branch overall. Deterministic
// across replicas (P3) because the tree's sort order is total (I4).
func (t RevisionTree) Winner() (Branch, bool) {
	if len(t) == 0 {
		return Branch{}, false
	}
	for i := len(t) - 1; i >= 0; i-- {
		if !t[i].IsTombstone() {
			return t[i], true
		}
	}
	return t[len(t)-1], true
}
