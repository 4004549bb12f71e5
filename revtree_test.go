package branchdb

import "testing"

func mustPtr(s string) *DocPtr { return &DocPtr{BodyRef: s} }

func applyMerge(t RevisionTree, num int64, path []string, ptr *DocPtr, revsLimit int) (RevisionTree, MergeResult) {
	res := t.Merge(num, path)
	if res.Outcome == AlreadyPresent {
		return t, res
	}
	return t.Update(num, res.FullPath, ptr, res.ReplacedIndex, revsLimit), res
}

// S1: linear history.
func TestRevisionTreeLinearHistory(t *testing.T) {
	var tree RevisionTree
	tree, _ = applyMerge(tree, 1, []string{"a"}, mustPtr("x1"), 1000)
	tree, _ = applyMerge(tree, 2, []string{"b", "a"}, mustPtr("x2"), 1000)
	tree, _ = applyMerge(tree, 3, []string{"c", "b", "a"}, mustPtr("x3"), 1000)

	if len(tree) != 1 {
		t.Fatalf("expected one branch, got %d", len(tree))
	}
	w, ok := tree.Winner()
	if !ok {
		t.Fatalf("expected a winner")
	}
	if w.LeafRevNum != 3 || w.Path[0] != "c" {
		t.Fatalf("unexpected winner: %+v", w)
	}
}

// S2: conflict, lexicographic tie-break.
func TestRevisionTreeConflict(t *testing.T) {
	var tree RevisionTree
	tree, _ = applyMerge(tree, 1, []string{"a"}, mustPtr("h=w"), 1000)
	tree, res := applyMerge(tree, 1, []string{"b"}, mustPtr("h=t"), 1000)

	if res.Outcome != ForkInsert && res.Outcome != NewInsert {
		t.Fatalf("expected a sibling branch, got outcome %v", res.Outcome)
	}
	if len(tree) != 2 {
		t.Fatalf("expected two branches, got %d", len(tree))
	}
	w, _ := tree.Winner()
	if w.Path[0] != "b" {
		t.Fatalf("expected winner %q, got %q", "b", w.Path[0])
	}
}

// P2: extension collapse.
func TestRevisionTreeExtensionCollapse(t *testing.T) {
	var tree RevisionTree
	tree, _ = applyMerge(tree, 1, []string{"a"}, mustPtr("x1"), 1000)
	tree, res := applyMerge(tree, 2, []string{"b", "a"}, mustPtr("x2"), 1000)

	if res.Outcome != ReplaceInsert {
		t.Fatalf("expected ReplaceInsert, got %v", res.Outcome)
	}
	if len(tree) != 1 {
		t.Fatalf("expected exactly one branch after extension, got %d", len(tree))
	}
	if tree[0].LeafRevNum != 2 || len(tree[0].Path) != 2 {
		t.Fatalf("unexpected branch after extension: %+v", tree[0])
	}
}

// P1: merge idempotence.
func TestRevisionTreeMergeIdempotent(t *testing.T) {
	var tree RevisionTree
	tree, _ = applyMerge(tree, 1, []string{"a"}, mustPtr("x1"), 1000)
	before := len(tree)
	res := tree.Merge(1, []string{"a"})
	if res.Outcome != AlreadyPresent {
		t.Fatalf("expected AlreadyPresent on replay, got %v", res.Outcome)
	}
	if len(tree) != before {
		t.Fatalf("tree mutated by a no-op merge")
	}
}

// S3: tombstone resurrection.
func TestRevisionTreeTombstoneResurrection(t *testing.T) {
	var tree RevisionTree
	tree, _ = applyMerge(tree, 1, []string{"a"}, mustPtr("x1"), 1000)
	tree, _ = applyMerge(tree, 2, []string{"b", "a"}, mustPtr("x2"), 1000)
	tree, _ = applyMerge(tree, 3, []string{"c", "b", "a"}, mustPtr("x3"), 1000)

	tree, _ = applyMerge(tree, 4, []string{"e", "c", "b", "a"}, nil, 1000)
	tree, _ = applyMerge(tree, 2, []string{"d", "a"}, mustPtr("x4"), 1000)

	w, _ := tree.Winner()
	if w.LeafRevNum != 2 || w.Path[0] != "d" {
		t.Fatalf("expected non-tombstone winner (2,d), got %+v", w)
	}

	tree, _ = applyMerge(tree, 3, []string{"f", "d", "a"}, nil, 1000)
	w, _ = tree.Winner()
	if w.LeafRevNum != 4 || w.Path[0] != "e" {
		t.Fatalf("expected highest-seq tombstone winner (4,e), got %+v", w)
	}
}

// P7: revs_limit truncation keeps the most recent entries.
func TestRevisionTreeRevsLimit(t *testing.T) {
	var tree RevisionTree
	tree, _ = applyMerge(tree, 1, []string{"a"}, mustPtr("x1"), 2)
	tree, _ = applyMerge(tree, 2, []string{"b", "a"}, mustPtr("x2"), 2)
	tree, _ = applyMerge(tree, 3, []string{"c", "b", "a"}, mustPtr("x3"), 2)

	if len(tree[0].Path) > 2 {
		t.Fatalf("expected path truncated to 2, got %d", len(tree[0].Path))
	}
	if tree[0].Path[0] != "c" || tree[0].Path[1] != "b" {
		t.Fatalf("expected most recent entries retained, got %v", tree[0].Path)
	}
}

// S5: revs_diff.
func TestRevisionTreeMissing(t *testing.T) {
	var tree RevisionTree
	tree, _ = applyMerge(tree, 1, []string{"a"}, mustPtr("x1"), 1000)

	missing, ancestors := tree.Missing(2, "b")
	if !missing {
		t.Fatalf("expected (2,b) to be missing")
	}
	if len(ancestors) != 1 || ancestors[0].Num != 1 || ancestors[0].Hash != "a" {
		t.Fatalf("unexpected possible ancestors: %v", ancestors)
	}

	missing, _ = tree.Missing(1, "a")
	if missing {
		t.Fatalf("expected (1,a) to be present")
	}

	var empty RevisionTree
	missing, ancestors = empty.Missing(1, "c")
	if !missing || ancestors != nil {
		t.Fatalf("unexpected result for unknown document: missing=%v ancestors=%v", missing, ancestors)
	}
}
