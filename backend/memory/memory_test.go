package memory

import (
	"context"
	"testing"

	"github.com/azmodb/branchdb"
)

func TestStoreWriteAndRead(t *testing.T) {
	ctx := context.Background()
	store := New()

	wtxn, err := store.WriteTransaction(ctx)
	if err != nil {
		t.Fatalf("write transaction: %v", err)
	}
	tree := branchdb.RevisionTree{{LeafRevNum: 1, Path: []string{"a"}, Ptr: &branchdb.DocPtr{BodyRef: "r1"}}}
	if err := wtxn.Write("doc1", tree); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := wtxn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rtxn, err := store.ReadTransaction(ctx)
	if err != nil {
		t.Fatalf("read transaction: %v", err)
	}
	defer rtxn.Close()

	got, ok, err := rtxn.Read("doc1")
	if err != nil || !ok {
		t.Fatalf("read doc1: found=%v err=%v", ok, err)
	}
	if len(got) != 1 || got[0].LeafRevNum != 1 {
		t.Fatalf("unexpected tree: %+v", got)
	}
	if rtxn.UpdateSeq() != 1 {
		t.Fatalf("expected seq 1, got %d", rtxn.UpdateSeq())
	}
}

func TestStoreReadSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	store := New()

	rtxn, err := store.ReadTransaction(ctx)
	if err != nil {
		t.Fatalf("read transaction: %v", err)
	}
	defer rtxn.Close()

	wtxn, err := store.WriteTransaction(ctx)
	if err != nil {
		t.Fatalf("write transaction: %v", err)
	}
	if err := wtxn.Write("doc1", branchdb.RevisionTree{{LeafRevNum: 1, Path: []string{"a"}}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := wtxn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, ok, _ := rtxn.Read("doc1"); ok {
		t.Fatalf("pre-existing read transaction must not observe a later commit")
	}
}

func TestStoreChangesOrderingAndDedup(t *testing.T) {
	ctx := context.Background()
	store := New()

	write := func(id string, rev int64) {
		wtxn, err := store.WriteTransaction(ctx)
		if err != nil {
			t.Fatalf("write transaction: %v", err)
		}
		if err := wtxn.Write(id, branchdb.RevisionTree{{LeafRevNum: rev, Path: []string{"a"}, Ptr: &branchdb.DocPtr{}}}); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := wtxn.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	write("doc1", 1)
	write("doc2", 1)
	write("doc1", 2) // doc1's old by_seq entry must be replaced, not duplicated

	rtxn, err := store.ReadTransaction(ctx)
	if err != nil {
		t.Fatalf("read transaction: %v", err)
	}
	defer rtxn.Close()

	changes, err := rtxn.Changes(0)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 live changes, got %d: %+v", len(changes), changes)
	}
	if changes[0].ID != "doc2" || changes[1].ID != "doc1" {
		t.Fatalf("unexpected order: %+v", changes)
	}
}

func TestStoreWriteLocal(t *testing.T) {
	ctx := context.Background()
	store := New()

	wtxn, err := store.WriteTransaction(ctx)
	if err != nil {
		t.Fatalf("write transaction: %v", err)
	}
	if err := wtxn.WriteLocal("_local/checkpoint", []byte("v1"), false); err != nil {
		t.Fatalf("write local: %v", err)
	}
	if err := wtxn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rtxn, _ := store.ReadTransaction(ctx)
	defer rtxn.Close()
	v, ok, err := rtxn.ReadLocal("_local/checkpoint")
	if err != nil || !ok || string(v) != "v1" {
		t.Fatalf("unexpected local read: %q ok=%v err=%v", v, ok, err)
	}

	wtxn2, _ := store.WriteTransaction(ctx)
	if err := wtxn2.WriteLocal("_local/checkpoint", nil, true); err != nil {
		t.Fatalf("tombstone write local: %v", err)
	}
	if err := wtxn2.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	rtxn2, _ := store.ReadTransaction(ctx)
	defer rtxn2.Close()
	if _, ok, _ := rtxn2.ReadLocal("_local/checkpoint"); ok {
		t.Fatalf("expected local doc to be gone after tombstone write")
	}
}
