package sqlstore

import (
	"context"
	"testing"

	"github.com/azmodb/branchdb"
)

func TestStoreWriteAndRead(t *testing.T) {
	ctx := context.Background()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	wtxn, err := store.WriteTransaction(ctx)
	if err != nil {
		t.Fatalf("write transaction: %v", err)
	}
	tree := branchdb.RevisionTree{{LeafRevNum: 1, Path: []string{"a"}, Ptr: &branchdb.DocPtr{BodyRef: "r1", AttStoreRef: "r1"}}}
	if err := wtxn.Write("doc1", tree); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := wtxn.WriteLocal("_body_r1", []byte(`{"v":1}`), false); err != nil {
		t.Fatalf("write local: %v", err)
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
	if len(got) != 1 || got[0].LeafRevNum != 1 || got[0].Ptr.BodyRef != "r1" {
		t.Fatalf("unexpected tree: %+v", got)
	}

	body, ok, err := rtxn.ReadLocal("_body_r1")
	if err != nil || !ok || string(body) != `{"v":1}` {
		t.Fatalf("unexpected local read: %q ok=%v err=%v", body, ok, err)
	}

	if rtxn.UpdateSeq() != 1 {
		t.Fatalf("expected seq 1, got %d", rtxn.UpdateSeq())
	}
}

func TestStoreChangesAndAllDocsOrdering(t *testing.T) {
	ctx := context.Background()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	write := func(id string) {
		wtxn, err := store.WriteTransaction(ctx)
		if err != nil {
			t.Fatalf("write transaction: %v", err)
		}
		if err := wtxn.Write(id, branchdb.RevisionTree{{LeafRevNum: 1, Path: []string{"a"}, Ptr: &branchdb.DocPtr{}}}); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := wtxn.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	write("b")
	write("a")
	write("c")

	rtxn, err := store.ReadTransaction(ctx)
	if err != nil {
		t.Fatalf("read transaction: %v", err)
	}
	defer rtxn.Close()

	docs, err := rtxn.AllDocs(nil, nil, false)
	if err != nil {
		t.Fatalf("all_docs: %v", err)
	}
	if len(docs) != 3 || docs[0].ID != "a" || docs[1].ID != "b" || docs[2].ID != "c" {
		t.Fatalf("unexpected all_docs order: %+v", docs)
	}

	changes, err := rtxn.Changes(1)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(changes) != 2 || changes[0].ID != "a" || changes[1].ID != "c" {
		t.Fatalf("unexpected changes: %+v", changes)
	}
}

func TestStoreIDStable(t *testing.T) {
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if store.ID() == "" {
		t.Fatalf("expected a non-empty store id")
	}
}
