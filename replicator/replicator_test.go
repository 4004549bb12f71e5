package replicator

import (
	"context"
	"testing"

	"github.com/azmodb/branchdb"
	"github.com/azmodb/branchdb/backend/memory"
)

func newPeer(t *testing.T) *branchdb.Database {
	t.Helper()
	return branchdb.Open(memory.New(), 0)
}

func putDoc(t *testing.T, db *branchdb.Database, id string, body map[string]interface{}) branchdb.Rev {
	t.Helper()
	doc := branchdb.Document{ID: id, Body: body}
	if err := db.Write(context.Background(), doc, true); err != nil {
		t.Fatalf("write %s: %v", id, err)
	}
	docs, err := db.Read(context.Background(), id, branchdb.RevsQuery{}, branchdb.ReadOptions{})
	if err != nil {
		t.Fatalf("read back %s: %v", id, err)
	}
	return docs[0].Rev
}

func TestReplicateOneShotCopiesAllDocs(t *testing.T) {
	source := newPeer(t)
	target := newPeer(t)

	putDoc(t, source, "a", map[string]interface{}{"v": 1.0})
	putDoc(t, source, "b", map[string]interface{}{"v": 2.0})

	ckpt, err := Replicate(context.Background(), source, target, "session-1", Options{})
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}
	if ckpt.SourceLastSeq != 2 {
		t.Fatalf("expected source_last_seq 2, got %d", ckpt.SourceLastSeq)
	}

	for _, id := range []string{"a", "b"} {
		docs, err := target.Read(context.Background(), id, branchdb.RevsQuery{}, branchdb.ReadOptions{Body: true})
		if err != nil {
			t.Fatalf("read %s from target: %v", id, err)
		}
		if len(docs) != 1 {
			t.Fatalf("expected one doc for %s, got %d", id, len(docs))
		}
	}
}

func TestReplicateResumesFromCheckpoint(t *testing.T) {
	source := newPeer(t)
	target := newPeer(t)

	putDoc(t, source, "a", map[string]interface{}{"v": 1.0})
	if _, err := Replicate(context.Background(), source, target, "session-1", Options{}); err != nil {
		t.Fatalf("first replicate: %v", err)
	}

	putDoc(t, source, "b", map[string]interface{}{"v": 2.0})
	ckpt, err := Replicate(context.Background(), source, target, "session-2", Options{})
	if err != nil {
		t.Fatalf("second replicate: %v", err)
	}
	if ckpt.SourceLastSeq != 2 {
		t.Fatalf("expected source_last_seq 2, got %d", ckpt.SourceLastSeq)
	}
	if len(ckpt.History) != 2 || ckpt.History[0].SessionID != "session-2" {
		t.Fatalf("unexpected history: %+v", ckpt.History)
	}

	docs, err := target.Read(context.Background(), "b", branchdb.RevsQuery{}, branchdb.ReadOptions{})
	if err != nil || len(docs) != 1 {
		t.Fatalf("expected doc b replicated: docs=%v err=%v", docs, err)
	}
}

func TestReplicationIDStableAcrossCalls(t *testing.T) {
	source := newPeer(t)
	target := newPeer(t)

	id1 := ReplicationID(source, target, Options{})
	id2 := ReplicationID(source, target, Options{})
	if id1 != id2 {
		t.Fatalf("expected stable replication id, got %q then %q", id1, id2)
	}

	id3 := ReplicationID(source, target, Options{Continuous: true})
	if id1 == id3 {
		t.Fatalf("expected different replication id when continuous flag differs")
	}
}
