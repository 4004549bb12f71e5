package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/azmodb/branchdb"
)

func TestClientUpdateSeqAndCreate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/":
			json.NewEncoder(w).Encode(map[string]interface{}{"update_seq": 42})
		case r.Method == http.MethodPut && r.URL.Path == "/":
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]interface{}{"ok": true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)
	require.NoError(t, c.Create(context.Background()))

	seq, err := c.UpdateSeq(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 42, seq)
}

func TestClientWriteAndConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_bulk_docs" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req bulkDocsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Docs, 1)
		require.Equal(t, "doc1", req.Docs[0].ID)

		if req.Docs[0].Rev.Hash == "conflict-me" {
			json.NewEncoder(w).Encode([]bulkDocsResult{{ID: "doc1", Error: "conflict", Reason: "stale rev"}})
			return
		}
		json.NewEncoder(w).Encode([]bulkDocsResult{{ID: "doc1", Rev: "1-abc", OK: true}})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	doc := branchdb.Document{ID: "doc1", Body: map[string]interface{}{"x": 1.0}}
	require.NoError(t, c.Write(context.Background(), doc, true))

	doc.Rev = branchdb.Rev{Num: 1, Hash: "conflict-me"}
	err = c.Write(context.Background(), doc, true)
	require.True(t, branchdb.Conflict(err), "expected conflict error, got %v", err)
}

func TestClientRevsDiff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/_revs_diff" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req map[string][]string
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"doc1": map[string]interface{}{
				"missing":            []string{"2-def"},
				"possible_ancestors": []string{"1-abc"},
			},
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	missing, err := c.RevsDiff(context.Background(), "doc1", []branchdb.Rev{{Num: 2, Hash: "def"}})
	require.NoError(t, err)
	require.Len(t, missing.MissingRevs, 1)
	require.Equal(t, "2-def", missing.MissingRevs[0].String())
	require.Len(t, missing.PossibleAncestors, 1)
	require.Equal(t, "1-abc", missing.PossibleAncestors[0].String())
}

func TestClientReadWinnerJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"_id": "doc1", "_rev": "1-abc", "greeting": "hello",
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	docs, err := c.Read(context.Background(), "doc1", branchdb.RevsQuery{}, branchdb.ReadOptions{Body: true})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "doc1", docs[0].ID)
	require.Equal(t, "hello", docs[0].Body["greeting"])
}

func TestClientChangesOneShot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []map[string]interface{}{
				{"seq": 1, "id": "a", "changes": []map[string]string{{"rev": "1-abc"}}},
				{"seq": 2, "id": "b", "changes": []map[string]string{{"rev": "1-def"}}, "deleted": true},
			},
			"last_seq": 2,
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	events, stop, err := c.Changes(context.Background(), 0, branchdb.ChangesOptions{})
	require.NoError(t, err)
	defer stop()

	var got []branchdb.Change
	for ch := range events {
		got = append(got, ch)
	}
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].ID)
	require.Equal(t, "b", got[1].ID)
	require.True(t, got[1].Deleted)
}

func TestClientLocalDocs(t *testing.T) {
	store := map[string][]byte{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "/_local/"
		name := r.URL.Path[len(prefix):]
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			store[name] = body
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"ok":true}`))
		case http.MethodGet:
			v, ok := store[name]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(v)
		case http.MethodDelete:
			delete(store, name)
			w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	require.NoError(t, c.WriteLocal(context.Background(), "_local/checkpoint", []byte(`{"session_id":"s1"}`)))

	got, ok, err := c.ReadLocal(context.Background(), "_local/checkpoint")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, got)

	require.NoError(t, c.WriteLocal(context.Background(), "_local/checkpoint", nil))

	_, ok, err = c.ReadLocal(context.Background(), "_local/checkpoint")
	require.NoError(t, err)
	require.False(t, ok)
}
