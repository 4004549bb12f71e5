package branchdb

import (
	"bytes"
	"context"
	"encoding/json"
)

// Read resolves id against q and materializes each selected branch per
// opts (spec.md §4.D). A tombstoned branch never carries a body or
// attachments, regardless of opts.
func (db *Database) Read(ctx context.Context, id string, q RevsQuery, opts ReadOptions) ([]Document, error) {
	txn, err := db.store.ReadTransaction(ctx)
	if err != nil {
		return nil, E("read", KindOther, err)
	}
	defer txn.Close()

	tree, found, err := txn.Read(id)
	if err != nil {
		return nil, E("read", KindOther, err)
	}
	if !found {
		return nil, E("read", KindNotFound, nil)
	}

	branches, err := selectBranches(tree, q)
	if err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(branches))
	for _, b := range branches {
		doc, err := db.materializeBranch(txn, id, b, opts)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func selectBranches(tree RevisionTree, q RevsQuery) ([]Branch, error) {
	switch q.Mode {
	case RevsAllLeaves:
		return tree.Branches(), nil
	case RevsExplicit:
		out := make([]Branch, 0, len(q.Explicit))
		for _, r := range q.Explicit {
			found := tree.Find(r.Num, r.Hash)
			if len(found) == 0 {
				return nil, E("read", KindNotFound, nil)
			}
			out = append(out, found[0])
		}
		return out, nil
	default: // RevsWinner
		w, ok := tree.Winner()
		if !ok {
			return nil, E("read", KindNotFound, nil)
		}
		return []Branch{w}, nil
	}
}

func (db *Database) materializeBranch(txn ReadTxn, id string, b Branch, opts ReadOptions) (Document, error) {
	doc := Document{
		ID:        id,
		Rev:       b.LeafRevTuple(),
		Revisions: revisionsOf(b),
		Deleted:   b.IsTombstone(),
	}
	if doc.Deleted || b.Ptr == nil {
		return doc, nil
	}

	if opts.Body {
		bodyBytes, ok, err := txn.ReadLocal(bodyKey(b.Ptr.BodyRef))
		if err != nil {
			return Document{}, E("read", KindOther, err)
		}
		if ok {
			if err := json.Unmarshal(bodyBytes, &doc.Body); err != nil {
				return Document{}, E("read", KindOther, err)
			}
		}
	}

	store, err := db.loadAttachmentStore(txn, b.Ptr.AttStoreRef)
	if err != nil {
		return Document{}, err
	}
	if len(store) == 0 {
		return doc, nil
	}

	response, todo := Read(b, store, opts.Atts)
	wire := make(map[string]WireAttachment, len(store))
	for name, att := range response {
		wire[name] = WireAttachment{
			ContentType: att.Meta.ContentType,
			Digest:      att.Meta.Digest,
			Length:      att.Meta.Length,
			RevPos:      att.Meta.RevPos,
			Stub:        true,
		}
	}
	for _, name := range todo {
		att := store[name]
		data, err := db.readAttachmentBytes(txn, att.Ref)
		if err != nil {
			return Document{}, err
		}
		wire[name] = WireAttachment{
			ContentType: att.Meta.ContentType,
			Digest:      att.Meta.Digest,
			Length:      att.Meta.Length,
			RevPos:      att.Meta.RevPos,
			Data:        data,
		}
	}
	doc.Attachments = wire
	return doc, nil
}

// readAttachmentBytes concatenates every chunk of ref in order. Random
// access into a subrange uses ByteRange plus a direct read of the
// spanning chunks instead (ReadAttachmentRange).
func (db *Database) readAttachmentBytes(txn ReadTxn, ref *ChunkRef) ([]byte, error) {
	if ref == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	for i := range ref.ChunkEnds {
		chunk, ok, err := txn.ReadLocal(chunkKey(ref.AttID, i))
		if err != nil {
			return nil, E("read", KindOther, err)
		}
		if !ok {
			return nil, E("read", KindNotFound, nil)
		}
		buf.Write(chunk)
	}
	return buf.Bytes(), nil
}

// ReadAttachmentRange serves a byte-range request for one attachment of
// one revision (spec.md §4.B): only the chunks spanning [start, end) are
// read and sliced, using ByteRange's bisection to avoid touching the
// rest of the attachment.
func (db *Database) ReadAttachmentRange(ctx context.Context, id string, rev Rev, name string, start, end int64) ([]byte, error) {
	txn, err := db.store.ReadTransaction(ctx)
	if err != nil {
		return nil, E("read_range", KindOther, err)
	}
	defer txn.Close()

	tree, found, err := txn.Read(id)
	if err != nil {
		return nil, E("read_range", KindOther, err)
	}
	if !found {
		return nil, E("read_range", KindNotFound, nil)
	}
	found2 := tree.Find(rev.Num, rev.Hash)
	if len(found2) == 0 || found2[0].Ptr == nil {
		return nil, E("read_range", KindNotFound, nil)
	}
	store, err := db.loadAttachmentStore(txn, found2[0].Ptr.AttStoreRef)
	if err != nil {
		return nil, err
	}
	att, ok := store[name]
	if !ok || att.Ref == nil {
		return nil, E("read_range", KindNotFound, nil)
	}

	firstIdx, lastIdx, firstOff, lastOff := ByteRange(att.Ref.ChunkEnds, start, end)
	var buf bytes.Buffer
	for i := firstIdx; i <= lastIdx; i++ {
		chunk, ok, err := txn.ReadLocal(chunkKey(att.Ref.AttID, i))
		if err != nil {
			return nil, E("read_range", KindOther, err)
		}
		if !ok {
			return nil, E("read_range", KindNotFound, nil)
		}
		lo := int64(0)
		if i == firstIdx {
			lo = firstOff
		}
		hi := int64(len(chunk))
		if i == lastIdx {
			hi = lastOff
		}
		buf.Write(chunk[lo:hi])
	}
	return buf.Bytes(), nil
}
