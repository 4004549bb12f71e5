package branchdb

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
)

// writeChunkSize is the block size Write splits inline attachment bytes
// into before streaming them through a ChunkWriter. Every caller,
// including the replicator, hands Write whole attachment bytes in
// WireAttachment.Data; the chunks are cut here.
const writeChunkSize = 32 * 1024

// Write applies a single document write (spec.md §4.D):
//
//  1. non-stub attachments are streamed into the backend as chunks,
//     under a dedicated write transaction, before the document write;
//  2. the current tree is re-read and merged with the incoming
//     revision;
//  3. on AlreadyPresent the freshly written chunks are discarded — a
//     replayed write is never a conflict, regardless of checkConflict
//     (spec.md §9);
//  4. on ForkInsert with checkConflict set, the chunks are discarded
//     and the write fails with Conflict;
//  5. on ReplaceInsert, the replaced leaf's body and attachment store
//     are dropped; chunks of attachments the new revision no longer
//     lists are deleted, while chunks it reuses through stubs are kept
//     (a deletion leaves all of the replaced leaf's chunks in place);
//  6. the merged tree is committed, bumping the update sequence.
func (db *Database) Write(ctx context.Context, doc Document, checkConflict bool) error {
	if doc.IsLocal() {
		return E("write", KindOther, errLocalDocViaWrite)
	}

	pending, err := db.stageAttachments(ctx, doc)
	if err != nil {
		return err
	}

	consumed, err := db.writeDoc(ctx, doc, checkConflict, pending)
	if err != nil || !consumed {
		db.discardChunks(ctx, pending)
	}
	return err
}

// pendingAttachment is a non-stub attachment's bytes, already chunked
// and digested, awaiting a rev_pos once the target revision number is
// known.
type pendingAttachment struct {
	name        string
	contentType string
	ref         ChunkRef
	length      int64
	digest      string
}

func (db *Database) stageAttachments(ctx context.Context, doc Document) ([]pendingAttachment, error) {
	var pending []pendingAttachment
	for name, wa := range doc.Attachments {
		if wa.Stub || wa.Follows {
			continue
		}
		attID := uuid.NewString()
		cw := NewChunkWriter()

		wtxn, err := db.store.WriteTransaction(ctx)
		if err != nil {
			return nil, E("write", KindOther, err)
		}
		for i, chunk := range chunkBytes(wa.Data, writeChunkSize) {
			cw.Write(chunk)
			if err := wtxn.WriteLocal(chunkKey(attID, i), chunk, false); err != nil {
				wtxn.Rollback()
				return nil, E("write", KindOther, err)
			}
		}
		if err := wtxn.Commit(); err != nil {
			return nil, E("write", KindOther, err)
		}

		pending = append(pending, pendingAttachment{
			name:        name,
			contentType: wa.ContentType,
			ref:         ChunkRef{AttID: attID, ChunkEnds: cw.ChunkEnds()},
			length:      cw.Length(),
			digest:      cw.Digest(),
		})
	}
	return pending, nil
}

func chunkBytes(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

// writeDoc returns consumed=true iff the staged chunks (if any) are now
// referenced by the committed tree; the caller discards them otherwise.
func (db *Database) writeDoc(ctx context.Context, doc Document, checkConflict bool, pending []pendingAttachment) (consumed bool, err error) {
	wtxn, err := db.store.WriteTransaction(ctx)
	if err != nil {
		return false, E("write", KindOther, err)
	}
	defer func() {
		if wtxn != nil {
			wtxn.Rollback()
		}
	}()

	tree, _, err := wtxn.Read(doc.ID)
	if err != nil {
		return false, E("write", KindOther, err)
	}

	revNum, path, err := resolveRevision(tree, doc, checkConflict, pending)
	if err != nil {
		return false, err
	}

	res := tree.Merge(revNum, path)
	switch res.Outcome {
	case AlreadyPresent:
		wtxn.Rollback()
		wtxn = nil
		return false, nil
	case ForkInsert:
		if checkConflict {
			wtxn.Rollback()
			wtxn = nil
			return false, E("write", KindConflict, nil)
		}
	}

	var oldAtts AttachmentStore
	if res.Outcome == ReplaceInsert {
		replaced := tree[res.ReplacedIndex]
		if replaced.Ptr != nil {
			oldAtts, err = db.loadAttachmentStore(wtxn, replaced.Ptr.AttStoreRef)
			if err != nil {
				return false, err
			}
			if err := wtxn.WriteLocal(bodyKey(replaced.Ptr.BodyRef), nil, true); err != nil {
				return false, E("write", KindOther, err)
			}
			if err := wtxn.WriteLocal(attStoreKey(replaced.Ptr.AttStoreRef), nil, true); err != nil {
				return false, E("write", KindOther, err)
			}
		}
	}

	var ptr *DocPtr
	if !doc.Deleted {
		incoming := incomingAttachmentStore(doc, pending, revNum)
		merged, freed, err := MergeAttachments(oldAtts, incoming)
		if err != nil {
			return false, err
		}
		db.discardChunkRefs(wtxn, freed)

		ref := uuid.NewString()
		bodyBytes, err := json.Marshal(doc.Body)
		if err != nil {
			return false, E("write", KindOther, err)
		}
		if err := wtxn.WriteLocal(bodyKey(ref), bodyBytes, false); err != nil {
			return false, E("write", KindOther, err)
		}
		if len(merged) > 0 {
			attBytes, err := json.Marshal(merged)
			if err != nil {
				return false, E("write", KindOther, err)
			}
			if err := wtxn.WriteLocal(attStoreKey(ref), attBytes, false); err != nil {
				return false, E("write", KindOther, err)
			}
		}
		ptr = &DocPtr{BodyRef: ref, AttStoreRef: ref}
	}

	newTree := tree.Update(revNum, res.FullPath, ptr, res.ReplacedIndex, db.revsLimit)
	if err := wtxn.Write(doc.ID, newTree); err != nil {
		return false, E("write", KindOther, err)
	}
	if err := wtxn.Commit(); err != nil {
		wtxn = nil
		return false, E("write", KindOther, err)
	}
	wtxn = nil
	db.sig.broadcast()
	return !doc.Deleted, nil
}

// resolveRevision determines (rev_num, path) for the incoming write.
// With checkConflict (an interactive edit), doc.Rev must name a current
// leaf — a stale or absent _rev when one is required fails with
// Conflict before any tree merge is attempted, mirroring CouchDB's
// optimistic-concurrency PUT. The one exception is a replay: when the
// revision the edit would create is already on the tree, it is returned
// so that the merge reports AlreadyPresent. Otherwise the caller's explicit
// "_revisions" is used as-is (new_edits=false, as the replicator uses).
func resolveRevision(tree RevisionTree, doc Document, checkConflict bool, pending []pendingAttachment) (int64, []string, error) {
	if !checkConflict {
		path := doc.Path()
		if len(path) == 0 {
			return 0, nil, E("write", KindOther, errMissingRevisions)
		}
		return doc.Rev.Num, path, nil
	}

	var parent Branch
	var hasParent, stale bool
	if doc.Rev.Num == 0 {
		if w, ok := tree.Winner(); ok && !w.IsTombstone() {
			stale = true
		}
	} else {
		for _, b := range tree.Branches() {
			if b.LeafRevTuple() == doc.Rev {
				parent, hasParent = b, true
				break
			}
		}
		if !hasParent {
			found := tree.Find(doc.Rev.Num, doc.Rev.Hash)
			if len(found) == 0 {
				return 0, nil, E("write", KindConflict, nil)
			}
			off := found[0].LeafRevNum - doc.Rev.Num
			parent = Branch{LeafRevNum: doc.Rev.Num, Path: found[0].Path[off:]}
			hasParent, stale = true, true
		}
	}

	var parentNum int64
	var parentPath []string
	if hasParent {
		parentNum = parent.LeafRevNum
		parentPath = parent.Path
	}

	metas := map[string]AttachmentMeta{}
	for _, p := range pending {
		metas[p.name] = AttachmentMeta{RevPos: parentNum + 1, ContentType: p.contentType, Length: p.length, Digest: p.digest}
	}
	hash := genRevHash(parentNum, parentPath, doc.Body, metas)
	if stale && len(tree.Find(parentNum+1, hash)) == 0 {
		return 0, nil, E("write", KindConflict, nil)
	}

	path := make([]string, 0, len(parentPath)+1)
	path = append(path, hash)
	path = append(path, parentPath...)
	return parentNum + 1, path, nil
}

// genRevHash computes the deterministic revision hash: md5 over a
// canonical serialization of the parent revision, the new body, and the
// new attachment metadata. encoding/json already renders map keys in
// sorted order, which is what makes this serialization canonical.
func genRevHash(parentNum int64, parentPath []string, body map[string]interface{}, attMeta map[string]AttachmentMeta) string {
	h := md5.New()
	enc := json.NewEncoder(h)
	enc.Encode(parentNum)
	enc.Encode(parentPath)
	enc.Encode(body)
	if len(attMeta) > 0 {
		enc.Encode(attMeta)
	}
	sum := h.Sum(nil)
	return hexEncode(sum)
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}

func incomingAttachmentStore(doc Document, pending []pendingAttachment, revNum int64) AttachmentStore {
	store := make(AttachmentStore, len(doc.Attachments))
	byName := map[string]pendingAttachment{}
	for _, p := range pending {
		byName[p.name] = p
	}
	names := make([]string, 0, len(doc.Attachments))
	for name := range doc.Attachments {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		wa := doc.Attachments[name]
		if wa.Stub {
			revPos := wa.RevPos
			if revPos == 0 {
				revPos = revNum
			}
			store[name] = Attachment{Stub: true, Meta: AttachmentMeta{RevPos: revPos, ContentType: wa.ContentType}}
			continue
		}
		p := byName[name]
		store[name] = Attachment{
			Meta: AttachmentMeta{RevPos: revNum, ContentType: p.contentType, Length: p.length, Digest: p.digest},
			Ref:  &p.ref,
		}
	}
	return store
}

func (db *Database) loadAttachmentStore(txn ReadTxn, ref string) (AttachmentStore, error) {
	data, ok, err := txn.ReadLocal(attStoreKey(ref))
	if err != nil {
		return nil, E("write", KindOther, err)
	}
	if !ok {
		return AttachmentStore{}, nil
	}
	var store AttachmentStore
	if err := json.Unmarshal(data, &store); err != nil {
		return nil, E("write", KindOther, err)
	}
	return store, nil
}

func (db *Database) discardChunkRefs(wtxn WriteTxn, refs []ChunkRef) {
	for _, ref := range refs {
		for i := range ref.ChunkEnds {
			wtxn.WriteLocal(chunkKey(ref.AttID, i), nil, true)
		}
	}
}

func (db *Database) discardChunks(ctx context.Context, pending []pendingAttachment) {
	if len(pending) == 0 {
		return
	}
	wtxn, err := db.store.WriteTransaction(ctx)
	if err != nil {
		return
	}
	for _, p := range pending {
		for i := range p.ref.ChunkEnds {
			wtxn.WriteLocal(chunkKey(p.ref.AttID, i), nil, true)
		}
	}
	wtxn.Commit()
}
