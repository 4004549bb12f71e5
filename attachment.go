package branchdb

import (
	"crypto/md5"
	"encoding/base64"
	"hash"
	"sort"
)

// AttachmentMeta is the metadata CouchDB tracks per attachment,
// independent of where its bytes live.
type AttachmentMeta struct {
	RevPos      int64
	ContentType string
	Length      int64
	Digest      string // "md5-" + base64(md5(bytes))
}

// ChunkRef locates an attachment's byte stream in the chunk store: an
// attachment id and the cumulative byte offset at the end of each chunk,
// supporting O(log N) range reads by bisection.
type ChunkRef struct {
	AttID     string
	ChunkEnds []int64
}

// Attachment is either a stub (metadata only, declaring the bytes are
// unchanged from a known prior revision) or a record (metadata plus a
// reference to its chunked bytes).
type Attachment struct {
	Meta AttachmentMeta
	Stub bool
	Ref  *ChunkRef // nil iff Stub
}

// AttachmentStore maps attachment name to its stub or record, as
// retained for one non-tombstone leaf.
type AttachmentStore map[string]Attachment

// AttachmentSelector picks which attachments a read should inline.
// Names lists attachments the caller explicitly wants materialized;
// SinceRevs, when non-nil, additionally materializes any attachment
// changed since those ancestor revisions (replication's atts_since).
type AttachmentSelector struct {
	Names     []string
	SinceRevs []Rev
}

func (s AttachmentSelector) wants(name string) bool {
	for _, n := range s.Names {
		if n == name {
			return true
		}
	}
	return false
}

// changedSince reports whether a record with the given rev_pos is
// "changed since" the selector's SinceRevs: no ancestor revision in
// SinceRevs is at or after the record's rev_pos and present on branch.
func (s AttachmentSelector) changedSince(revPos int64, branch Branch) bool {
	if s.SinceRevs == nil {
		return false
	}
	for _, r := range s.SinceRevs {
		if revPos <= r.Num && branch.Contains(r.Num, r.Hash) {
			return false
		}
	}
	return true
}

// Read splits store into ready stubs (response) and the names whose
// bytes the caller must materialize (todo), per the selector and the
// branch those attachments were recorded against.
func Read(branch Branch, store AttachmentStore, sel AttachmentSelector) (response AttachmentStore, todo []string) {
	response = make(AttachmentStore, len(store))
	for name, att := range store {
		bodyBearing := sel.wants(name) || sel.changedSince(att.Meta.RevPos, branch)
		if bodyBearing {
			todo = append(todo, name)
			continue
		}
		response[name] = Attachment{Meta: att.Meta, Stub: true}
	}
	sort.Strings(todo)
	return response, todo
}

// MergeAttachments reconciles a leaf's prior attachment store with an
// incoming set of changes. Entries in incoming that are stubs must
// reuse an existing record from old at a matching rev_pos (content_type
// may still change); entries with a Ref are taken as-is (the caller has
// already streamed and chunked their bytes). Names present in old but
// absent from incoming are dropped, and their chunk refs are returned in
// freed so the backend can release the chunks.
func MergeAttachments(old, incoming AttachmentStore) (merged AttachmentStore, freed []ChunkRef, err error) {
	merged = make(AttachmentStore, len(incoming))

	for name, att := range incoming {
		if !att.Stub {
			merged[name] = att
			continue
		}
		prev, ok := old[name]
		if !ok || prev.Ref == nil {
			return nil, nil, E("merge", KindPreconditionFailed, errAttachmentStubUnresolved(name))
		}
		if prev.Meta.RevPos != att.Meta.RevPos {
			return nil, nil, E("merge", KindPreconditionFailed, errAttachmentRevPosMismatch(name))
		}
		meta := prev.Meta
		if att.Meta.ContentType != "" {
			meta.ContentType = att.Meta.ContentType
		}
		merged[name] = Attachment{Meta: meta, Ref: prev.Ref}
	}

	for name, att := range old {
		if _, ok := incoming[name]; ok {
			continue
		}
		if att.Ref != nil {
			freed = append(freed, *att.Ref)
		}
	}
	return merged, freed, nil
}

// ByteRange locates the chunks spanning byte interval [s, e) using
// bisection over the cumulative chunk-end offsets recorded while
// streaming an attachment. firstIdx/lastIdx are inclusive chunk indices;
// firstOff/lastOff are the byte offsets within those chunks to slice at.
func ByteRange(chunkEnds []int64, s, e int64) (firstIdx, lastIdx int, firstOff, lastOff int64) {
	firstIdx = sort.Search(len(chunkEnds), func(i int) bool { return chunkEnds[i] > s })
	lastIdx = sort.Search(len(chunkEnds), func(i int) bool { return chunkEnds[i] >= e })
	if lastIdx >= len(chunkEnds) {
		lastIdx = len(chunkEnds) - 1
	}

	var firstStart int64
	if firstIdx > 0 {
		firstStart = chunkEnds[firstIdx-1]
	}
	firstOff = s - firstStart

	var lastStart int64
	if lastIdx > 0 {
		lastStart = chunkEnds[lastIdx-1]
	}
	lastOff = e - lastStart
	return firstIdx, lastIdx, firstOff, lastOff
}

// ChunkWriter streams an attachment's bytes in chunks, recording the
// cumulative length after each chunk and computing the digest
// incrementally, exactly once, as required by the digest invariant.
type ChunkWriter struct {
	h      hash.Hash
	ends   []int64
	length int64
}

// NewChunkWriter returns a ChunkWriter ready to receive chunks.
func NewChunkWriter() *ChunkWriter {
	return &ChunkWriter{h: md5.New()}
}

// Write records one chunk. It never returns an error; it satisfies
// io.Writer so it can be used with io.Copy.
func (c *ChunkWriter) Write(p []byte) (int, error) {
	n, _ := c.h.Write(p)
	c.length += int64(n)
	c.ends = append(c.ends, c.length)
	return n, nil
}

// ChunkEnds returns the cumulative byte offsets recorded so far.
func (c *ChunkWriter) ChunkEnds() []int64 { return c.ends }

// Length returns the total number of bytes written.
func (c *ChunkWriter) Length() int64 { return c.length }

// Digest returns "md5-" + base64(md5(bytes)) over everything written so
// far.
func (c *ChunkWriter) Digest() string {
	sum := c.h.Sum(nil)
	return "md5-" + base64.StdEncoding.EncodeToString(sum)
}

// Digest computes the CouchDB-style digest of a complete byte slice in
// one call, matching S4's literal example.
func Digest(data []byte) string {
	sum := md5.Sum(data)
	return "md5-" + base64.StdEncoding.EncodeToString(sum[:])
}
