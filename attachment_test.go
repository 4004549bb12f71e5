package branchdb

import "testing"

// S4: attachment round-trip digest.
func TestDigestHelloWorld(t *testing.T) {
	got := Digest([]byte("Hello World!"))
	want := "md5-7Qdih1MuhjZehB6Sv8UNjA=="
	if got != want {
		t.Fatalf("Digest: got %q, want %q", got, want)
	}
}

func TestChunkWriterMatchesDigest(t *testing.T) {
	cw := NewChunkWriter()
	cw.Write([]byte("Hello "))
	cw.Write([]byte("World!"))

	if cw.Length() != 12 {
		t.Fatalf("expected length 12, got %d", cw.Length())
	}
	if cw.Digest() != Digest([]byte("Hello World!")) {
		t.Fatalf("chunked digest does not match whole-buffer digest")
	}
	ends := cw.ChunkEnds()
	if len(ends) != 2 || ends[0] != 6 || ends[1] != 12 {
		t.Fatalf("unexpected chunk ends: %v", ends)
	}
}

func TestByteRangeBisection(t *testing.T) {
	ends := []int64{6, 12, 20} // three chunks: [0,6) [6,12) [12,20)

	fi, li, fo, lo := ByteRange(ends, 0, 12)
	if fi != 0 || li != 1 || fo != 0 || lo != 6 {
		t.Fatalf("unexpected range for [0,12): fi=%d li=%d fo=%d lo=%d", fi, li, fo, lo)
	}

	fi, li, fo, lo = ByteRange(ends, 7, 20)
	if fi != 1 || li != 2 || fo != 1 || lo != 8 {
		t.Fatalf("unexpected range for [7,20): fi=%d li=%d fo=%d lo=%d", fi, li, fo, lo)
	}
}

func TestMergeAttachmentsStubReuse(t *testing.T) {
	old := AttachmentStore{
		"a.txt": {Meta: AttachmentMeta{RevPos: 2, ContentType: "text/plain", Length: 3, Digest: "md5-x"}, Ref: &ChunkRef{AttID: "att1", ChunkEnds: []int64{3}}},
		"b.txt": {Meta: AttachmentMeta{RevPos: 1}, Ref: &ChunkRef{AttID: "att2", ChunkEnds: []int64{1}}},
	}
	incoming := AttachmentStore{
		"a.txt": {Stub: true, Meta: AttachmentMeta{RevPos: 2, ContentType: "text/x-new"}},
	}

	merged, freed, err := MergeAttachments(old, incoming)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if merged["a.txt"].Ref.AttID != "att1" {
		t.Fatalf("expected stub to reuse existing chunk ref")
	}
	if merged["a.txt"].Meta.ContentType != "text/x-new" {
		t.Fatalf("expected content-type to update from stub")
	}
	if len(freed) != 1 || freed[0].AttID != "att2" {
		t.Fatalf("expected b.txt's chunk ref to be freed, got %v", freed)
	}
}

func TestMergeAttachmentsStubRevPosMismatch(t *testing.T) {
	old := AttachmentStore{
		"a.txt": {Meta: AttachmentMeta{RevPos: 2}, Ref: &ChunkRef{AttID: "att1", ChunkEnds: []int64{3}}},
	}
	incoming := AttachmentStore{
		"a.txt": {Stub: true, Meta: AttachmentMeta{RevPos: 3}},
	}

	if _, _, err := MergeAttachments(old, incoming); !IsKind(err, KindPreconditionFailed) {
		t.Fatalf("expected PreconditionFailed, got %v", err)
	}
}

func TestReadAttachmentsSelector(t *testing.T) {
	branch := Branch{LeafRevNum: 5, Path: []string{"e", "d", "c", "b", "a"}}
	store := AttachmentStore{
		"changed.txt":   {Meta: AttachmentMeta{RevPos: 5}, Ref: &ChunkRef{AttID: "c1"}},
		"unchanged.txt": {Meta: AttachmentMeta{RevPos: 2}, Ref: &ChunkRef{AttID: "c2"}},
	}

	sel := AttachmentSelector{SinceRevs: []Rev{{Num: 3, Hash: "c"}}}
	resp, todo := Read(branch, store, sel)

	if len(todo) != 1 || todo[0] != "changed.txt" {
		t.Fatalf("expected changed.txt to need materializing, got %v", todo)
	}
	if _, ok := resp["unchanged.txt"]; !ok {
		t.Fatalf("expected unchanged.txt to be returned as a stub")
	}
}
