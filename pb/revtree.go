package pb

import (
	"encoding/binary"
	"errors"
	"sync"
)

// Branch is the wire form of one revision-tree branch: a leaf revision
// number, its ancestor path (newest first), and — if the leaf is not a
// tombstone — a pointer to its body and attachment store.
type Branch struct {
	LeafRevNum  int64
	Path        []string
	HasPtr      bool
	BodyRef     string
	AttStoreRef string
}

func (m *Branch) Reset()         { *m = Branch{} }
func (m *Branch) String() string { return "pb.Branch" }
func (*Branch) ProtoMessage()    {}

// RevisionTree is the wire form of a document's full branch forest, the
// blob a backend/sql row stores per document.
type RevisionTree struct {
	Branches []*Branch
}

func (m *RevisionTree) Reset()         { *m = RevisionTree{} }
func (m *RevisionTree) String() string { return "pb.RevisionTree" }
func (*RevisionTree) ProtoMessage()    {}

var (
	branchPool = sync.Pool{New: func() interface{} { return &Branch{} }}
	treePool   = sync.Pool{New: func() interface{} { return &RevisionTree{} }}
)

// NewBranch returns a pooled Branch; release it with Close.
func NewBranch() *Branch { return branchPool.Get().(*Branch) }

// Close returns m to its pool. A nil receiver is a no-op.
func (m *Branch) Close() {
	if m == nil {
		return
	}
	m.Reset()
	branchPool.Put(m)
}

// NewRevisionTree returns a pooled RevisionTree; release it with Close.
func NewRevisionTree() *RevisionTree { return treePool.Get().(*RevisionTree) }

// Close returns m and every Branch it holds to their pools. A nil
// receiver is a no-op.
func (m *RevisionTree) Close() {
	if m == nil {
		return
	}
	for _, b := range m.Branches {
		b.Close()
	}
	m.Branches = nil
	treePool.Put(m)
}

// Wire tags: field number<<3 | wire type. Wire type 0 is varint, 2 is
// length-delimited (string/bytes/embedded message).
const (
	tagBranchLeafRevNum  = 1<<3 | 0
	tagBranchPath        = 2<<3 | 2
	tagBranchHasPtr      = 3<<3 | 0
	tagBranchBodyRef     = 4<<3 | 2
	tagBranchAttStoreRef = 5<<3 | 2

	tagTreeBranches = 1<<3 | 2
)

func appendVarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func appendTag(buf []byte, tag int) []byte { return appendVarint(buf, uint64(tag)) }

func appendString(buf []byte, tag int, s string) []byte {
	if s == "" {
		return buf
	}
	buf = appendTag(buf, tag)
	buf = appendVarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendBool(buf []byte, tag int, b bool) []byte {
	if !b {
		return buf
	}
	buf = appendTag(buf, tag)
	return appendVarint(buf, 1)
}

func appendVarintField(buf []byte, tag int, v int64) []byte {
	if v == 0 {
		return buf
	}
	buf = appendTag(buf, tag)
	return appendVarint(buf, uint64(v))
}

// Marshal implements the gogo/protobuf fast-path Marshaler interface.
func (m *Branch) Marshal() ([]byte, error) {
	var buf []byte
	buf = appendVarintField(buf, tagBranchLeafRevNum, m.LeafRevNum)
	for _, p := range m.Path {
		buf = appendTag(buf, tagBranchPath)
		buf = appendVarint(buf, uint64(len(p)))
		buf = append(buf, p...)
	}
	buf = appendBool(buf, tagBranchHasPtr, m.HasPtr)
	buf = appendString(buf, tagBranchBodyRef, m.BodyRef)
	buf = appendString(buf, tagBranchAttStoreRef, m.AttStoreRef)
	return buf, nil
}

func (m *RevisionTree) Marshal() ([]byte, error) {
	var buf []byte
	for _, b := range m.Branches {
		data, err := b.Marshal()
		if err != nil {
			return nil, err
		}
		buf = appendTag(buf, tagTreeBranches)
		buf = appendVarint(buf, uint64(len(data)))
		buf = append(buf, data...)
	}
	return buf, nil
}

var errTruncated = errors.New("pb: truncated message")

func readVarint(data []byte) (uint64, int, error) {
	v, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, 0, errTruncated
	}
	return v, n, nil
}

// Unmarshal implements the gogo/protobuf fast-path Unmarshaler
// interface.
func (m *Branch) Unmarshal(data []byte) error {
	*m = Branch{}
	for len(data) > 0 {
		tag, n, err := readVarint(data)
		if err != nil {
			return err
		}
		data = data[n:]

		switch int(tag) {
		case tagBranchLeafRevNum:
			v, n, err := readVarint(data)
			if err != nil {
				return err
			}
			data = data[n:]
			m.LeafRevNum = int64(v)
		case tagBranchPath:
			s, rest, err := readString(data)
			if err != nil {
				return err
			}
			data = rest
			m.Path = append(m.Path, s)
		case tagBranchHasPtr:
			v, n, err := readVarint(data)
			if err != nil {
				return err
			}
			data = data[n:]
			m.HasPtr = v != 0
		case tagBranchBodyRef:
			s, rest, err := readString(data)
			if err != nil {
				return err
			}
			data = rest
			m.BodyRef = s
		case tagBranchAttStoreRef:
			s, rest, err := readString(data)
			if err != nil {
				return err
			}
			data = rest
			m.AttStoreRef = s
		default:
			return errors.New("pb: unknown field in Branch")
		}
	}
	return nil
}

func readString(data []byte) (string, []byte, error) {
	l, n, err := readVarint(data)
	if err != nil {
		return "", nil, err
	}
	data = data[n:]
	if uint64(len(data)) < l {
		return "", nil, errTruncated
	}
	return string(data[:l]), data[l:], nil
}

func (m *RevisionTree) Unmarshal(data []byte) error {
	*m = RevisionTree{}
	for len(data) > 0 {
		tag, n, err := readVarint(data)
		if err != nil {
			return err
		}
		data = data[n:]

		switch int(tag) {
		case tagTreeBranches:
			l, n, err := readVarint(data)
			if err != nil {
				return err
			}
			data = data[n:]
			if uint64(len(data)) < l {
				return errTruncated
			}
			b := NewBranch()
			if err := b.Unmarshal(data[:l]); err != nil {
				return err
			}
			data = data[l:]
			m.Branches = append(m.Branches, b)
		default:
			return errors.New("pb: unknown field in RevisionTree")
		}
	}
	return nil
}
