package branchdb

import (
	"fmt"
	"strconv"
	"strings"
)

// Rev is a single revision identifier: a positive revision number paired
// with an opaque hash. It renders on the wire as "N-hash".
type Rev struct {
	Num  int64
	Hash string
}

// String formats the revision in CouchDB wire form, e.g. "3-abc123".
func (r Rev) String() string {
	return strconv.FormatInt(r.Num, 10) + "-" + r.Hash
}

// Less orders revisions the way RevisionTree sorts branches: by number,
// then lexicographically by hash.
func (r Rev) Less(o Rev) bool {
	if r.Num != o.Num {
		return r.Num < o.Num
	}
	return r.Hash < o.Hash
}

// ParseRev parses the wire form "N-hash" produced by Rev.String. It is
// the left inverse of Rev.String (P5: parse_rev ∘ format_rev = identity).
func ParseRev(s string) (Rev, error) {
	i := strings.IndexByte(s, '-')
	if i <= 0 {
		return Rev{}, fmt.Errorf("branchdb: malformed revision %q", s)
	}
	num, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil || num <= 0 {
		return Rev{}, fmt.Errorf("branchdb: malformed revision %q", s)
	}
	hash := s[i+1:]
	if hash == "" {
		return Rev{}, fmt.Errorf("branchdb: malformed revision %q", s)
	}
	return Rev{Num: num, Hash: hash}, nil
}

// Revisions is the "_revisions" JSON member: a contiguous path of
// ancestor hashes, newest first, starting at Start.
type Revisions struct {
	Start int64    `json:"start"`
	IDs   []string `json:"ids"`
}

// Path returns the list of hashes, newest first, this Revisions encodes.
func (r Revisions) Path() []string { return r.IDs }

// Leaf returns the leaf revision this Revisions path identifies.
func (r Revisions) Leaf() Rev {
	if len(r.IDs) == 0 {
		return Rev{}
	}
	return Rev{Num: r.Start, Hash: r.IDs[0]}
}

// ToRevisions builds the wire "_revisions" form from a leaf revision
// number and a newest-first path of hashes.
func ToRevisions(leafNum int64, path []string) Revisions {
	return Revisions{Start: leafNum, IDs: path}
}
