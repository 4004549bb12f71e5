// Package pb holds the gogo/protobuf wire messages a backend/sql row
// persists a document's revision tree as: the same message-plus-pooling
// shape the teacher's db.proto bindings used for its Value/Row records,
// adapted to a revision forest instead of a versioned key/value pair.
// The messages and their wire encoding are written by hand in
// revtree.go; there is no .proto source or generated code.
package pb

import "github.com/gogo/protobuf/proto"

// MustMarshal serializes m, panicking on failure. Every field of
// RevisionTree/Branch is controlled by this package, so a marshal error
// here means a programming mistake, not bad input.
func MustMarshal(m proto.Message) []byte {
	data, err := proto.Marshal(m)
	if err != nil {
		panic("pb: marshal failed: " + err.Error())
	}
	return data
}
