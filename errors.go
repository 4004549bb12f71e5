package branchdb

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies a class of error in the branchdb error taxonomy. It is
// independent of any particular backend or transport.
type Kind int

const (
	// KindOther is an unclassified error.
	KindOther Kind = iota
	// KindNotFound means a document, database or revision is absent.
	KindNotFound
	// KindConflict is raised only when the caller requested new-edit
	// semantics and the merge outcome was a fork.
	KindConflict
	// KindPreconditionFailed means a stub attachment referenced a
	// non-existent or mismatched record, or a database-exists
	// precondition failed on create.
	KindPreconditionFailed
	// KindUnauthorized means the remote peer rejected credentials.
	KindUnauthorized
	// KindForbidden means the remote peer rejected the operation for
	// the authenticated identity.
	KindForbidden
	// KindTransport is a transport-level failure surfaced unmodified.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindPreconditionFailed:
		return "precondition_failed"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindTransport:
		return "transport"
	default:
		return "other"
	}
}

// Error is a branchdb error: a Kind, the operation that failed, and the
// underlying cause (if any).
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("branchdb: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("branchdb: %s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap lets errors.Is/errors.As see through an *Error to its cause.
func (e *Error) Unwrap() error { return e.Err }

// Cause implements the github.com/pkg/errors Causer interface.
func (e *Error) Cause() error { return e.Err }

// E builds a new *Error. err may be nil.
func E(op string, kind Kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// IsKind reports whether the first branchdb *Error found along err's
// Unwrap chain has the given kind. Errors wrapped inside that *Error are
// not examined.
func IsKind(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind == kind
		}
		err = errors.Unwrap(err)
	}
	return false
}

// NotFound reports whether err denotes a missing document, database or
// revision.
func NotFound(err error) bool { return IsKind(err, KindNotFound) }

// Conflict reports whether err denotes a revision conflict.
func Conflict(err error) bool { return IsKind(err, KindConflict) }

func errAttachmentStubUnresolved(name string) error {
	return errors.Errorf("attachment %q: stub does not reuse an existing record", name)
}

func errAttachmentRevPosMismatch(name string) error {
	return errors.Errorf("attachment %q: stub rev_pos does not match existing record", name)
}

var (
	errLocalDocViaWrite = errors.New("branchdb: \"_local/\" documents must use WriteLocal, not Write")
	errMissingRevisions = errors.New("branchdb: new_edits=false write requires \"_revisions\"")
)
