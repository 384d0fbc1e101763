package errors

import (
	"fmt"
)

// Result is the outcome taxonomy every mvcc operation returns alongside (or
// instead of) an error — mirrors the small closed set of outcomes the
// original btree access method distinguishes explicitly, so callers can
// switch on it instead of string-matching errors.
type Result int

const (
	OK Result = iota
	NotFound
	Duplicate
	AbortTx
	NotEnoughSpace
	Other
)

func (r Result) String() string {
	switch r {
	case OK:
		return "OK"
	case NotFound:
		return "NOT_FOUND"
	case Duplicate:
		return "DUPLICATE"
	case AbortTx:
		return "ABORT_TX"
	case NotEnoughSpace:
		return "NOT_ENOUGH_SPACE"
	default:
		return "OTHER"
	}
}

// ChainCorruptionError marks an invariant violation in a version chain —
// a cycle, an unexpected tuple format, or a dangling next_sn — that should
// never occur outside of a bug, so callers are expected to treat it as
// fatal rather than retry.
type ChainCorruptionError struct {
	Key    string
	Reason string
}

func (e *ChainCorruptionError) Error() string {
	return fmt.Sprintf("chain corruption for key %q: %s", e.Key, e.Reason)
}

// WriteConflictError is returned when a concurrent writer already holds the
// version chain's write lock (two-phase locking conflict).
type WriteConflictError struct {
	Key string
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("write conflict: key %q is write-locked by another transaction", e.Key)
}

// TupleNotFoundError accompanies ABORT_TX when insert, update or remove
// finds the key's current primary version invisible to the writing
// transaction's snapshot.
type TupleNotFoundError struct {
	Key string
}

func (e *TupleNotFoundError) Error() string {
	return fmt.Sprintf("no version of key %q visible to this snapshot", e.Key)
}
