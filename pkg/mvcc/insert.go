package mvcc

import (
	"github.com/vtreedb/vtree/pkg/btree"
	vtreeerrors "github.com/vtreedb/vtree/pkg/errors"
	"github.com/vtreedb/vtree/pkg/txn"
	"github.com/vtreedb/vtree/pkg/types"
	"github.com/vtreedb/vtree/pkg/wal"
)

// flowResult is an internal control-flow signal threaded back out of a
// btree.UpsertFn callback, since UpsertFn only returns a plain error — it
// carries the Result the caller should ultimately report.
type flowResult struct {
	result vtreeerrors.Result
	err    error
}

func (f *flowResult) Error() string {
	if f.err != nil {
		return f.err.Error()
	}
	return f.result.String()
}

func abortResult(result vtreeerrors.Result, err error) error {
	return &flowResult{result: result, err: err}
}

// unwrapFlow extracts the (Result, error) pair a write operation should
// report, given whatever error btree.Upsert returned.
func unwrapFlow(err error) (vtreeerrors.Result, error) {
	if err == nil {
		return vtreeerrors.OK, nil
	}
	if fr, ok := err.(*flowResult); ok {
		return fr.result, fr.err
	}
	return vtreeerrors.Other, err
}

// Insert implements insert(user_key, value) from spec.md §4.3. There is no
// fixed-size page capacity in this core's btree.Node (leaves grow to hold
// whatever byte slices are inserted, splitting on key count rather than
// byte budget), so NOT_ENOUGH_SPACE never arises here. Insert never returns
// DUPLICATE: an existing primary that is write-locked or invisible to self
// gives ABORT_TX, and one that is visible gives Other with a
// ChainCorruptionError.
func Insert(tree *btree.BPlusTree, log *Log, userKey, value []byte, self *txn.Worker, mgr *txn.Manager) (vtreeerrors.Result, error) {
	if err := log.EnsureSpace(len(value) + chainedFixedHeaderSize); err != nil {
		return vtreeerrors.Other, err
	}

	primaryKey := types.ChainKey(userKey, 0)

	upsertErr := tree.Upsert(primaryKey, func(node *btree.Node, idx int, exists bool) ([]byte, error) {
		if exists {
			existing, err := DecodeChainedTuple(node.Values[idx])
			if err != nil {
				return nil, abortResult(vtreeerrors.Other, err)
			}
			if existing.WriteLocked {
				return nil, abortResult(vtreeerrors.AbortTx, &vtreeerrors.WriteConflictError{Key: string(userKey)})
			}
			if !mgr.IsVisibleForMe(existing.WorkerID, existing.CommitMark, self) {
				return nil, abortResult(vtreeerrors.AbortTx, &vtreeerrors.TupleNotFoundError{Key: string(userKey)})
			}
			// The existing slot is visible and unlocked: a live key (or a
			// tombstone GC has not reclaimed) already occupies this primary
			// slot. Inserting over it is not supported and is reported as
			// chain corruption.
			return nil, abortResult(vtreeerrors.Other, &vtreeerrors.ChainCorruptionError{
				Key:    string(userKey),
				Reason: "duplicate primary key reuse after GC is not supported",
			})
		}

		fresh := &ChainedTuple{
			WorkerID:   self.ID,
			CommitMark: self.TTS,
			Payload:    value,
		}
		return fresh.Encode(), nil
	})

	result, err := unwrapFlow(upsertErr)
	if result != vtreeerrors.OK {
		return result, err
	}

	payload := EncodeInsertPayload(InsertPayload{Key: userKey, Value: value})
	if err := log.Submit(wal.EntryInsert, payload); err != nil {
		return vtreeerrors.Other, err
	}
	return vtreeerrors.OK, nil
}
