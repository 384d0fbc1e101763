package mvcc

import (
	"fmt"

	"github.com/vtreedb/vtree/pkg/btree"
	vtreeerrors "github.com/vtreedb/vtree/pkg/errors"
	"github.com/vtreedb/vtree/pkg/txn"
	"github.com/vtreedb/vtree/pkg/types"
	"github.com/vtreedb/vtree/pkg/wal"
)

// Remove implements remove(user_key) from spec.md §4.3: like Update but it
// refuses fat tuples, requires the tuple not already removed, copies the
// full (non-delta) prior image into a secondary, and shrinks the primary to
// an empty tombstone.
func Remove(tree *btree.BPlusTree, log *Log, userKey []byte, self *txn.Worker, mgr *txn.Manager, flags txn.Flags) (vtreeerrors.Result, error) {
	if err := log.EnsureSpace(256); err != nil {
		return vtreeerrors.Other, err
	}
	primaryKey := types.ChainKey(userKey, 0)

	var (
		lockedPrimary *ChainedTuple
		lockedHint    btree.Hint
	)

	upsertErr := tree.Upsert(primaryKey, func(node *btree.Node, idx int, exists bool) ([]byte, error) {
		if !exists {
			return nil, abortResult(vtreeerrors.NotFound, nil)
		}
		raw := node.Values[idx]
		format, err := PeekFormat(raw)
		if err != nil {
			return nil, abortResult(vtreeerrors.Other, err)
		}
		if format == FormatFat {
			return nil, abortResult(vtreeerrors.Other, &vtreeerrors.ChainCorruptionError{
				Key:    string(userKey),
				Reason: "remove refuses to operate on a fat tuple",
			})
		}

		primary, err := DecodeChainedTuple(raw)
		if err != nil {
			return nil, abortResult(vtreeerrors.Other, err)
		}
		if primary.IsRemoved {
			return nil, abortResult(vtreeerrors.NotFound, nil)
		}
		if primary.WriteLocked {
			return nil, abortResult(vtreeerrors.AbortTx, &vtreeerrors.WriteConflictError{Key: string(userKey)})
		}
		if !mgr.IsVisibleForMe(primary.WorkerID, primary.CommitMark, self) {
			return nil, abortResult(vtreeerrors.AbortTx, &vtreeerrors.TupleNotFoundError{Key: string(userKey)})
		}

		primary.WriteLocked = true
		lockedPrimary = primary
		lockedHint = btree.Hint{Node: node, Version: node.Version() + 1, Slot: idx}
		return primary.Encode(), nil
	})

	result, err := unwrapFlow(upsertErr)
	if result != vtreeerrors.OK {
		return result, err
	}

	sn, secKey, err := allocateSecondarySN(tree, userKey)
	if err != nil {
		return vtreeerrors.Other, err
	}

	secondary := &ChainedTuple{
		IsDelta:    false, // full prior image, not a diff
		WorkerID:   lockedPrimary.WorkerID,
		CommitMark: lockedPrimary.CommitMark,
		NextSN:     lockedPrimary.NextSN,
		GCTrigger:  self.TTS,
		Payload:    append([]byte(nil), lockedPrimary.Payload...),
	}
	if insertErr := tree.Upsert(secKey, func(node *btree.Node, idx int, exists bool) ([]byte, error) {
		if exists {
			return nil, fmt.Errorf("secondary slot %x already occupied after collision check", secKey)
		}
		return secondary.Encode(), nil
	}); insertErr != nil {
		return vtreeerrors.Other, insertErr
	}

	finalize := func(node *btree.Node, idx int) error {
		raw := node.Values[idx]
		primary, err := DecodeChainedTuple(raw)
		if err != nil {
			return err
		}
		primary.Payload = nil
		primary.IsRemoved = true
		primary.NextSN = sn
		primary.WorkerID = self.ID
		primary.CommitMark = self.TTS
		primary.WriteLocked = false
		node.Values[idx] = primary.Encode()
		return nil
	}

	if lockedHint.Node != nil {
		lockedHint.Node.RecordAttempt()
	}
	if ok, err := tree.TryWithHint(lockedHint, primaryKey, finalize); err != nil {
		return vtreeerrors.Other, err
	} else if !ok {
		if lockedHint.Node != nil {
			lockedHint.Node.RecordConflict()
		}
		if err := tree.Upsert(primaryKey, func(node *btree.Node, idx int, exists bool) ([]byte, error) {
			if !exists {
				return nil, fmt.Errorf("primary for %x vanished mid-remove", userKey)
			}
			if err := finalize(node, idx); err != nil {
				return nil, err
			}
			return node.Values[idx], nil
		}); err != nil {
			return vtreeerrors.Other, err
		}
	}

	payload := EncodeRemovePayload(RemovePayload{
		Key:              userKey,
		BeforeWorkerID:   lockedPrimary.WorkerID,
		BeforeCommitMark: lockedPrimary.CommitMark,
		RemovedValue:     lockedPrimary.Payload,
	})
	if err := log.Submit(wal.EntryDelete, payload); err != nil {
		return vtreeerrors.Other, err
	}

	if flags.EnableRemoveTODO {
		self.StageTODO(userKey, txn.ComposeWTTS(self.ID, self.TTS), true, lockedHint)
	}

	return vtreeerrors.OK, nil
}
