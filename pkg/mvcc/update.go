package mvcc

import (
	"fmt"
	"math/rand"

	"github.com/vtreedb/vtree/pkg/btree"
	vtreeerrors "github.com/vtreedb/vtree/pkg/errors"
	"github.com/vtreedb/vtree/pkg/txn"
	"github.com/vtreedb/vtree/pkg/types"
	"github.com/vtreedb/vtree/pkg/wal"
)

// UpdateCallback transforms the current value into its replacement. There
// is no attribute schema in this core (values are opaque blobs), so unlike
// the original design's (callback, descriptor) pair, the descriptor is
// always derived from the callback's before/after bytes by ComputeDiff.
type UpdateCallback func(old []byte) []byte

// Update implements update(user_key, callback) from spec.md §4.3. The
// "acquire exclusive iterator, lock, maybe insert a secondary, finalize"
// sequence is expressed as up to three btree.Upsert/TryWithHint calls
// rather than one held latch, because this core's iterator collaborator
// (pkg/btree) has no cursor that stays open across a secondary-key insert
// in between — see DESIGN.md. The tuple's own WriteLocked bit (persisted
// between those calls) is what actually serializes concurrent updaters,
// the same way spec.md describes the write lock as "a one-bit spinlock
// inside each primary header... never held across a page boundary."
func Update(tree *btree.BPlusTree, log *Log, userKey []byte, cb UpdateCallback, self *txn.Worker, mgr *txn.Manager, flags txn.Flags) (vtreeerrors.Result, bool, error) {
	if err := log.EnsureSpace(256); err != nil {
		return vtreeerrors.Other, false, err
	}
	primaryKey := types.ChainKey(userKey, 0)
	convertedThisCall := false

	for {
		var (
			lockedPrimary *ChainedTuple
			lockedHint    btree.Hint
			fatOutcome    *fatUpdateOutcome
			convertedFat  bool
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
				fat, err := DecodeFatTuple(raw)
				if err != nil {
					return nil, abortResult(vtreeerrors.Other, err)
				}
				if fat.WriteLocked {
					return nil, abortResult(vtreeerrors.AbortTx, &vtreeerrors.WriteConflictError{Key: string(userKey)})
				}
				if !mgr.IsVisibleForMe(fat.WorkerID, fat.CommitMark, self) {
					return nil, abortResult(vtreeerrors.AbortTx, &vtreeerrors.TupleNotFoundError{Key: string(userKey)})
				}
				if ssiConflict(fat.ReadLockCounter, fat.ReadTS, self, flags) {
					return nil, abortResult(vtreeerrors.AbortTx, nil)
				}
				beforeWorker, beforeMark := fat.WorkerID, fat.CommitMark
				newValue := cb(fat.NewestPayload)
				fat.Update(self.ID, self.TTS, newValue)
				fatOutcome = &fatUpdateOutcome{
					diff:         fat.Deltas[0].Diff,
					beforeWorker: beforeWorker,
					beforeMark:   beforeMark,
				}
				return fat.Encode(), nil
			}

			primary, err := DecodeChainedTuple(raw)
			if err != nil {
				return nil, abortResult(vtreeerrors.Other, err)
			}
			if primary.WriteLocked {
				return nil, abortResult(vtreeerrors.AbortTx, &vtreeerrors.WriteConflictError{Key: string(userKey)})
			}
			if !mgr.IsVisibleForMe(primary.WorkerID, primary.CommitMark, self) {
				return nil, abortResult(vtreeerrors.AbortTx, &vtreeerrors.TupleNotFoundError{Key: string(userKey)})
			}
			if ssiConflict(primary.ReadLockCounter, primary.ReadTS, self, flags) {
				// SSI: a transaction with a later snapshot already read this
				// version (or holds the 2PL read lock); committing our write
				// here risks a serialization cycle it can't see coming.
				return nil, abortResult(vtreeerrors.AbortTx, nil)
			}

			if !flags.MVCC || flags.UpdateInChained {
				before := append([]byte(nil), primary.Payload...)
				newValue := cb(primary.Payload)
				diff := ComputeDiff(before, newValue)
				beforeWorker, beforeMark := primary.WorkerID, primary.CommitMark
				primary.Payload = newValue
				primary.WorkerID = self.ID
				primary.CommitMark = self.TTS
				fatOutcome = &fatUpdateOutcome{diff: diff, beforeWorker: beforeWorker, beforeMark: beforeMark}
				return primary.Encode(), nil
			}

			if primary.CanConvertToFatTuple && primary.NextSN == 0 && shouldConvertToFat(flags) {
				convertedFat = true
				return ConvertToFat(primary).Encode(), nil
			}

			primary.WriteLocked = true
			lockedPrimary = primary
			lockedHint = btree.Hint{Node: node, Version: node.Version() + 1, Slot: idx}
			return primary.Encode(), nil
		})

		result, err := unwrapFlow(upsertErr)
		if result != vtreeerrors.OK {
			return result, false, err
		}

		if convertedFat {
			convertedThisCall = true
			continue // spec.md §4.3 step 6a: "invoke C6 conversion and restart step 2"
		}

		if fatOutcome != nil {
			payload := EncodeUpdatePayload(UpdatePayload{
				Key:              userKey,
				BeforeWorkerID:   fatOutcome.beforeWorker,
				BeforeCommitMark: fatOutcome.beforeMark,
				AfterWorkerID:    self.ID,
				AfterCommitMark:  self.TTS,
				Diff:             fatOutcome.diff,
			})
			if err := log.Submit(wal.EntryUpdate, payload); err != nil {
				return vtreeerrors.Other, false, err
			}
			return vtreeerrors.OK, convertedThisCall, nil
		}

		result, err = finalizeChainedUpdate(tree, log, userKey, primaryKey, lockedPrimary, lockedHint, cb, self, mgr, flags)
		return result, convertedThisCall, err
	}
}

type fatUpdateOutcome struct {
	diff         Diff
	beforeWorker uint16
	beforeMark   uint64
}

// ssiConflict implements spec.md §4.3 update step 2's SSI check: "under SSI
// check that read_ts ≤ self.tts (or, under 2PL, that read_lock_counter is
// empty or held only by self)". A no-op (never conflicts) unless
// flags.Serializable is set, matching plain Snapshot Isolation's default
// behavior of not tracking reads at all.
func ssiConflict(readLockCounter, readTS uint64, self *txn.Worker, flags txn.Flags) bool {
	if !flags.Serializable {
		return false
	}
	if flags.TwoPL {
		selfBit := uint64(1) << self.ID
		return readLockCounter&^selfBit != 0
	}
	return readTS > self.TTS
}

// shouldConvertToFat flips a 1-in-2^shift coin, per spec.md §4.3 step 6a.
func shouldConvertToFat(flags txn.Flags) bool {
	if flags.FatTupleConversionShift == 0 {
		return true
	}
	return rand.Intn(1<<flags.FatTupleConversionShift) == 0
}

// finalizeChainedUpdate performs spec.md §4.3 steps 6b-6g: allocate a
// secondary carrying the reverse delta, insert it, then finalize the
// primary (apply the callback, link next_sn, update header, unlock).
func finalizeChainedUpdate(tree *btree.BPlusTree, log *Log, userKey, primaryKey []byte, lockedPrimary *ChainedTuple, lockedHint btree.Hint, cb UpdateCallback, self *txn.Worker, mgr *txn.Manager, flags txn.Flags) (vtreeerrors.Result, error) {
	newValue := cb(lockedPrimary.Payload)
	diff := ComputeDiff(lockedPrimary.Payload, newValue)

	sn, secKey, err := allocateSecondarySN(tree, userKey)
	if err != nil {
		return vtreeerrors.Other, err
	}

	secondary := &ChainedTuple{
		IsDelta:    true,
		WorkerID:   lockedPrimary.WorkerID,
		CommitMark: lockedPrimary.CommitMark,
		NextSN:     lockedPrimary.NextSN,
		GCTrigger:  self.TTS,
		Payload:    EncodeDiff(diff),
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
		primary.Payload = newValue
		primary.NextSN = sn
		primary.WorkerID = self.ID
		primary.CommitMark = self.TTS
		primary.WriteLocked = false
		primary.CanConvertToFatTuple = true
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
				return nil, fmt.Errorf("primary for %x vanished mid-update", userKey)
			}
			if err := finalize(node, idx); err != nil {
				return nil, err
			}
			return node.Values[idx], nil
		}); err != nil {
			return vtreeerrors.Other, err
		}
	}

	payload := EncodeUpdatePayload(UpdatePayload{
		Key:              userKey,
		BeforeWorkerID:   lockedPrimary.WorkerID,
		BeforeCommitMark: lockedPrimary.CommitMark,
		AfterWorkerID:    self.ID,
		AfterCommitMark:  self.TTS,
		Diff:             diff,
	})
	if err := log.Submit(wal.EntryUpdate, payload); err != nil {
		return vtreeerrors.Other, err
	}

	if flags.EnableUpdateTODO {
		self.StageTODO(userKey, txn.ComposeWTTS(self.ID, self.TTS), false, lockedHint)
	}

	// Step g: optionally contention-split. A B-Tree concern, not MVCC's, but
	// triggered from here since this is where the per-write contention
	// signal was just recorded.
	const contentionSplitThreshold = 0.25
	if lockedHint.Node != nil && lockedHint.Node.ContentionRatio() > contentionSplitThreshold {
		tree.SplitLeafForKey(primaryKey)
	}

	return vtreeerrors.OK, nil
}

// allocateSecondarySN picks a random sn in [1, MaxUint64], retrying on
// collision with an existing slot, per spec.md §4.3 step 6b.
func allocateSecondarySN(tree *btree.BPlusTree, userKey []byte) (uint64, []byte, error) {
	const maxAttempts = 64
	for attempt := 0; attempt < maxAttempts; attempt++ {
		sn := rand.Uint64()
		if sn == 0 {
			continue
		}
		key := types.ChainKey(userKey, sn)
		if _, exists := tree.Get(key); !exists {
			return sn, key, nil
		}
	}
	return 0, nil, fmt.Errorf("allocateSecondarySN: exhausted %d attempts for key %x", maxAttempts, userKey)
}
