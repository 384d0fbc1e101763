package mvcc

import (
	"github.com/vtreedb/vtree/pkg/btree"
	vtreeerrors "github.com/vtreedb/vtree/pkg/errors"
	"github.com/vtreedb/vtree/pkg/txn"
	"github.com/vtreedb/vtree/pkg/types"
)

// Reconstruct implements C2: walk the version chain rooted at userKey,
// delivering the newest version visible to viewer. It follows spec.md
// §4.2's five-step algorithm directly:
//
//  1. Read the primary. Visible and not removed → deliver it. Visible and
//     removed → NOT_FOUND.
//  2. If the primary is final (no older versions), NOT_FOUND.
//  3. Copy the primary payload into a scratch buffer and start walking from
//     primary.NextSN.
//  4. Walk older versions, applying each as a delta or full replacement to
//     the scratch buffer, checking visibility at each step.
//  5. Exhausted the chain without finding a visible version → NOT_FOUND.
func Reconstruct(tree *btree.BPlusTree, userKey []byte, viewer *txn.Worker, mgr *txn.Manager, flags txn.Flags) ([]byte, vtreeerrors.Result, int, error) {
	primaryKey := types.ChainKey(userKey, 0)
	raw, ok := tree.Get(primaryKey)
	if !ok {
		return nil, vtreeerrors.NotFound, 0, nil
	}

	primary, err := decodeChainedOrFat(raw)
	if err != nil {
		return nil, vtreeerrors.Other, 0, err
	}

	if fat, isFat := primary.(*FatTuple); isFat {
		if mgr.IsVisibleForMe(fat.WorkerID, fat.CommitMark, viewer) {
			return append([]byte(nil), fat.NewestPayload...), vtreeerrors.OK, 0, nil
		}
		return nil, vtreeerrors.NotFound, 0, nil
	}

	head := primary.(*ChainedTuple)
	if mgr.IsVisibleForMe(head.WorkerID, head.CommitMark, viewer) {
		if head.IsRemoved {
			return nil, vtreeerrors.NotFound, 0, nil
		}
		return append([]byte(nil), head.Payload...), vtreeerrors.OK, 0, nil
	}

	if head.IsFinal() {
		return nil, vtreeerrors.NotFound, 0, nil
	}

	scratch := append([]byte(nil), head.Payload...)
	sn := head.NextSN
	walked := 0

	for sn != 0 {
		walked++
		if walked > flags.MaxChainLength {
			return nil, vtreeerrors.Other, walked, &vtreeerrors.ChainCorruptionError{
				Key:    string(userKey),
				Reason: "chain walk exceeded max_chain_length",
			}
		}

		secKey := types.ChainKey(userKey, sn)
		secRaw, ok := tree.Get(secKey)
		if !ok {
			// Chain truncated by GC: treated as invisible.
			return nil, vtreeerrors.NotFound, walked, nil
		}

		version, err := DecodeChainedTuple(secRaw)
		if err != nil {
			return nil, vtreeerrors.Other, walked, err
		}

		if version.IsDelta {
			diff := DecodeDiff(version.Payload)
			scratch = diff.ApplyBackward(scratch)
		} else {
			scratch = append([]byte(nil), version.Payload...)
		}

		if mgr.IsVisibleForMe(version.WorkerID, version.CommitMark, viewer) {
			if version.IsRemoved {
				return nil, vtreeerrors.NotFound, walked, nil
			}
			return append([]byte(nil), scratch...), vtreeerrors.OK, walked, nil
		}

		sn = version.NextSN
	}

	return nil, vtreeerrors.NotFound, walked, nil
}

// decodeChainedOrFat dispatches on the slot's format discriminant, returning
// either a *ChainedTuple or a *FatTuple as an interface{} for the caller to
// type-switch on.
func decodeChainedOrFat(raw []byte) (interface{}, error) {
	format, err := PeekFormat(raw)
	if err != nil {
		return nil, err
	}
	if format == FormatFat {
		return DecodeFatTuple(raw)
	}
	return DecodeChainedTuple(raw)
}
