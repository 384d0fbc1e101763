package mvcc

import (
	"encoding/binary"

	vtreeerrors "github.com/vtreedb/vtree/pkg/errors"
)

// FatDelta is one entry of a fat tuple's delta stack: the byte range that
// changed to produce the version AFTER this one (closer to newest), so
// undoLastUpdate can re-apply it backward to recover the value as it was
// before that update.
type FatDelta struct {
	WorkerID   uint16
	CommitMark uint64
	Diff       Diff
}

// FatTuple is the single-slot encoding of an entire version chain as a
// stack of per-update deltas (§4.6, §3 "Fat tuple"): cheaper to scan than
// chasing chain pointers, and undoLastUpdate is O(1) instead of a chain
// walk.
type FatTuple struct {
	WriteLocked bool
	IsRemoved   bool // always false in this implementation: §4.4 "Refuses to remove a fat tuple"

	WorkerID        uint16 // newest writer
	CommitMark      uint64 // newest commit mark
	ReadLockCounter uint64
	ReadTS          uint64

	NewestPayload []byte
	Deltas        []FatDelta // newest-adjacent first
}

func (t *FatTuple) flags() byte {
	var f byte
	if t.WriteLocked {
		f |= flagWriteLocked
	}
	if t.IsRemoved {
		f |= flagIsRemoved
	}
	return f
}

// Encode serializes t with the FormatFat discriminant as its first byte.
func (t *FatTuple) Encode() []byte {
	size := 1 + 1 + 2 + 8 + 8 + 8 + 4 + len(t.NewestPayload) + 2
	deltaBufs := make([][]byte, len(t.Deltas))
	for i, d := range t.Deltas {
		db := EncodeDiff(d.Diff)
		deltaBufs[i] = db
		size += 2 + 8 + 4 + len(db)
	}

	buf := make([]byte, size)
	off := 0
	buf[off] = byte(FormatFat)
	off++
	buf[off] = t.flags()
	off++
	binary.LittleEndian.PutUint16(buf[off:off+2], t.WorkerID)
	off += 2
	binary.LittleEndian.PutUint64(buf[off:off+8], t.CommitMark)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], t.ReadLockCounter)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], t.ReadTS)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(t.NewestPayload)))
	off += 4
	off += copy(buf[off:], t.NewestPayload)

	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(t.Deltas)))
	off += 2
	for i, d := range t.Deltas {
		binary.LittleEndian.PutUint16(buf[off:off+2], d.WorkerID)
		off += 2
		binary.LittleEndian.PutUint64(buf[off:off+8], d.CommitMark)
		off += 8
		db := deltaBufs[i]
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(db)))
		off += 4
		off += copy(buf[off:], db)
	}
	return buf
}

// DecodeFatTuple decodes buf, which must have FormatFat as its first byte.
func DecodeFatTuple(buf []byte) (*FatTuple, error) {
	if len(buf) < 1 || Format(buf[0]) != FormatFat {
		return nil, &vtreeerrors.ChainCorruptionError{Reason: "DecodeFatTuple called on non-fat slot"}
	}
	if len(buf) < 2+2+8+8+8+4 {
		return nil, &vtreeerrors.ChainCorruptionError{Reason: "fat tuple shorter than fixed header"}
	}

	off := 1
	flags := buf[off]
	off++
	t := &FatTuple{
		WriteLocked: flags&flagWriteLocked != 0,
		IsRemoved:   flags&flagIsRemoved != 0,
	}
	t.WorkerID = binary.LittleEndian.Uint16(buf[off : off+2])
	off += 2
	t.CommitMark = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	t.ReadLockCounter = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	t.ReadTS = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	payloadLen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	if off+payloadLen > len(buf) {
		return nil, &vtreeerrors.ChainCorruptionError{Reason: "fat tuple payload exceeds slot size"}
	}
	t.NewestPayload = append([]byte(nil), buf[off:off+payloadLen]...)
	off += payloadLen

	if off+2 > len(buf) {
		return nil, &vtreeerrors.ChainCorruptionError{Reason: "fat tuple truncated before delta count"}
	}
	numDeltas := int(binary.LittleEndian.Uint16(buf[off : off+2]))
	off += 2

	t.Deltas = make([]FatDelta, 0, numDeltas)
	for i := 0; i < numDeltas; i++ {
		if off+2+8+4 > len(buf) {
			return nil, &vtreeerrors.ChainCorruptionError{Reason: "fat tuple truncated in delta list"}
		}
		workerID := binary.LittleEndian.Uint16(buf[off : off+2])
		off += 2
		commitMark := binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
		diffLen := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		if off+diffLen > len(buf) {
			return nil, &vtreeerrors.ChainCorruptionError{Reason: "fat tuple delta diff exceeds slot size"}
		}
		diff := DecodeDiff(buf[off : off+diffLen])
		off += diffLen
		t.Deltas = append(t.Deltas, FatDelta{WorkerID: workerID, CommitMark: commitMark, Diff: diff})
	}
	return t, nil
}

// ConvertToFat builds a fat tuple from a chained primary that currently has
// no reachable secondaries — conversion happens at the moment update()
// decides to convert (§4.3 step 6a), before the update itself is applied,
// so the fat tuple starts with zero deltas and the primary's current value
// as NewestPayload.
func ConvertToFat(primary *ChainedTuple) *FatTuple {
	return &FatTuple{
		WriteLocked:     primary.WriteLocked,
		WorkerID:        primary.WorkerID,
		CommitMark:      primary.CommitMark,
		ReadLockCounter: primary.ReadLockCounter,
		ReadTS:          primary.ReadTS,
		NewestPayload:   append([]byte(nil), primary.Payload...),
	}
}

// Update pushes a new delta (the byte range about to change, captured as
// an XOR-diff against the current NewestPayload) and replaces
// NewestPayload with newValue — §4.6 "pushes a delta entry capturing
// old_bytes ... then applies the callback in place".
func (t *FatTuple) Update(workerID uint16, commitMark uint64, newValue []byte) {
	diff := ComputeDiff(t.NewestPayload, newValue)
	t.Deltas = append([]FatDelta{{WorkerID: t.WorkerID, CommitMark: t.CommitMark, Diff: diff}}, t.Deltas...)
	t.NewestPayload = newValue
	t.WorkerID = workerID
	t.CommitMark = commitMark
}

// UndoLastUpdate pops the newest delta and restores NewestPayload plus the
// (worker_id, commit_mark) identity it recorded — §4.4 "pops the newest
// per-attribute delta, re-applies it to the live payload, and restores the
// previous (worker_id, commit_mark)".
func (t *FatTuple) UndoLastUpdate() error {
	if len(t.Deltas) == 0 {
		return &vtreeerrors.ChainCorruptionError{Reason: "undoLastUpdate called on fat tuple with no deltas"}
	}
	last := t.Deltas[0]
	t.Deltas = t.Deltas[1:]
	t.NewestPayload = last.Diff.ApplyBackward(t.NewestPayload)
	t.WorkerID = last.WorkerID
	t.CommitMark = last.CommitMark
	return nil
}
