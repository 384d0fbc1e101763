// Package mvcc implements the hard core: tuple formats (C1), chain
// reconstruction (C2), write operations (C3), undo (C4), the garbage
// collector (C5), and fat tuples (C6). It consumes pkg/btree as the
// iterator collaborator and pkg/txn as the transaction-manager
// collaborator, the way the original access method consumes a shared
// buffer-manager/transaction-manager it doesn't own.
package mvcc

import (
	"encoding/binary"

	vtreeerrors "github.com/vtreedb/vtree/pkg/errors"
)

// Format is the tagged-union discriminant (§9 "Dynamic dispatch on tuple
// format" — a tagged variant with two arms, no inheritance). It is always
// the first payload byte so mis-decoding a slot is impossible.
type Format uint8

const (
	FormatChained Format = iota
	FormatFat
)

const chainedFixedHeaderSize = 1 + 1 + 2 + 8 + 8 + 8 + 8 + 8 + 8 + 4 // 56 bytes

const (
	flagWriteLocked = 1 << iota
	flagIsRemoved
	flagCanConvertToFatTuple
	flagIsDelta
)

// ChainedTuple is the physical layout shared by primary (sn=0) and
// secondary (sn>0) slots — §3 describes them as two roles of one common
// header plus role-specific fields; unused fields are simply zero for
// whichever role a given slot plays.
type ChainedTuple struct {
	WriteLocked          bool
	IsRemoved            bool // primary: tombstone flag
	CanConvertToFatTuple bool // primary: hint consulted by update() step 6a
	IsDelta              bool // secondary: true=XOR-diff payload, false=full prior image

	WorkerID           uint16
	CommitMark         uint64 // = TTS once committed
	ReadLockCounter    uint64 // 2PL bitmap
	ReadTS             uint64 // SSI watermark
	NextSN             uint64 // primary: sn of newest secondary; secondary: sn of next-older
	CommittedBeforeSAT uint64 // secondary: SAT watermark
	GCTrigger          uint64 // secondary: LWM value at which this slot becomes prunable

	Payload []byte // primary: current value bytes; secondary: diff bytes or full prior image
}

// IsFinal reports whether this is a primary with no reachable older
// versions (NextSN == 0).
func (t *ChainedTuple) IsFinal() bool { return t.NextSN == 0 }

func (t *ChainedTuple) flags() byte {
	var f byte
	if t.WriteLocked {
		f |= flagWriteLocked
	}
	if t.IsRemoved {
		f |= flagIsRemoved
	}
	if t.CanConvertToFatTuple {
		f |= flagCanConvertToFatTuple
	}
	if t.IsDelta {
		f |= flagIsDelta
	}
	return f
}

// Encode serializes t with the FormatChained discriminant as its first
// byte.
func (t *ChainedTuple) Encode() []byte {
	buf := make([]byte, chainedFixedHeaderSize+len(t.Payload))
	buf[0] = byte(FormatChained)
	buf[1] = t.flags()
	binary.LittleEndian.PutUint16(buf[2:4], t.WorkerID)
	binary.LittleEndian.PutUint64(buf[4:12], t.CommitMark)
	binary.LittleEndian.PutUint64(buf[12:20], t.ReadLockCounter)
	binary.LittleEndian.PutUint64(buf[20:28], t.ReadTS)
	binary.LittleEndian.PutUint64(buf[28:36], t.NextSN)
	binary.LittleEndian.PutUint64(buf[36:44], t.CommittedBeforeSAT)
	binary.LittleEndian.PutUint64(buf[44:52], t.GCTrigger)
	binary.LittleEndian.PutUint32(buf[52:56], uint32(len(t.Payload)))
	copy(buf[56:], t.Payload)
	return buf
}

// DecodeChainedTuple decodes buf, which must have FormatChained as its
// first byte.
func DecodeChainedTuple(buf []byte) (*ChainedTuple, error) {
	if len(buf) < chainedFixedHeaderSize {
		return nil, &vtreeerrors.ChainCorruptionError{Reason: "chained tuple shorter than fixed header"}
	}
	if Format(buf[0]) != FormatChained {
		return nil, &vtreeerrors.ChainCorruptionError{Reason: "DecodeChainedTuple called on non-chained slot"}
	}

	flags := buf[1]
	t := &ChainedTuple{
		WriteLocked:          flags&flagWriteLocked != 0,
		IsRemoved:            flags&flagIsRemoved != 0,
		CanConvertToFatTuple: flags&flagCanConvertToFatTuple != 0,
		IsDelta:              flags&flagIsDelta != 0,
		WorkerID:             binary.LittleEndian.Uint16(buf[2:4]),
		CommitMark:           binary.LittleEndian.Uint64(buf[4:12]),
		ReadLockCounter:      binary.LittleEndian.Uint64(buf[12:20]),
		ReadTS:               binary.LittleEndian.Uint64(buf[20:28]),
		NextSN:               binary.LittleEndian.Uint64(buf[28:36]),
		CommittedBeforeSAT:   binary.LittleEndian.Uint64(buf[36:44]),
		GCTrigger:            binary.LittleEndian.Uint64(buf[44:52]),
	}
	payloadLen := binary.LittleEndian.Uint32(buf[52:56])
	if chainedFixedHeaderSize+int(payloadLen) > len(buf) {
		return nil, &vtreeerrors.ChainCorruptionError{Reason: "chained tuple payload length exceeds slot size"}
	}
	t.Payload = append([]byte(nil), buf[56:56+int(payloadLen)]...)
	return t, nil
}

// PeekFormat reads only the discriminant byte, for dispatch before a full
// decode.
func PeekFormat(buf []byte) (Format, error) {
	if len(buf) < 1 {
		return 0, &vtreeerrors.ChainCorruptionError{Reason: "empty slot value"}
	}
	return Format(buf[0]), nil
}
