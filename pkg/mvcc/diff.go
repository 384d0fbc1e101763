package mvcc

import "encoding/binary"

// Descriptor is an UpdateDescriptor (§4.2): an ordered list of (offset,
// length) byte ranges that changed between two versions of a value. This
// core has no attribute schema — values are opaque byte blobs — so the
// descriptor is computed automatically as the single byte range spanning
// everything between the longest common prefix and the longest common
// suffix of before/after, rather than supplied by the caller. That single
// range is exactly what an attribute-aware caller would have named as "the
// attributes that changed" if it had bothered to tell us; we derive it
// instead of asking.
type Descriptor struct {
	Offset int
	OldLen int
	NewLen int
}

// Diff is a descriptor plus its XOR-diff bytes: old[i] ^ new[i] for the
// changed middle range, zero-extended against whichever side is shorter.
// Re-XORing reconstructs either side from the other, satisfying the XOR-
// diff idempotence law.
type Diff struct {
	Descriptor Descriptor
	XOR        []byte
}

// ComputeDiff builds the UpdateDescriptor + XOR-diff between before and
// after.
func ComputeDiff(before, after []byte) Diff {
	prefix := commonPrefixLen(before, after)
	suffix := commonSuffixLen(before[prefix:], after[prefix:])

	oldMid := before[prefix : len(before)-suffix]
	newMid := after[prefix : len(after)-suffix]

	xorLen := len(oldMid)
	if len(newMid) > xorLen {
		xorLen = len(newMid)
	}
	xor := make([]byte, xorLen)
	for i := 0; i < xorLen; i++ {
		var o, n byte
		if i < len(oldMid) {
			o = oldMid[i]
		}
		if i < len(newMid) {
			n = newMid[i]
		}
		xor[i] = o ^ n
	}

	return Diff{
		Descriptor: Descriptor{Offset: prefix, OldLen: len(oldMid), NewLen: len(newMid)},
		XOR:        xor,
	}
}

// ApplyForward reconstructs the "after" image given d and the "before"
// image.
func (d Diff) ApplyForward(before []byte) []byte {
	return splice(d, before, d.Descriptor.OldLen, d.Descriptor.NewLen)
}

// ApplyBackward reconstructs the "before" image given d and the "after"
// image — the undo direction (§4.4 UPDATE/single-version: "apply the WAL's
// XOR-diff in place").
func (d Diff) ApplyBackward(after []byte) []byte {
	return splice(d, after, d.Descriptor.NewLen, d.Descriptor.OldLen)
}

// splice re-XORs d.XOR against value's middle segment (known to be
// fromLen bytes long) and returns a buffer with a toLen-byte middle
// segment spliced between the original prefix/suffix.
func splice(d Diff, value []byte, fromLen, toLen int) []byte {
	off := d.Descriptor.Offset
	suffix := value[off+fromLen:]
	mid := value[off : off+fromLen]

	outMid := make([]byte, toLen)
	for i := 0; i < toLen; i++ {
		var cur, x byte
		if i < len(mid) {
			cur = mid[i]
		}
		if i < len(d.XOR) {
			x = d.XOR[i]
		}
		outMid[i] = cur ^ x
	}

	out := make([]byte, 0, off+toLen+len(suffix))
	out = append(out, value[:off]...)
	out = append(out, outMid...)
	out = append(out, suffix...)
	return out
}

func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func commonSuffixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[len(a)-1-i] == b[len(b)-1-i] {
		i++
	}
	return i
}

// EncodeDiff/DecodeDiff give the fixed-layout wire form used inside UPDATE
// WAL entries and chained-secondary payloads, in the teacher's
// encoding/binary style (pkg/wal/entry.go, pkg/storage/checkpoint_serializer.go).
func EncodeDiff(d Diff) []byte {
	buf := make([]byte, 16+len(d.XOR))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(d.Descriptor.Offset))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(d.Descriptor.OldLen))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(d.Descriptor.NewLen))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(d.XOR)))
	copy(buf[16:], d.XOR)
	return buf
}

func DecodeDiff(buf []byte) Diff {
	offset := int(binary.LittleEndian.Uint32(buf[0:4]))
	oldLen := int(binary.LittleEndian.Uint32(buf[4:8]))
	newLen := int(binary.LittleEndian.Uint32(buf[8:12]))
	xorLen := int(binary.LittleEndian.Uint32(buf[12:16]))
	xor := make([]byte, xorLen)
	copy(xor, buf[16:16+xorLen])
	return Diff{Descriptor: Descriptor{Offset: offset, OldLen: oldLen, NewLen: newLen}, XOR: xor}
}
