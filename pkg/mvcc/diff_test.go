package mvcc

import (
	"bytes"
	"testing"
)

func TestComputeDiff_RoundTrip(t *testing.T) {
	cases := []struct {
		before, after string
	}{
		{"hello world", "hello there"},
		{"abc", "abcdef"},
		{"abcdef", "abc"},
		{"", "new value"},
		{"old value", ""},
		{"same", "same"},
	}

	for _, c := range cases {
		before := []byte(c.before)
		after := []byte(c.after)
		d := ComputeDiff(before, after)

		gotAfter := d.ApplyForward(before)
		if !bytes.Equal(gotAfter, after) {
			t.Fatalf("ApplyForward(%q) = %q, want %q", c.before, gotAfter, c.after)
		}

		gotBefore := d.ApplyBackward(after)
		if !bytes.Equal(gotBefore, before) {
			t.Fatalf("ApplyBackward(%q) = %q, want %q", c.after, gotBefore, c.before)
		}
	}
}

func TestDiff_EncodeDecode(t *testing.T) {
	d := ComputeDiff([]byte("hello world"), []byte("hello there"))
	wire := EncodeDiff(d)
	got := DecodeDiff(wire)

	if got.Descriptor != d.Descriptor {
		t.Fatalf("descriptor mismatch: got %+v want %+v", got.Descriptor, d.Descriptor)
	}
	if !bytes.Equal(got.XOR, d.XOR) {
		t.Fatalf("xor mismatch: got %v want %v", got.XOR, d.XOR)
	}
}
