package types

import "encoding/binary"

// SNSize is the fixed width, in bytes, of the chain-sequence-number suffix
// appended to every physical B-Tree key.
const SNSize = 8

// ChainKey builds the physical B-Tree key for a logical (userKey, sn) pair:
// the caller's encoded key bytes followed by a big-endian sn. Big-endian
// encoding is deliberate: it makes sn=0 (the primary version) sort before
// every sn>0 (secondary version) under plain byte-lexicographic comparison,
// so a local forward scan from the primary slot visits secondaries in
// ascending sn order without any special-casing.
func ChainKey(userKey []byte, sn uint64) []byte {
	out := make([]byte, len(userKey)+SNSize)
	copy(out, userKey)
	binary.BigEndian.PutUint64(out[len(userKey):], sn)
	return out
}

// SplitChainKey reverses ChainKey, returning the logical user key and sn.
// Panics if key is shorter than SNSize — a physical key must always carry
// the sn suffix.
func SplitChainKey(key []byte) (userKey []byte, sn uint64) {
	if len(key) < SNSize {
		panic("types: chain key shorter than sn suffix")
	}
	split := len(key) - SNSize
	return key[:split], binary.BigEndian.Uint64(key[split:])
}

// IsPrimaryChainKey reports whether key is a primary-version slot (sn==0).
func IsPrimaryChainKey(key []byte) bool {
	_, sn := SplitChainKey(key)
	return sn == 0
}
