package btree

import (
	"bytes"
	"sync"
)

// BPlusTree is a byte-keyed B+Tree. Leaves hold the full value bytes in
// line with their key, so a lookup never needs a second indirection.
type BPlusTree struct {
	T    int
	Root *Node
	mu   sync.RWMutex // protects the Root pointer across structural grows
}

func NewTree(t int) *BPlusTree {
	return &BPlusTree{T: t, Root: NewNode(t, true)}
}

// UpsertFn is the atomic read-modify-write callback executed while the
// target leaf is exclusively latched. idx is the slot the key occupies (or
// would occupy if !exists). Returning a nil value with a nil error leaves
// the tree unchanged — useful for callers that want to inspect state before
// deciding whether to write.
type UpsertFn func(node *Node, idx int, exists bool) (value []byte, err error)

// Upsert is the tree's single read-modify-write primitive: every write
// operation in pkg/mvcc funnels through this so the old-value read and the
// new-value write happen atomically under one leaf latch.
func (b *BPlusTree) Upsert(key []byte, fn UpsertFn) error {
	b.mu.Lock()
	root := b.Root
	root.Lock()

	if root.IsFull() {
		newRoot := NewNode(b.T, false)
		newRoot.Children = append(newRoot.Children, root)
		newRoot.SplitChild(0)
		b.Root = newRoot
		b.mu.Unlock()

		newRoot.Lock()
		root.Unlock()
		return b.upsertTopDown(newRoot, key, fn)
	}

	b.mu.Unlock()
	return b.upsertTopDown(root, key, fn)
}

// upsertTopDown descends with preventive splitting, crabbing locks down to
// the leaf. Assumes curr is already locked.
func (b *BPlusTree) upsertTopDown(curr *Node, key []byte, fn UpsertFn) error {
	defer func() {
		if curr != nil {
			curr.Unlock()
		}
	}()

	for !curr.Leaf {
		i := curr.lowerBound(key)
		child := curr.Children[i]
		child.Lock()

		if child.IsFull() {
			curr.SplitChild(i)
			if bytes.Compare(key, curr.Keys[i]) >= 0 {
				child.Unlock()
				child = curr.Children[i+1]
				child.Lock()
			}
		}

		curr.Unlock()
		curr = child
	}

	idx := curr.lowerBound(key)
	exists := idx < curr.N && bytes.Equal(curr.Keys[idx], key)

	newValue, err := fn(curr, idx, exists)
	if err != nil {
		return err
	}
	if newValue == nil {
		return nil
	}

	if exists {
		curr.Values[idx] = newValue
		return nil
	}

	curr.Keys = append(curr.Keys, nil)
	curr.Values = append(curr.Values, nil)
	copy(curr.Keys[idx+1:], curr.Keys[idx:])
	copy(curr.Values[idx+1:], curr.Values[idx:])
	curr.Keys[idx] = key
	curr.Values[idx] = newValue
	curr.N++
	return nil
}

// Get performs a shared-latch lookup, returning a copy of the value.
func (b *BPlusTree) Get(key []byte) ([]byte, bool) {
	if b == nil {
		return nil, false
	}
	b.mu.RLock()
	curr := b.Root
	if curr == nil {
		b.mu.RUnlock()
		return nil, false
	}
	curr.RLock()
	b.mu.RUnlock()

	for !curr.Leaf {
		i := curr.lowerBound(key)
		child := curr.Children[i]
		child.RLock()
		curr.RUnlock()
		curr = child
	}
	defer curr.RUnlock()

	for j := 0; j < curr.N; j++ {
		if bytes.Equal(curr.Keys[j], key) {
			v := make([]byte, len(curr.Values[j]))
			copy(v, curr.Values[j])
			return v, true
		}
	}
	return nil, false
}

// Remove deletes key from the tree (full physical removal with
// underflow rebalancing). Returns false if key was not present.
func (b *BPlusTree) Remove(key []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	root := b.Root
	root.Lock()
	defer root.Unlock()

	removed := root.remove(key)

	if !root.Leaf && root.N == 0 {
		b.Root = root.Children[0]
	}
	return removed
}

// FindLeafLowerBound locks the leaf that would hold key (or its insertion
// point) with a shared latch and returns it UNLOCKED to the caller — used
// only by tests/legacy call sites that accept the race; real scans use
// SeekRangeAsc below.
func (b *BPlusTree) FindLeafLowerBound(key []byte) (*Node, int) {
	b.mu.RLock()
	curr := b.Root
	curr.RLock()
	b.mu.RUnlock()

	for !curr.Leaf {
		i := curr.lowerBound(key)
		child := curr.Children[i]
		child.RLock()
		curr.RUnlock()
		curr = child
	}

	idx := curr.lowerBound(key)
	curr.RUnlock()
	return curr, idx
}

// SeekRangeAsc walks keys in ascending order starting at startKey (inclusive
// lower bound), lock-coupling across leaves via Next, invoking visit(key,
// value) for each slot until visit returns false or the tree is exhausted.
func (b *BPlusTree) SeekRangeAsc(startKey []byte, visit func(key, value []byte) bool) {
	b.mu.RLock()
	curr := b.Root
	curr.RLock()
	b.mu.RUnlock()

	for !curr.Leaf {
		i := curr.lowerBound(startKey)
		child := curr.Children[i]
		child.RLock()
		curr.RUnlock()
		curr = child
	}

	idx := curr.lowerBound(startKey)
	for curr != nil {
		for ; idx < curr.N; idx++ {
			if !visit(curr.Keys[idx], curr.Values[idx]) {
				curr.RUnlock()
				return
			}
		}
		next := curr.Next
		if next != nil {
			next.RLock()
		}
		curr.RUnlock()
		curr = next
		idx = 0
	}
}

// Hint captures a node/version/slot triple so a later operation can attempt
// a local re-validation instead of a full top-down descent — the concrete
// analogue of the dangling-pointer fast path used by update's return-to-head
// step and by GC's TODO dispatch.
type Hint struct {
	Node    *Node
	Version uint64
	Slot    int
}

// CaptureHint builds a Hint for node/slot; call while node is latched.
func CaptureHint(node *Node, slot int) Hint {
	return Hint{Node: node, Version: node.Version(), Slot: slot}
}

// TryWithHint attempts to reuse a previously captured hint under an
// exclusive latch: if the node's version is unchanged and key still sits at
// the hinted slot, fn runs directly against that node/slot and TryWithHint
// returns true. Otherwise it returns false without running fn, and the
// caller must fall back to Upsert/Get for a full descent.
func (b *BPlusTree) TryWithHint(hint Hint, key []byte, fn func(node *Node, idx int) error) (bool, error) {
	if hint.Node == nil {
		return false, nil
	}
	hint.Node.Lock()
	defer hint.Node.Unlock()

	if hint.Node.Version() != hint.Version {
		return false, nil
	}
	if hint.Slot >= hint.Node.N || !bytes.Equal(hint.Node.Keys[hint.Slot], key) {
		return false, nil
	}
	return true, fn(hint.Node, hint.Slot)
}

// SplitLeafForKey proactively splits the leaf that would hold key, even
// though it isn't full — the concrete realization of "contention split":
// a hot leaf is worth splitting early to shrink the window writers spend
// crabbed onto it. Returns false if the leaf is too small to split
// usefully (fewer than T keys).
func (b *BPlusTree) SplitLeafForKey(key []byte) bool {
	b.mu.Lock()
	root := b.Root
	root.Lock()

	if root.Leaf {
		defer root.Unlock()
		if root.N < b.T {
			b.mu.Unlock()
			return false
		}
		newRoot := NewNode(b.T, false)
		newRoot.Children = append(newRoot.Children, root)
		newRoot.SplitChild(0)
		b.Root = newRoot
		b.mu.Unlock()
		return true
	}

	b.mu.Unlock()
	return b.splitLeafTopDown(root, key)
}

func (b *BPlusTree) splitLeafTopDown(curr *Node, key []byte) bool {
	defer curr.Unlock()
	for {
		i := curr.lowerBound(key)
		child := curr.Children[i]
		child.Lock()

		if child.Leaf {
			defer child.Unlock()
			if child.N < b.T {
				return false
			}
			curr.SplitChild(i)
			return true
		}

		curr.Unlock()
		curr = child
	}
}
