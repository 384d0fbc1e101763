package btree

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"
)

// Node is a B+Tree node keyed on raw bytes. Leaves store the tuple payload
// directly in Values — there is no separate heap file, MVCC chains live
// co-resident with their key in the leaf slot.
type Node struct {
	T        int      // minimum degree
	Keys     [][]byte // sorted keys
	Values   [][]byte // leaf-only: payload bytes, same length/order as Keys
	Children []*Node  // internal-only
	Leaf     bool
	N        int   // number of keys currently in use
	Next     *Node // leaf linked list, for range scans

	mu      sync.RWMutex
	version uint64 // bumped on every exclusive Unlock; backs optimistic reads and hints

	// contention tracks write attempts vs. conflicts observed under this
	// node's exclusive latch, feeding ContentionRatio (consulted before
	// BPlusTree.SplitLeafForKey after a chained update).
	contentionAttempts uint64
	contentionConflicts uint64
}

func NewNode(t int, leaf bool) *Node {
	return &Node{
		T:        t,
		Leaf:     leaf,
		Keys:     make([][]byte, 0, 2*t-1),
		Values:   make([][]byte, 0, 2*t-1),
		Children: make([]*Node, 0, 2*t),
	}
}

func (n *Node) Lock() {
	if n != nil {
		n.mu.Lock()
	}
}

// Unlock releases the exclusive latch and bumps the optimistic version
// counter, invalidating any hint captured before this call.
func (n *Node) Unlock() {
	if n != nil {
		atomic.AddUint64(&n.version, 1)
		n.mu.Unlock()
	}
}

func (n *Node) RLock() {
	if n != nil {
		n.mu.RLock()
	}
}

func (n *Node) RUnlock() {
	if n != nil {
		n.mu.RUnlock()
	}
}

// Version returns the current optimistic version counter. Must be read
// while holding at least a shared latch.
func (n *Node) Version() uint64 {
	return atomic.LoadUint64(&n.version)
}

func (n *Node) IsFull() bool { return n.N == 2*n.T-1 }

// RecordAttempt/RecordConflict feed the contention-split heuristic (§4.3,
// "contention split"): a node whose writes conflict often is a hot spot
// worth splitting even though it isn't full.
func (n *Node) RecordAttempt()  { atomic.AddUint64(&n.contentionAttempts, 1) }
func (n *Node) RecordConflict() { atomic.AddUint64(&n.contentionConflicts, 1) }

// ContentionRatio returns conflicts/attempts observed so far (0 if no
// attempts recorded yet).
func (n *Node) ContentionRatio() float64 {
	attempts := atomic.LoadUint64(&n.contentionAttempts)
	if attempts == 0 {
		return 0
	}
	conflicts := atomic.LoadUint64(&n.contentionConflicts)
	return float64(conflicts) / float64(attempts)
}

// lowerBound returns, in a leaf, the first slot whose key is >= key; in an
// internal node, the child to descend into: the first separator > key,
// since a separator is the first key of its right subtree.
func (n *Node) lowerBound(key []byte) int {
	return sort.Search(n.N, func(i int) bool {
		c := bytes.Compare(n.Keys[i], key)
		return c > 0 || (c == 0 && n.Leaf)
	})
}

// findLeafLowerBound descends to the leaf that would contain key (or the
// insertion point for it), returning the leaf UNLOCKED and the slot index.
// Internal-use only; callers needing concurrency safety use the tree-level
// lock-coupled variant.
func (n *Node) findLeafLowerBound(key []byte) (*Node, int) {
	i := n.lowerBound(key)
	if n.Leaf {
		return n, i
	}
	return n.Children[i].findLeafLowerBound(key)
}

func (n *Node) SplitChild(i int) {
	t := n.T
	y := n.Children[i]
	z := NewNode(t, y.Leaf)

	if y.Leaf {
		mid := t - 1
		z.N = y.N - mid
		z.Keys = append(z.Keys, y.Keys[mid:]...)
		z.Values = append(z.Values, y.Values[mid:]...)

		y.Keys = y.Keys[:mid]
		y.Values = y.Values[:mid]
		y.N = mid

		z.Next = y.Next
		y.Next = z
	} else {
		mid := t - 1
		z.N = t - 1
		z.Keys = append(z.Keys, y.Keys[mid+1:]...)
		z.Children = append(z.Children, y.Children[mid+1:]...)

		upKey := y.Keys[mid]

		y.Keys = y.Keys[:mid]
		y.Children = y.Children[:mid+1]
		y.N = mid

		n.Keys = append(n.Keys, nil)
		copy(n.Keys[i+1:], n.Keys[i:])
		n.Keys[i] = upKey

		n.Children = append(n.Children, nil)
		copy(n.Children[i+2:], n.Children[i+1:])
		n.Children[i+1] = z
		n.N++
		return
	}

	n.Keys = append(n.Keys, nil)
	copy(n.Keys[i+1:], n.Keys[i:])
	n.Keys[i] = z.Keys[0]

	n.Children = append(n.Children, nil)
	copy(n.Children[i+2:], n.Children[i+1:])
	n.Children[i+1] = z
	n.N++
}

func (n *Node) remove(key []byte) bool {
	idx := n.lowerBound(key)

	if n.Leaf {
		if idx < n.N && bytes.Equal(n.Keys[idx], key) {
			n.Keys = append(n.Keys[:idx], n.Keys[idx+1:]...)
			n.Values = append(n.Values[:idx], n.Values[idx+1:]...)
			n.N--
			return true
		}
		return false
	}

	childIdx := idx
	if idx < n.N && bytes.Equal(n.Keys[idx], key) {
		childIdx = idx + 1
	}

	child := n.Children[childIdx]
	if child.N < n.T {
		n.fill(childIdx)
	}

	return n.removeRecursive(key)
}

func (n *Node) removeRecursive(key []byte) bool {
	idx := n.lowerBound(key)

	childIdx := idx
	if idx < n.N && bytes.Equal(n.Keys[idx], key) {
		childIdx = idx + 1
	}
	if childIdx > n.N {
		childIdx = n.N
	}

	ok := n.Children[childIdx].remove(key)
	if ok {
		n.fixSeparators()
	}
	return ok
}

func (n *Node) fixSeparators() {
	if n.Leaf {
		return
	}
	for i := 0; i < n.N; i++ {
		curr := n.Children[i+1]
		for !curr.Leaf {
			curr = curr.Children[0]
		}
		if curr.N > 0 {
			n.Keys[i] = curr.Keys[0]
		}
	}
}

func (n *Node) fill(i int) {
	if i != 0 && n.Children[i-1].N >= n.T {
		n.borrowFromPrev(i)
	} else if i != n.N && n.Children[i+1].N >= n.T {
		n.borrowFromNext(i)
	} else {
		if i != n.N {
			n.merge(i)
		} else {
			n.merge(i - 1)
		}
	}
}

func (n *Node) borrowFromPrev(i int) {
	child := n.Children[i]
	sibling := n.Children[i-1]

	if child.Leaf {
		child.Keys = append([][]byte{nil}, child.Keys...)
		child.Values = append([][]byte{nil}, child.Values...)
		child.Keys[0] = sibling.Keys[sibling.N-1]
		child.Values[0] = sibling.Values[sibling.N-1]
		child.N++

		sibling.Keys = sibling.Keys[:sibling.N-1]
		sibling.Values = sibling.Values[:sibling.N-1]
		sibling.N--

		n.Keys[i-1] = child.Keys[0]
	} else {
		child.Keys = append([][]byte{nil}, child.Keys...)
		child.Children = append([]*Node{nil}, child.Children...)
		child.Keys[0] = n.Keys[i-1]
		child.Children[0] = sibling.Children[sibling.N]
		child.N++

		n.Keys[i-1] = sibling.Keys[sibling.N-1]
		sibling.Keys = sibling.Keys[:sibling.N-1]
		sibling.Children = sibling.Children[:sibling.N]
		sibling.N--
	}
}

func (n *Node) borrowFromNext(i int) {
	child := n.Children[i]
	sibling := n.Children[i+1]

	if child.Leaf {
		child.Keys = append(child.Keys, sibling.Keys[0])
		child.Values = append(child.Values, sibling.Values[0])
		child.N++

		sibling.Keys = append([][]byte{}, sibling.Keys[1:]...)
		sibling.Values = append([][]byte{}, sibling.Values[1:]...)
		sibling.N--

		n.Keys[i] = sibling.Keys[0]
	} else {
		child.Keys = append(child.Keys, n.Keys[i])
		child.Children = append(child.Children, sibling.Children[0])
		child.N++

		n.Keys[i] = sibling.Keys[0]
		sibling.Keys = append([][]byte{}, sibling.Keys[1:]...)
		sibling.Children = append([]*Node{}, sibling.Children[1:]...)
		sibling.N--
	}
}

func (n *Node) merge(i int) {
	child := n.Children[i]
	sibling := n.Children[i+1]

	if child.Leaf {
		child.Keys = append(child.Keys, sibling.Keys...)
		child.Values = append(child.Values, sibling.Values...)
		child.Next = sibling.Next
		child.N = len(child.Keys)
	} else {
		child.Keys = append(child.Keys, n.Keys[i])
		child.Keys = append(child.Keys, sibling.Keys...)
		child.Children = append(child.Children, sibling.Children...)
		child.N = len(child.Keys)
	}

	n.Keys = append(n.Keys[:i], n.Keys[i+1:]...)
	n.Children = append(n.Children[:i+1], n.Children[i+2:]...)
	n.N--
}

// Exported helpers for tests and the iterator package.
func (n *Node) Remove(key []byte) bool                  { return n.remove(key) }
func (n *Node) FindLeafLowerBound(key []byte) (*Node, int) { return n.findLeafLowerBound(key) }

// RemoveSlot physically deletes the key/value at idx from a leaf the
// caller already holds exclusively latched, without re-descending through
// the top-down remove path — the GC dangling-pointer fast path (§4.5(a))
// already has the node pinned and knows the exact slot.
func (n *Node) RemoveSlot(idx int) {
	if !n.Leaf || idx < 0 || idx >= n.N {
		return
	}
	n.Keys = append(n.Keys[:idx], n.Keys[idx+1:]...)
	n.Values = append(n.Values[:idx], n.Values[idx+1:]...)
	n.N--
}
