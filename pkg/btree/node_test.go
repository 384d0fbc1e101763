package btree

import (
	"bytes"
	"testing"
)

func newNodeWithData(t int, leaf bool, keys []string, values []string, children []*Node) *Node {
	n := NewNode(t, leaf)
	for _, k := range keys {
		n.Keys = append(n.Keys, []byte(k))
	}
	for _, v := range values {
		n.Values = append(n.Values, []byte(v))
	}
	n.Children = append(n.Children, children...)
	n.N = len(n.Keys)
	return n
}

func TestSplitChild_Leaf(t *testing.T) {
	tVal := 3
	childLeft := newNodeWithData(tVal, true,
		[]string{"10", "20", "30", "40", "50"},
		[]string{"a", "b", "c", "d", "e"},
		nil,
	)
	oldNext := NewNode(tVal, true)
	childLeft.Next = oldNext

	parent := NewNode(tVal, false)
	parent.Children = append(parent.Children, childLeft)

	parent.SplitChild(0)

	if len(parent.Keys) != 1 || !bytes.Equal(parent.Keys[0], []byte("30")) {
		t.Fatalf("parent keys = %v, want [30]", parent.Keys)
	}
	if len(parent.Children) != 2 {
		t.Fatalf("parent children len = %d, want 2", len(parent.Children))
	}

	left, right := parent.Children[0], parent.Children[1]
	if !left.Leaf || !right.Leaf {
		t.Fatalf("expected both children to be leaves")
	}
	if left.N != 2 || right.N != 3 {
		t.Fatalf("left.N=%d right.N=%d, want 2/3", left.N, right.N)
	}
	if left.Next != right {
		t.Fatalf("left.Next should point to right child")
	}
	if right.Next != oldNext {
		t.Fatalf("right.Next should inherit original Next")
	}
}

func TestTree_UpsertGetRemove(t *testing.T) {
	tree := NewTree(3)

	for i := 0; i < 50; i++ {
		k := []byte{byte(i)}
		v := []byte{byte(i), byte(i)}
		err := tree.Upsert(k, func(node *Node, idx int, exists bool) ([]byte, error) {
			if exists {
				t.Fatalf("key %d should not already exist", i)
			}
			return v, nil
		})
		if err != nil {
			t.Fatalf("upsert(%d): %v", i, err)
		}
	}

	for i := 0; i < 50; i++ {
		got, ok := tree.Get([]byte{byte(i)})
		if !ok {
			t.Fatalf("key %d missing after insert", i)
		}
		want := []byte{byte(i), byte(i)}
		if !bytes.Equal(got, want) {
			t.Fatalf("key %d = %v, want %v", i, got, want)
		}
	}

	// Update in place via Upsert.
	err := tree.Upsert([]byte{5}, func(node *Node, idx int, exists bool) ([]byte, error) {
		if !exists {
			t.Fatalf("key 5 should exist")
		}
		return []byte("updated"), nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := tree.Get([]byte{5})
	if !bytes.Equal(got, []byte("updated")) {
		t.Fatalf("key 5 = %v, want updated", got)
	}

	if !tree.Remove([]byte{5}) {
		t.Fatalf("remove(5) should report true")
	}
	if _, ok := tree.Get([]byte{5}); ok {
		t.Fatalf("key 5 should be gone after Remove")
	}
	if tree.Remove([]byte{5}) {
		t.Fatalf("second remove(5) should report false")
	}
}

func TestTree_SeekRangeAsc(t *testing.T) {
	tree := NewTree(2)
	for i := 0; i < 20; i++ {
		k := []byte{byte(i)}
		tree.Upsert(k, func(node *Node, idx int, exists bool) ([]byte, error) {
			return []byte{byte(i)}, nil
		})
	}

	var seen []byte
	tree.SeekRangeAsc([]byte{5}, func(key, value []byte) bool {
		seen = append(seen, key[0])
		return key[0] < 10
	})

	want := []byte{5, 6, 7, 8, 9, 10}
	if !bytes.Equal(seen, want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
}

func TestTree_HintFastPath(t *testing.T) {
	tree := NewTree(3)
	tree.Upsert([]byte("k"), func(node *Node, idx int, exists bool) ([]byte, error) {
		return []byte("v1"), nil
	})

	leaf, idx := tree.FindLeafLowerBound([]byte("k"))
	leaf.RLock()
	hint := CaptureHint(leaf, idx)
	leaf.RUnlock()

	ok, err := tree.TryWithHint(hint, []byte("k"), func(node *Node, idx int) error {
		node.Values[idx] = []byte("v2")
		return nil
	})
	if err != nil || !ok {
		t.Fatalf("TryWithHint failed: ok=%v err=%v", ok, err)
	}

	got, _ := tree.Get([]byte("k"))
	if !bytes.Equal(got, []byte("v2")) {
		t.Fatalf("got %v, want v2", got)
	}

	// The successful TryWithHint call above already bumped the node's
	// version on its own Unlock, so the same hint is now stale.
	ok, _ = tree.TryWithHint(hint, []byte("k"), func(node *Node, idx int) error {
		t.Fatalf("stale hint should not run fn")
		return nil
	})
	if ok {
		t.Fatalf("stale hint should report false")
	}
}
