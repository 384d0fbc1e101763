package mvcc

import "testing"

func TestFatTupleEncodeDecodeRoundTrip(t *testing.T) {
	ft := &FatTuple{
		WorkerID:      3,
		CommitMark:    100,
		NewestPayload: []byte("hello world"),
		Deltas: []FatDelta{
			{WorkerID: 2, CommitMark: 90, Diff: ComputeDiff([]byte("hello there"), []byte("hello world"))},
		},
	}

	decoded, err := DecodeFatTuple(ft.Encode())
	if err != nil {
		t.Fatalf("DecodeFatTuple: %v", err)
	}
	if decoded.WorkerID != ft.WorkerID || decoded.CommitMark != ft.CommitMark {
		t.Fatalf("identity mismatch: got %+v, want %+v", decoded, ft)
	}
	if string(decoded.NewestPayload) != string(ft.NewestPayload) {
		t.Fatalf("payload mismatch: got %q, want %q", decoded.NewestPayload, ft.NewestPayload)
	}
	if len(decoded.Deltas) != 1 {
		t.Fatalf("expected 1 delta, got %d", len(decoded.Deltas))
	}
}

func TestConvertToFatCarriesPrimaryState(t *testing.T) {
	primary := &ChainedTuple{
		WorkerID:   5,
		CommitMark: 42,
		Payload:    []byte("original"),
	}
	ft := ConvertToFat(primary)

	if ft.WorkerID != 5 || ft.CommitMark != 42 {
		t.Fatalf("ConvertToFat lost identity: %+v", ft)
	}
	if string(ft.NewestPayload) != "original" {
		t.Fatalf("ConvertToFat lost payload: %q", ft.NewestPayload)
	}
	if len(ft.Deltas) != 0 {
		t.Fatalf("ConvertToFat should start with zero deltas, got %d", len(ft.Deltas))
	}
}

func TestFatTupleUpdateThenUndoLastUpdateRestoresPriorValue(t *testing.T) {
	ft := ConvertToFat(&ChainedTuple{WorkerID: 1, CommitMark: 10, Payload: []byte("v1")})

	ft.Update(2, 20, []byte("v2"))
	if string(ft.NewestPayload) != "v2" {
		t.Fatalf("expected v2 after Update, got %q", ft.NewestPayload)
	}
	if len(ft.Deltas) != 1 {
		t.Fatalf("expected 1 delta after one Update, got %d", len(ft.Deltas))
	}

	ft.Update(3, 30, []byte("v3"))
	if len(ft.Deltas) != 2 {
		t.Fatalf("expected 2 deltas after two Updates, got %d", len(ft.Deltas))
	}

	if err := ft.UndoLastUpdate(); err != nil {
		t.Fatalf("UndoLastUpdate: %v", err)
	}
	if string(ft.NewestPayload) != "v2" {
		t.Fatalf("expected v2 after undoing last update, got %q", ft.NewestPayload)
	}
	if ft.WorkerID != 2 || ft.CommitMark != 20 {
		t.Fatalf("expected identity restored to worker=2 mark=20, got worker=%d mark=%d", ft.WorkerID, ft.CommitMark)
	}

	if err := ft.UndoLastUpdate(); err != nil {
		t.Fatalf("UndoLastUpdate (second): %v", err)
	}
	if string(ft.NewestPayload) != "v1" {
		t.Fatalf("expected v1 after undoing both updates, got %q", ft.NewestPayload)
	}

	if err := ft.UndoLastUpdate(); err == nil {
		t.Fatal("expected error undoing past the last delta")
	}
}
