package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	vtreeerrors "github.com/vtreedb/vtree/pkg/errors"
	"github.com/vtreedb/vtree/pkg/metrics"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("orders", Options{
		Dir:     t.TempDir(),
		Metrics: metrics.New("vtree_engine_test"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreInsertLookupUpdateRemove(t *testing.T) {
	s := openTestStore(t)

	w := s.Begin()
	result, err := s.Insert([]byte("k1"), []byte("v1"), w)
	require.NoError(t, err)
	require.Equal(t, vtreeerrors.OK, result)
	require.NoError(t, s.Commit(w))

	reader := s.Begin()
	value, result, err := s.Lookup([]byte("k1"), reader)
	require.NoError(t, err)
	require.Equal(t, vtreeerrors.OK, result)
	require.Equal(t, []byte("v1"), value)
	s.Abort(reader)

	w = s.Begin()
	result, err = s.Update([]byte("k1"), func(old []byte) []byte { return []byte("v2") }, w)
	require.NoError(t, err)
	require.Equal(t, vtreeerrors.OK, result)
	require.NoError(t, s.Commit(w))

	reader = s.Begin()
	value, _, err = s.Lookup([]byte("k1"), reader)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), value)
	s.Abort(reader)

	w = s.Begin()
	result, err = s.Remove([]byte("k1"), w)
	require.NoError(t, err)
	require.Equal(t, vtreeerrors.OK, result)
	require.NoError(t, s.Commit(w))

	reader = s.Begin()
	_, result, err = s.Lookup([]byte("k1"), reader)
	require.NoError(t, err)
	require.Equal(t, vtreeerrors.NotFound, result)
	s.Abort(reader)
}

func TestStoreInsertDuplicateFails(t *testing.T) {
	s := openTestStore(t)

	w := s.Begin()
	_, err := s.Insert([]byte("dup"), []byte("first"), w)
	require.NoError(t, err)
	require.NoError(t, s.Commit(w))

	w = s.Begin()
	result, err := s.Insert([]byte("dup"), []byte("second"), w)
	var corruption *vtreeerrors.ChainCorruptionError
	require.ErrorAs(t, err, &corruption)
	require.Equal(t, vtreeerrors.Other, result)
	s.Abort(w)
}

func TestStoreScanOrdersAscendingAndSkipsTombstones(t *testing.T) {
	s := openTestStore(t)

	w := s.Begin()
	for _, k := range []string{"c", "a", "b"} {
		_, err := s.Insert([]byte(k), []byte(k), w)
		require.NoError(t, err)
	}
	require.NoError(t, s.Commit(w))

	w = s.Begin()
	_, err := s.Remove([]byte("b"), w)
	require.NoError(t, err)
	require.NoError(t, s.Commit(w))

	reader := s.Begin()
	var got []string
	err = s.Scan(nil, reader, func(userKey, value []byte) bool {
		got = append(got, string(userKey))
		return true
	})
	require.NoError(t, err)
	s.Abort(reader)

	require.Equal(t, []string{"a", "c"}, got)
}

func TestStoreAbortDoesNotDispatchTODOs(t *testing.T) {
	s := openTestStore(t)

	w := s.Begin()
	_, err := s.Insert([]byte("k"), []byte("v"), w)
	require.NoError(t, err)
	require.NoError(t, s.Commit(w))

	w = s.Begin()
	_, err = s.Update([]byte("k"), func(old []byte) []byte { return []byte("v2") }, w)
	require.NoError(t, err)
	s.Abort(w)

	reader := s.Begin()
	value, result, err := s.Lookup([]byte("k"), reader)
	require.NoError(t, err)
	require.Equal(t, vtreeerrors.OK, result)
	require.Equal(t, []byte("v"), value)
	s.Abort(reader)
}

func TestStoreRunGCKeepsLatestCommittedValue(t *testing.T) {
	s := openTestStore(t)

	w := s.Begin()
	_, err := s.Insert([]byte("k"), []byte("v1"), w)
	require.NoError(t, err)
	require.NoError(t, s.Commit(w))

	for i := 0; i < 3; i++ {
		w = s.Begin()
		_, err = s.Update([]byte("k"), func(old []byte) []byte { return []byte("v-next") }, w)
		require.NoError(t, err)
		require.NoError(t, s.Commit(w))
	}

	reclaimed := s.RunGC()
	require.GreaterOrEqual(t, reclaimed, 0)

	reader := s.Begin()
	value, result, err := s.Lookup([]byte("k"), reader)
	require.NoError(t, err)
	require.Equal(t, vtreeerrors.OK, result)
	require.Equal(t, []byte("v-next"), value)
	s.Abort(reader)
}
