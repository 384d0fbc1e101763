package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	vtreeerrors "github.com/vtreedb/vtree/pkg/errors"
)

func TestCheckpointRoundTripsThroughLoadLatest(t *testing.T) {
	dir := t.TempDir()
	s, err := Open("ckpt", Options{Dir: dir})
	require.NoError(t, err)

	w := s.Begin()
	for _, k := range []string{"a", "b", "c"} {
		_, err := s.Insert([]byte(k), []byte(k+"-v1"), w)
		require.NoError(t, err)
	}
	require.NoError(t, s.Commit(w))

	require.NoError(t, s.Checkpoint())
	require.NoError(t, s.Close())

	reopened, err := Open("ckpt", Options{Dir: dir})
	require.NoError(t, err)
	defer reopened.Close()

	reader := reopened.Begin()
	for _, k := range []string{"a", "b", "c"} {
		value, result, err := reopened.Lookup([]byte(k), reader)
		require.NoError(t, err)
		require.Equal(t, vtreeerrors.OK, result)
		require.Equal(t, []byte(k+"-v1"), value)
	}
	reopened.Abort(reader)
}

func TestCheckpointLoadLatestWithNoCheckpointIsErrNoCheckpoint(t *testing.T) {
	cm := NewCheckpointManager(t.TempDir())
	_, _, err := cm.LoadLatest("nonexistent")
	require.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestRecoverReplaysWALTailAfterCheckpoint(t *testing.T) {
	dir := t.TempDir()
	s, err := Open("recov", Options{Dir: dir})
	require.NoError(t, err)

	w := s.Begin()
	_, err = s.Insert([]byte("before"), []byte("v1"), w)
	require.NoError(t, err)
	require.NoError(t, s.Commit(w))

	require.NoError(t, s.Checkpoint())

	w = s.Begin()
	_, err = s.Insert([]byte("after"), []byte("v1"), w)
	require.NoError(t, err)
	require.NoError(t, s.Commit(w))
	require.NoError(t, s.Close())

	reopened, err := Open("recov", Options{Dir: dir})
	require.NoError(t, err)
	defer reopened.Close()

	reader := reopened.Begin()
	_, result, err := reopened.Lookup([]byte("before"), reader)
	require.NoError(t, err)
	require.Equal(t, vtreeerrors.OK, result)

	_, result, err = reopened.Lookup([]byte("after"), reader)
	require.NoError(t, err)
	require.Equal(t, vtreeerrors.OK, result)
	reopened.Abort(reader)
}
