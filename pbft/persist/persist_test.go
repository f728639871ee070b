package persist

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/tolchain/internal/testutil"
	"github.com/tolelom/tolchain/pbft/message"
	"github.com/tolelom/tolchain/pbft/quorum"
)

func TestLoadPpcmDeletesOnSuccess(t *testing.T) {
	db := testutil.NewMemDB()
	s := New(db)

	snaps := []quorum.PpcmSnapshot{{BlockID: message.NewBlockID(1, []byte("a")), BlockNum: 1, ShouldPrepared: true}}
	require.NoError(t, s.SavePpcm(snaps))

	got, err := s.LoadPpcm()
	require.NoError(t, err)
	require.Equal(t, snaps, got)

	_, getErr := db.Get([]byte(keyPpcm))
	require.Error(t, getErr, "a successful load must delete the on-disk snapshot")

	again, err := s.LoadPpcm()
	require.NoError(t, err)
	require.Nil(t, again, "a second load after deletion finds nothing to resume from")
}

func TestLoadCheckpointsDeletesOnSuccess(t *testing.T) {
	db := testutil.NewMemDB()
	s := New(db)

	snaps := []quorum.CheckpointSnapshot{{BlockID: message.NewBlockID(1, []byte("a")), BlockNum: 1, Stable: true}}
	require.NoError(t, s.SaveCheckpoints(snaps))

	got, err := s.LoadCheckpoints()
	require.NoError(t, err)
	require.Equal(t, snaps, got)

	_, getErr := db.Get([]byte(keyCheckpoints))
	require.Error(t, getErr, "a successful load must delete the on-disk snapshot")
}

func TestLoadViewDeletesOnSuccess(t *testing.T) {
	db := testutil.NewMemDB()
	s := New(db)

	require.NoError(t, s.SaveView(7))

	got, err := s.LoadView()
	require.NoError(t, err)
	require.EqualValues(t, 7, got)

	_, getErr := db.Get([]byte(keyView))
	require.Error(t, getErr, "a successful load must delete the on-disk view record")

	again, err := s.LoadView()
	require.NoError(t, err)
	require.Zero(t, again, "a crash-restart cycle with no prior view resumes at view 0")
}

func TestLoadMissingKeysAreNotErrors(t *testing.T) {
	db := testutil.NewMemDB()
	s := New(db)

	ppcm, err := s.LoadPpcm()
	require.NoError(t, err)
	require.Nil(t, ppcm)

	cps, err := s.LoadCheckpoints()
	require.NoError(t, err)
	require.Nil(t, cps)

	view, err := s.LoadView()
	require.NoError(t, err)
	require.Zero(t, view)
}
