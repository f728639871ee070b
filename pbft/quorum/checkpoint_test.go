package quorum_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/internal/testutil"
	"github.com/tolelom/tolchain/pbft/message"
	"github.com/tolelom/tolchain/pbft/quorum"
)

func signCheckpoint(priv crypto.PrivateKey, id message.BlockID, num int64) message.Checkpoint {
	cp := message.Checkpoint{BlockID: id, BlockNum: num, Timestamp:1}
	cp.Sign(priv)
	return cp
}

func TestCheckpointStableAtQuorum(t *testing.T) {
	schedule, privs := fourNodeSchedule()
	chain := testutil.NewFakeChain(schedule)
	id := chain.AppendBlock()

	a := quorum.NewCheckpointAccumulator(chain, nil)
	for i := 0; i < 2; i++ {
		require.NoError(t, a.AddCheckpoint(signCheckpoint(privs[i], id, 1)))
		_, _, ok := a.Best()
		require.False(t, ok, "should not be stable before quorum")
	}
	require.NoError(t, a.AddCheckpoint(signCheckpoint(privs[2], id, 1)))

	gotID, gotNum, ok := a.Best()
	require.True(t, ok)
	require.Equal(t, id, gotID)
	require.EqualValues(t, 1, gotNum)
}

func TestCheckpointBelowLSCBRejected(t *testing.T) {
	schedule, privs := fourNodeSchedule()
	chain := testutil.NewFakeChain(schedule)
	var id message.BlockID
	for i := 0; i < 3; i++ {
		id = chain.AppendBlock()
	}
	scp := message.StableCheckpoint{BlockID: id, Checkpoints: []message.Checkpoint{{BlockID: id, BlockNum: 3}}}
	require.NoError(t, chain.AppendStableCheckpointExtension(id, scp))

	a := quorum.NewCheckpointAccumulator(chain, nil)
	err := a.AddCheckpoint(signCheckpoint(privs[0], id, 3))
	require.ErrorIs(t, err, message.ErrStale)
}

func TestCheckpointPruneKeepsBest(t *testing.T) {
	schedule, privs := fourNodeSchedule()
	chain := testutil.NewFakeChain(schedule)
	id := chain.AppendBlock()

	a := quorum.NewCheckpointAccumulator(chain, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, a.AddCheckpoint(signCheckpoint(privs[i], id, 1)))
	}
	a.Prune(5)
	_, _, ok := a.Best()
	require.True(t, ok, "prune must never evict the current best stable checkpoint")
}
