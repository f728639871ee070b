package quorum_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/internal/testutil"
	"github.com/tolelom/tolchain/pbft/message"
	"github.com/tolelom/tolchain/pbft/quorum"
)

func fourNodeSchedule() ([]crypto.PublicKey, []crypto.PrivateKey) {
	var pubs []crypto.PublicKey
	var privs []crypto.PrivateKey
	for i := byte(1); i <= 4; i++ {
		priv, pub := testutil.DeterministicKeypair(i)
		pubs = append(pubs, pub)
		privs = append(privs, priv)
	}
	return pubs, privs
}

func signPrepare(priv crypto.PrivateKey, view uint64, id message.BlockID, num int64) message.Prepare {
	p := message.Prepare{View: view, BlockID: id, BlockNum: num, Timestamp: 1}
	p.Sign(priv)
	return p
}

func TestQuorumReachedWithinSingleView(t *testing.T) {
	schedule, privs := fourNodeSchedule()
	chain := testutil.NewFakeChain(schedule)
	id := chain.AppendBlock()

	q := quorum.New(chain, nil)
	for i := 0; i < 3; i++ {
		err := q.AddPrepare(signPrepare(privs[i], 1, id, 1))
		require.NoError(t, err)
	}

	gotID, gotNum, ok := q.ShouldPrepared(0, false)
	require.True(t, ok)
	require.Equal(t, id, gotID)
	require.EqualValues(t, 1, gotNum)
}

func TestVotesFromDifferentViewsDoNotCombine(t *testing.T) {
	schedule, privs := fourNodeSchedule()
	chain := testutil.NewFakeChain(schedule)
	id := chain.AppendBlock()

	q := quorum.New(chain, nil)
	require.NoError(t, q.AddPrepare(signPrepare(privs[0], 1, id, 1)))
	require.NoError(t, q.AddPrepare(signPrepare(privs[1], 1, id, 1)))
	// Third vote is in a different view — must not combine with the two above.
	require.NoError(t, q.AddPrepare(signPrepare(privs[2], 2, id, 1)))

	_, _, ok := q.ShouldPrepared(0, false)
	require.False(t, ok, "quorum must not form across distinct views")
}

func TestPrepareBelowStableCheckpointIsStale(t *testing.T) {
	schedule, privs := fourNodeSchedule()
	chain := testutil.NewFakeChain(schedule)
	var id message.BlockID
	for i := 0; i < 5; i++ {
		id = chain.AppendBlock()
	}
	// Advance LSCB past this block by forcing a stable checkpoint there.
	scp := message.StableCheckpoint{BlockID: id, Checkpoints: []message.Checkpoint{{BlockID: id, BlockNum: 5}}}
	require.NoError(t, chain.AppendStableCheckpointExtension(id, scp))

	q := quorum.New(chain, nil)
	err := q.AddPrepare(signPrepare(privs[0], 1, id, 5))
	require.ErrorIs(t, err, message.ErrStale)
}

func TestPrepareFromOutOfScheduleSignerRejected(t *testing.T) {
	schedule, _ := fourNodeSchedule()
	chain := testutil.NewFakeChain(schedule)
	id := chain.AppendBlock()

	outsider, _ := testutil.DeterministicKeypair(99)
	q := quorum.New(chain, nil)
	err := q.AddPrepare(signPrepare(outsider, 1, id, 1))
	require.ErrorIs(t, err, message.ErrOutOfSchedule)
}

func TestPrepareVotePropagatesToAncestors(t *testing.T) {
	schedule, privs := fourNodeSchedule()
	chain := testutil.NewFakeChain(schedule)
	var ids []message.BlockID
	for i := 0; i < 3; i++ {
		ids = append(ids, chain.AppendBlock())
	}
	head := ids[len(ids)-1]

	q := quorum.New(chain, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.AddPrepare(signPrepare(privs[i], 1, head, 3)))
	}

	// Every ancestor between LIB (0) and head should also have settled.
	for _, id := range ids {
		_, ok := q.PreparedCertificateFor(id)
		require.True(t, ok, "ancestor %x should have been marked prepared", id)
	}
}

func TestPreparedCertificateContainsOnlyWinningView(t *testing.T) {
	schedule, privs := fourNodeSchedule()
	chain := testutil.NewFakeChain(schedule)
	id := chain.AppendBlock()

	q := quorum.New(chain, nil)
	require.NoError(t, q.AddPrepare(signPrepare(privs[0], 5, id, 1)))
	require.NoError(t, q.AddPrepare(signPrepare(privs[1], 5, id, 1)))
	require.NoError(t, q.AddPrepare(signPrepare(privs[2], 5, id, 1)))

	cert, ok := q.PreparedCertificateFor(id)
	require.True(t, ok)
	require.Len(t, cert.Prepares, 3)
	for _, p := range cert.Prepares {
		require.EqualValues(t, 5, p.View)
	}
}

func TestPruneDropsSettledHistoryBelowThreshold(t *testing.T) {
	schedule, privs := fourNodeSchedule()
	chain := testutil.NewFakeChain(schedule)
	id := chain.AppendBlock()

	q := quorum.New(chain, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.AddPrepare(signPrepare(privs[i], 1, id, 1)))
	}
	require.Equal(t, 1, q.Len())
	q.Prune(1)
	require.Equal(t, 0, q.Len())
}
