package replica

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/internal/testutil"
	"github.com/tolelom/tolchain/pbft/message"
	"github.com/tolelom/tolchain/pbft/persist"
)

type fakeBroadcaster struct {
	prepares    []message.Prepare
	commits     []message.Commit
	viewChanges []message.ViewChange
	newViews    []message.NewView
	checkpoints []message.Checkpoint
}

func (f *fakeBroadcaster) BroadcastPrepare(p message.Prepare)       { f.prepares = append(f.prepares, p) }
func (f *fakeBroadcaster) BroadcastCommit(c message.Commit)         { f.commits = append(f.commits, c) }
func (f *fakeBroadcaster) BroadcastViewChange(vc message.ViewChange) {
	f.viewChanges = append(f.viewChanges, vc)
}
func (f *fakeBroadcaster) BroadcastNewView(nv message.NewView) { f.newViews = append(f.newViews, nv) }
func (f *fakeBroadcaster) BroadcastCheckpoint(cp message.Checkpoint) {
	f.checkpoints = append(f.checkpoints, cp)
}

func fourReplicaSetup(t *testing.T) ([]crypto.PublicKey, []crypto.PrivateKey, *testutil.FakeChain) {
	t.Helper()
	var pubs []crypto.PublicKey
	var privs []crypto.PrivateKey
	for i := byte(1); i <= 4; i++ {
		priv, pub := testutil.DeterministicKeypair(i)
		pubs = append(pubs, pub)
		privs = append(privs, priv)
	}
	return pubs, privs, testutil.NewFakeChain(pubs)
}

func newTestReplica(t *testing.T, chain *testutil.FakeChain, priv crypto.PrivateKey) (*Replica, *fakeBroadcaster) {
	t.Helper()
	store := persist.New(testutil.NewMemDB())
	bc := &fakeBroadcaster{}
	r, err := New(chain, bc, store, priv, Config{ViewChangeTimeout: time.Second, CheckpointInterval: 10, BPCandidate: true}, nil)
	require.NoError(t, err)
	return r, bc
}

func TestReplicaSendsPrepareOnBlockProduced(t *testing.T) {
	_, privs, chain := fourReplicaSetup(t)
	id := chain.AppendBlock()

	r, bc := newTestReplica(t, chain, privs[0])
	r.handle(BlockProduced{BlockID: id, BlockNum: 1})

	require.Len(t, bc.prepares, 1)
	require.Equal(t, id, bc.prepares[0].BlockID)
	_, isPrepared := r.State().(PreparedState)
	require.True(t, isPrepared, "a single prepare out of four should not flip the state")
}

func TestReplicaMovesToCommittedAtPrepareQuorum(t *testing.T) {
	_, privs, chain := fourReplicaSetup(t)
	id := chain.AppendBlock()

	r, bc := newTestReplica(t, chain, privs[0])
	r.handle(BlockProduced{BlockID: id, BlockNum: 1}) // our own prepare, signer 0

	for i := 1; i < 3; i++ {
		p := message.Prepare{View: 0, BlockID: id, BlockNum: 1, Timestamp: 1}
		p.Sign(privs[i])
		r.handle(PrepareReceived{Prepare: p})
	}

	_, isCommitted := r.State().(CommittedState)
	require.True(t, isCommitted, "3-of-4 prepares should reach quorum and trigger a commit")
	require.Len(t, bc.commits, 1)
	require.Equal(t, id, bc.commits[0].BlockID)
}

func TestReplicaStartsViewChangeOnWakeUp(t *testing.T) {
	_, privs, chain := fourReplicaSetup(t)
	chain.AppendBlock()

	r, bc := newTestReplica(t, chain, privs[0])

	for i := 1; i < 3; i++ {
		vc := message.ViewChange{CurrentView: 0, Timestamp: 1}
		vc.Sign(privs[i])
		r.handle(ViewChangeReceived{ViewChange: vc})
	}

	changing, ok := r.State().(ViewChangingState)
	require.True(t, ok, "f+1 view-change requests should wake this replica up")
	require.EqualValues(t, 1, changing.TargetView)
	require.Len(t, bc.viewChanges, 1, "replica should broadcast its own view change exactly once")
}

func TestReplicaAdoptsValidNewView(t *testing.T) {
	pubs, privs, chain := fourReplicaSetup(t)
	id := chain.AppendBlock()

	r, _ := newTestReplica(t, chain, privs[0])

	for i := 1; i < 3; i++ {
		vc := message.ViewChange{CurrentView: 0, Timestamp: 1}
		vc.Sign(privs[i])
		r.handle(ViewChangeReceived{ViewChange: vc})
	}
	_, ok := r.State().(ViewChangingState)
	require.True(t, ok)

	// Build a NewView the way the view-1 primary would, from the same
	// evidence this replica is tracking.
	nv, ok := r.builder.BuildNewView(1, privs[1])
	require.True(t, ok)
	require.Equal(t, pubs[1].Hex(), nv.PublicKey.Hex())

	r.handle(NewViewReceived{NewView: nv})

	require.EqualValues(t, 1, r.CurrentView())
	_, isPrepared := r.State().(PreparedState)
	require.True(t, isPrepared, "accepting a new view resumes normal operation")
	_ = id
}

func TestReplicaPersistsAndResumesView(t *testing.T) {
	_, privs, chain := fourReplicaSetup(t)
	chain.AppendBlock()

	store := persist.New(testutil.NewMemDB())
	bc := &fakeBroadcaster{}
	r1, err := New(chain, bc, store, privs[0], Config{BPCandidate: true}, nil)
	require.NoError(t, err)

	for i := 1; i < 3; i++ {
		vc := message.ViewChange{CurrentView: 0, Timestamp: 1}
		vc.Sign(privs[i])
		r1.handle(ViewChangeReceived{ViewChange: vc})
	}
	nv, ok := r1.builder.BuildNewView(1, privs[1])
	require.True(t, ok)
	r1.handle(NewViewReceived{NewView: nv})
	require.EqualValues(t, 1, r1.CurrentView())

	r2, err := New(chain, bc, store, privs[0], Config{BPCandidate: true}, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, r2.CurrentView(), "a fresh replica over the same store should resume at the persisted view")
}
