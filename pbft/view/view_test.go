package view_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/internal/testutil"
	"github.com/tolelom/tolchain/pbft/message"
	"github.com/tolelom/tolchain/pbft/view"
)

func schedule4(t *testing.T) ([]crypto.PublicKey, []crypto.PrivateKey) {
	t.Helper()
	var pubs []crypto.PublicKey
	var privs []crypto.PrivateKey
	for i := byte(1); i <= 4; i++ {
		priv, pub := testutil.DeterministicKeypair(i)
		pubs = append(pubs, pub)
		privs = append(privs, priv)
	}
	return pubs, privs
}

func signViewChange(priv crypto.PrivateKey, currentView uint64) message.ViewChange {
	vc := message.ViewChange{CurrentView: currentView, Timestamp: 1}
	vc.Sign(priv)
	return vc
}

func TestWakeUpThresholdIsFPlusOne(t *testing.T) {
	schedule, privs := schedule4(t)
	chain := testutil.NewFakeChain(schedule)
	chain.AppendBlock()

	v := view.New(chain, nil)
	// N=4 → f+1 = 2.
	wokeUp, ready, err := v.Add(signViewChange(privs[0], 0), 0)
	require.NoError(t, err)
	require.False(t, wokeUp)
	require.False(t, ready)

	wokeUp, ready, err = v.Add(signViewChange(privs[1], 0), 0)
	require.NoError(t, err)
	require.True(t, wokeUp, "second distinct signer should cross the wake-up threshold")
	require.False(t, ready, "wake-up threshold is below new-view quorum")
}

func TestNewViewQuorumIsTwoThirdsPlusOne(t *testing.T) {
	schedule, privs := schedule4(t)
	chain := testutil.NewFakeChain(schedule)
	chain.AppendBlock()

	v := view.New(chain, nil)
	var ready bool
	for i := 0; i < 3; i++ {
		_, r, err := v.Add(signViewChange(privs[i], 0), 0)
		require.NoError(t, err)
		ready = r
	}
	require.True(t, ready, "3 of 4 signers should reach new-view quorum")

	target, ok := v.ShouldNewView()
	require.True(t, ok)
	require.EqualValues(t, 1, target)
}

func TestStaleViewChangeRejected(t *testing.T) {
	schedule, privs := schedule4(t)
	chain := testutil.NewFakeChain(schedule)
	chain.AppendBlock()

	v := view.New(chain, nil)
	_, _, err := v.Add(signViewChange(privs[0], 4), 5)
	require.ErrorIs(t, err, message.ErrStale)
}

func TestViewChangedCertificateCarriesAllSigners(t *testing.T) {
	schedule, privs := schedule4(t)
	chain := testutil.NewFakeChain(schedule)
	chain.AppendBlock()

	v := view.New(chain, nil)
	for i := 0; i < 3; i++ {
		_, _, err := v.Add(signViewChange(privs[i], 0), 0)
		require.NoError(t, err)
	}
	cert, ok := v.ViewChangedCertificateFor(1)
	require.True(t, ok)
	require.Len(t, cert.ViewChanges, 3)
}
