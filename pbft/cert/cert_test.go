package cert_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/internal/testutil"
	"github.com/tolelom/tolchain/pbft/cert"
	"github.com/tolelom/tolchain/pbft/message"
	"github.com/tolelom/tolchain/pbft/quorum"
	"github.com/tolelom/tolchain/pbft/view"
)

func fourNodeSetup(t *testing.T) ([]crypto.PublicKey, []crypto.PrivateKey, *testutil.FakeChain) {
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

func TestNewViewAcceptedAfterViewChangeQuorum(t *testing.T) {
	_, privs, chain := fourNodeSetup(t)
	chain.AppendBlock()

	v := view.New(chain, nil)
	q := quorum.New(chain, nil)
	cp := quorum.NewCheckpointAccumulator(chain, nil)
	builder := cert.NewBuilder(chain, q, cp, v)

	for i := 0; i < 3; i++ {
		vc := builder.BuildViewChange(0, privs[i])
		_, _, err := v.Add(vc, 0)
		require.NoError(t, err)
	}

	nv, ok := builder.BuildNewView(1, privs[1])
	require.True(t, ok)

	validator := cert.NewValidator(chain)
	err := validator.Validate(nv, true)
	require.NoError(t, err)
}

func TestNewViewRejectedWithoutLocalReadiness(t *testing.T) {
	_, privs, chain := fourNodeSetup(t)
	chain.AppendBlock()

	v := view.New(chain, nil)
	q := quorum.New(chain, nil)
	cp := quorum.NewCheckpointAccumulator(chain, nil)
	builder := cert.NewBuilder(chain, q, cp, v)

	for i := 0; i < 3; i++ {
		vc := builder.BuildViewChange(0, privs[i])
		_, _, err := v.Add(vc, 0)
		require.NoError(t, err)
	}
	nv, ok := builder.BuildNewView(1, privs[1])
	require.True(t, ok)

	validator := cert.NewValidator(chain)
	err := validator.Validate(nv, false)
	require.Error(t, err)
	var verr *message.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, message.ClauseLocalReadiness, verr.Clause)
}

func TestNewViewRejectedOnTamperedPreparedCert(t *testing.T) {
	_, privs, chain := fourNodeSetup(t)
	chain.AppendBlock()

	v := view.New(chain, nil)
	q := quorum.New(chain, nil)
	cp := quorum.NewCheckpointAccumulator(chain, nil)
	builder := cert.NewBuilder(chain, q, cp, v)

	for i := 0; i < 3; i++ {
		vc := builder.BuildViewChange(0, privs[i])
		_, _, err := v.Add(vc, 0)
		require.NoError(t, err)
	}
	nv, ok := builder.BuildNewView(1, privs[1])
	require.True(t, ok)

	nv.PreparedCert = message.PreparedCertificate{BlockID: message.NewBlockID(99, []byte("forged"))}

	validator := cert.NewValidator(chain)
	err := validator.Validate(nv, true)
	require.Error(t, err)
	var verr *message.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, message.ClausePrimarySignature, verr.Clause)
}
