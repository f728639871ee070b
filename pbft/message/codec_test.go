package message

import (
	"testing"

	"github.com/tolelom/tolchain/crypto"
)

func TestPrepareSignVerify(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	p := Prepare{View: 3, BlockID: NewBlockID(10, []byte("b10")), BlockNum: 10, Timestamp: 1000}
	p.Sign(priv)
	if err := p.Verify(); err != nil {
		t.Errorf("valid prepare failed to verify: %v", err)
	}

	tampered := p
	tampered.BlockNum = 11
	if err := tampered.Verify(); err == nil {
		t.Error("tampered prepare should fail verification")
	}
}

func TestDigestExcludesSignature(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	p := Prepare{View: 1, BlockID: NewBlockID(5, []byte("b5")), BlockNum: 5, Timestamp: 42}
	p.PublicKey = priv.Public()
	d1 := Digest(p)
	p.Signature = "irrelevant"
	d2 := Digest(p)
	if d1 != d2 {
		t.Error("digest must not depend on Signature field")
	}
}

func TestBlockIDHexRoundTrip(t *testing.T) {
	id := NewBlockID(42, []byte("payload"))
	decoded, err := BlockIDFromHex(id.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if decoded != id {
		t.Error("BlockID did not round-trip through hex")
	}
	if NumFromID(id) != 42 {
		t.Errorf("NumFromID: got %d want 42", NumFromID(id))
	}
}

func TestLessOrdersByBlockNumThenID(t *testing.T) {
	a := NewBlockID(1, []byte("a"))
	b := NewBlockID(2, []byte("a"))
	if !Less(1, a, 2, b) {
		t.Error("lower block num should sort first")
	}
	if Less(2, b, 1, a) {
		t.Error("higher block num should not sort first")
	}
}

func TestCertificateDigestChangesWithEvidence(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	id := NewBlockID(7, []byte("b7"))
	p1 := Prepare{View: 0, BlockID: id, BlockNum: 7, Timestamp: 1}
	p1.Sign(priv)

	cert1 := PreparedCertificate{BlockID: id, Prepares: []Prepare{p1}}
	cert2 := PreparedCertificate{BlockID: id}
	if Digest(cert1) == Digest(cert2) {
		t.Error("certificates with different evidence must not share a digest")
	}
}
