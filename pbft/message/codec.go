package message

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/tolelom/tolchain/crypto"
)

// canonicalWriter builds the deterministic, domain-separated byte sequence
// that message digests and persistence records are computed over. Integers
// are little-endian fixed-width; variable-length data is uvarint(len)
// followed by the raw bytes, so two messages with different field values
// never serialize to the same bytes by accident of concatenation.
type canonicalWriter struct {
	buf bytes.Buffer
}

func (w *canonicalWriter) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *canonicalWriter) i64(v int64) { w.u64(uint64(v)) }

func (w *canonicalWriter) bytesField(b []byte) {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(b)))
	w.buf.Write(lenBuf[:n])
	w.buf.Write(b)
}

func (w *canonicalWriter) stringField(s string) { w.bytesField([]byte(s)) }

func (w *canonicalWriter) blockID(id BlockID) { w.buf.Write(id[:]) }

func (w *canonicalWriter) publicKey(pub crypto.PublicKey) { w.bytesField(pub) }

// Bytes returns the accumulated canonical serialization.
func (w *canonicalWriter) Bytes() []byte { return w.buf.Bytes() }

func (p Prepare) appendCanonical(w *canonicalWriter) {
	w.u64(p.View)
	w.blockID(p.BlockID)
	w.i64(p.BlockNum)
	w.i64(p.Timestamp)
	w.publicKey(p.PublicKey)
}

func (c Commit) appendCanonical(w *canonicalWriter) {
	w.u64(c.View)
	w.blockID(c.BlockID)
	w.i64(c.BlockNum)
	w.i64(c.Timestamp)
	w.publicKey(c.PublicKey)
}

func (c Checkpoint) appendCanonical(w *canonicalWriter) {
	w.blockID(c.BlockID)
	w.i64(c.BlockNum)
	w.i64(c.Timestamp)
	w.publicKey(c.PublicKey)
}

func (c PreparedCertificate) appendCanonical(w *canonicalWriter) {
	w.blockID(c.BlockID)
	w.u64(uint64(len(c.Prepares)))
	for _, p := range c.Prepares {
		p.appendCanonical(w)
		w.stringField(p.Signature)
	}
}

func (c CommittedCertificate) appendCanonical(w *canonicalWriter) {
	w.blockID(c.BlockID)
	w.u64(uint64(len(c.Commits)))
	for _, cm := range c.Commits {
		cm.appendCanonical(w)
		w.stringField(cm.Signature)
	}
}

func (s StableCheckpoint) appendCanonical(w *canonicalWriter) {
	w.blockID(s.BlockID)
	w.u64(uint64(len(s.Checkpoints)))
	for _, cp := range s.Checkpoints {
		cp.appendCanonical(w)
		w.stringField(cp.Signature)
	}
}

func (vc ViewChange) appendCanonical(w *canonicalWriter) {
	w.u64(vc.CurrentView)
	vc.PreparedCert.appendCanonical(w)
	w.u64(uint64(len(vc.CommittedCerts)))
	for _, fork := range vc.CommittedCerts {
		w.u64(uint64(len(fork)))
		for _, cc := range fork {
			cc.appendCanonical(w)
		}
	}
	vc.StableCheckpoint.appendCanonical(w)
	w.i64(vc.Timestamp)
	w.publicKey(vc.PublicKey)
}

func (c ViewChangedCertificate) appendCanonical(w *canonicalWriter) {
	w.u64(c.View)
	w.u64(uint64(len(c.ViewChanges)))
	for _, vc := range c.ViewChanges {
		vc.appendCanonical(w)
		w.stringField(vc.Signature)
	}
}

func (nv NewView) appendCanonical(w *canonicalWriter) {
	w.u64(nv.View)
	nv.PreparedCert.appendCanonical(w)
	w.u64(uint64(len(nv.CommittedCerts)))
	for _, fork := range nv.CommittedCerts {
		w.u64(uint64(len(fork)))
		for _, cc := range fork {
			cc.appendCanonical(w)
		}
	}
	nv.StableCheckpoint.appendCanonical(w)
	nv.ViewChangedCert.appendCanonical(w)
	w.i64(nv.Timestamp)
	w.publicKey(nv.PublicKey)
}

// canonical is implemented by every message kind that can be digested,
// signed, and verified.
type canonical interface {
	appendCanonical(w *canonicalWriter)
}

// Digest returns the hex-encoded SHA-256 digest of m's canonical
// serialization (every field except Signature).
func Digest(m canonical) string {
	w := &canonicalWriter{}
	m.appendCanonical(w)
	return crypto.Hash(w.Bytes())
}

// Sign computes m's digest and signs it with priv, returning the
// hex-encoded signature. Callers set PublicKey before calling Sign since
// the public key is itself part of the signed digest.
func Sign(priv crypto.PrivateKey, m canonical) string {
	digest := Digest(m)
	return crypto.Sign(priv, []byte(digest))
}

// Verify recomputes m's digest and checks sig against pub.
func Verify(pub crypto.PublicKey, m canonical, sig string) error {
	digest := Digest(m)
	if err := crypto.Verify(pub, []byte(digest), sig); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Sign sets PublicKey and Signature on p using priv.
func (p *Prepare) Sign(priv crypto.PrivateKey) {
	p.PublicKey = priv.Public()
	p.Signature = Sign(priv, *p)
}

// Verify checks p's signature.
func (p Prepare) Verify() error { return Verify(p.PublicKey, p, p.Signature) }

// Sign sets PublicKey and Signature on c using priv.
func (c *Commit) Sign(priv crypto.PrivateKey) {
	c.PublicKey = priv.Public()
	c.Signature = Sign(priv, *c)
}

// Verify checks c's signature.
func (c Commit) Verify() error { return Verify(c.PublicKey, c, c.Signature) }

// Sign sets PublicKey and Signature on c using priv.
func (c *Checkpoint) Sign(priv crypto.PrivateKey) {
	c.PublicKey = priv.Public()
	c.Signature = Sign(priv, *c)
}

// Verify checks c's signature.
func (c Checkpoint) Verify() error { return Verify(c.PublicKey, c, c.Signature) }

// Sign sets PublicKey and Signature on vc using priv.
func (vc *ViewChange) Sign(priv crypto.PrivateKey) {
	vc.PublicKey = priv.Public()
	vc.Signature = Sign(priv, *vc)
}

// Verify checks vc's signature.
func (vc ViewChange) Verify() error { return Verify(vc.PublicKey, vc, vc.Signature) }

// Sign sets PublicKey and Signature on nv using priv.
func (nv *NewView) Sign(priv crypto.PrivateKey) {
	nv.PublicKey = priv.Public()
	nv.Signature = Sign(priv, *nv)
}

// Verify checks nv's signature.
func (nv NewView) Verify() error { return Verify(nv.PublicKey, nv, nv.Signature) }
