// Package message defines the signed wire records of the PBFT finality
// protocol: Prepare, Commit, Checkpoint, ViewChange, NewView, and the
// certificates built from them. Every record carries a canonical digest
// (codec.go) that is what gets signed and verified.
package message

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/tolelom/tolchain/crypto"
)

// BlockID is an opaque 32-byte block hash. Ids built by NewBlockID carry the
// block number big-endian in their first four bytes; ids taken from real
// blocks (core.Block.Hash, a SHA-256 of the header) carry no block number,
// so a real block's height is found through a ChainAdapter lookup.
type BlockID [32]byte

// ZeroBlockID is the canonical "no block" value.
var ZeroBlockID BlockID

// BlockIDFromHex decodes a 64-char hex block hash into a BlockID.
func BlockIDFromHex(s string) (BlockID, error) {
	var id BlockID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid block id hex: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("block id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// NewBlockID builds a BlockID whose first four bytes encode num, followed by
// the low-order bytes of a content hash. Used when the engine needs to mint
// a synthetic id (tests, genesis) rather than derive one from a real block.
func NewBlockID(num int64, hash []byte) BlockID {
	var id BlockID
	binary.BigEndian.PutUint32(id[:4], uint32(num))
	copy(id[4:], hash)
	return id
}

// Hex returns the lowercase hex encoding of the id.
func (id BlockID) Hex() string { return hex.EncodeToString(id[:]) }

// NumFromID extracts the block number encoded in id's first four bytes.
func NumFromID(id BlockID) int64 {
	return int64(binary.BigEndian.Uint32(id[:4]))
}

// Less orders BlockRefs by BlockNum, ties broken by BlockID bytes.
func Less(numA int64, idA BlockID, numB int64, idB BlockID) bool {
	if numA != numB {
		return numA < numB
	}
	for i := range idA {
		if idA[i] != idB[i] {
			return idA[i] < idB[i]
		}
	}
	return false
}

// Prepare is a replica's vote that a block is safe to prepare in a view.
type Prepare struct {
	View      uint64          `json:"view"`
	BlockID   BlockID         `json:"block_id"`
	BlockNum  int64           `json:"block_num"`
	Timestamp int64           `json:"timestamp"`
	PublicKey crypto.PublicKey `json:"public_key"`
	Signature string          `json:"signature"`
}

// Commit is a replica's vote that a prepared block is safe to commit.
type Commit struct {
	View      uint64          `json:"view"`
	BlockID   BlockID         `json:"block_id"`
	BlockNum  int64           `json:"block_num"`
	Timestamp int64           `json:"timestamp"`
	PublicKey crypto.PublicKey `json:"public_key"`
	Signature string          `json:"signature"`
}

// Checkpoint is a replica's vote that a block should become a stable
// checkpoint (irrevocable regardless of view).
type Checkpoint struct {
	BlockID   BlockID         `json:"block_id"`
	BlockNum  int64           `json:"block_num"`
	Timestamp int64           `json:"timestamp"`
	PublicKey crypto.PublicKey `json:"public_key"`
	Signature string          `json:"signature"`
}

// PreparedCertificate bundles the quorum of Prepares that proved a block
// prepared in a single view.
type PreparedCertificate struct {
	BlockID  BlockID   `json:"block_id"`
	Prepares []Prepare `json:"prepares"`
}

// IsEmpty reports whether the certificate carries no evidence.
func (c PreparedCertificate) IsEmpty() bool { return len(c.Prepares) == 0 }

// CommittedCertificate bundles the quorum of Commits for one block.
type CommittedCertificate struct {
	BlockID BlockID  `json:"block_id"`
	Commits []Commit `json:"commits"`
}

// StableCheckpoint bundles the quorum of Checkpoints that proved a block
// stable.
type StableCheckpoint struct {
	BlockID     BlockID      `json:"block_id"`
	Checkpoints []Checkpoint `json:"checkpoints"`
}

// IsEmpty reports whether the checkpoint carries no evidence.
func (s StableCheckpoint) IsEmpty() bool { return len(s.Checkpoints) == 0 }

// ViewChange is a replica's request to move past CurrentView, carrying the
// strongest evidence it holds so the new primary can reconstruct state.
type ViewChange struct {
	CurrentView  uint64              `json:"current_view"`
	PreparedCert PreparedCertificate `json:"prepared_cert"`
	// CommittedCerts is a vector of vectors: the outer dimension is fork,
	// the inner is the contiguous committed ancestry within that fork.
	CommittedCerts   [][]CommittedCertificate `json:"committed_certs"`
	StableCheckpoint StableCheckpoint         `json:"stable_checkpoint"`
	Timestamp        int64                    `json:"timestamp"`
	PublicKey        crypto.PublicKey         `json:"public_key"`
	Signature        string                   `json:"signature"`
}

// TargetView is the view this ViewChange requests moving to.
func (vc ViewChange) TargetView() uint64 { return vc.CurrentView + 1 }

// ViewChangedCertificate bundles the quorum of ViewChanges for one target
// view — the evidence a NewView cites to justify a primary rotation.
type ViewChangedCertificate struct {
	View        uint64       `json:"view"`
	ViewChanges []ViewChange `json:"view_changes"`
}

// NewView is the replacement primary's proposal to resume at View, carrying
// the reconstructed prepared/committed/stable evidence and the
// ViewChangedCertificate that licenses it.
type NewView struct {
	View         uint64              `json:"view"`
	PreparedCert PreparedCertificate `json:"prepared_cert"`
	// CommittedCerts mirrors ViewChange.CommittedCerts's fork/ancestry
	// vector-of-vectors shape.
	CommittedCerts   [][]CommittedCertificate `json:"committed_certs"`
	StableCheckpoint StableCheckpoint         `json:"stable_checkpoint"`
	ViewChangedCert  ViewChangedCertificate   `json:"view_changed_cert"`
	Timestamp        int64                    `json:"timestamp"`
	PublicKey        crypto.PublicKey         `json:"public_key"`
	Signature        string                   `json:"signature"`
}
