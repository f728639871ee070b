// Package adapter bridges the PBFT engine to the rest of the node: block
// lookup, the active producer schedule, LIB/LSCB tracking, and signing
// providers. The engine only ever sees the ChainAdapter interface; Adapter
// is the concrete implementation wired to core.Blockchain and config.Config.
package adapter

import (
	"fmt"
	"sync"

	"github.com/tolelom/tolchain/config"
	"github.com/tolelom/tolchain/core"
	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/pbft/message"
)

// BlockState is the minimal per-block view the PBFT engine needs: its
// identity, its position, and the schedule that was active when it was
// produced.
type BlockState struct {
	ID               message.BlockID
	Num              int64
	ActiveProducers  []crypto.PublicKey
	PrevID           message.BlockID
	HasPrev          bool
	PbftPrepared     bool
	MyPrepare        bool
	StableCheckpoint *message.StableCheckpoint
}

// ChainAdapter is everything the PBFT engine consumes from the underlying
// chain. Implementations are consulted read-only except for the three write
// methods (SetPbftPrepared, SetPbftMyPrepare and
// AppendStableCheckpointExtension), all of which are idempotent from the
// engine's perspective.
type ChainAdapter interface {
	FetchBlockStateByID(id message.BlockID) (*BlockState, bool)
	FetchBlockStateByNum(num int64) (*BlockState, bool)
	HeadBlockNum() int64
	LastIrreversibleBlockNum() int64
	LastStableCheckpointBlockNum() int64
	ActiveProducersAt(id message.BlockID) []crypto.PublicKey
	// BranchFrom returns the ancestor chain from id down to (but not
	// including) lib, ordered head-first. Used by the certificate builder to enumerate
	// forks; the accumulators instead walk one ancestor at a time via
	// FetchBlockStateByID to stop early once a record is already settled.
	BranchFrom(id message.BlockID, libNum int64) []*BlockState
	// MySignatureProviders returns this node's own signers, keyed by
	// hex-encoded public key.
	MySignatureProviders() map[string]crypto.PrivateKey

	SetPbftPrepared(id message.BlockID)
	SetPbftMyPrepare(id message.BlockID)
	GetPbftMyPrepare() (message.BlockID, bool)
	AppendStableCheckpointExtension(id message.BlockID, scp message.StableCheckpoint) error
}

// Adapter implements ChainAdapter over this node's core.Blockchain and
// config.Config. It assumes a single, unchanging validator schedule — the
// PoA engine this repository ships does not support mid-chain schedule
// rotation — so ActiveProducersAt always returns the configured Validators
// regardless of which block is named. A deployment that rotates schedules
// would replace this with a lookup keyed by block number.
type Adapter struct {
	cfg *config.Config
	bc  *core.Blockchain
	sig map[string]crypto.PrivateKey

	mu          sync.Mutex
	prepared    map[message.BlockID]bool
	myPrepare   message.BlockID
	haveMy      bool
	checkpoints map[message.BlockID]*message.StableCheckpoint
	lscb        int64
}

// New creates an Adapter for bc using cfg's validator schedule. signers maps
// hex-encoded public keys to the private keys this node can sign with
// (typically just the node's own validator key, but a test harness may
// supply several to simulate multiple replicas).
func New(cfg *config.Config, bc *core.Blockchain, signers map[string]crypto.PrivateKey) *Adapter {
	return &Adapter{
		cfg:         cfg,
		bc:          bc,
		sig:         signers,
		prepared:    make(map[message.BlockID]bool),
		checkpoints: make(map[message.BlockID]*message.StableCheckpoint),
	}
}

func blockIDOf(b *core.Block) (message.BlockID, error) {
	return message.BlockIDFromHex(b.Hash)
}

func (a *Adapter) schedule() []crypto.PublicKey {
	keys := make([]crypto.PublicKey, 0, len(a.cfg.Validators))
	for _, v := range a.cfg.Validators {
		pub, err := crypto.PubKeyFromHex(v)
		if err != nil {
			continue
		}
		keys = append(keys, pub)
	}
	return keys
}

func (a *Adapter) toBlockState(b *core.Block) (*BlockState, bool) {
	if b == nil {
		return nil, false
	}
	id, err := blockIDOf(b)
	if err != nil {
		return nil, false
	}
	bs := &BlockState{
		ID:              id,
		Num:             b.Header.Height,
		ActiveProducers: a.schedule(),
	}
	if b.Header.Height > 0 {
		prev, err := a.bc.GetBlock(b.Header.PrevHash)
		if err == nil {
			prevID, err := blockIDOf(prev)
			if err == nil {
				bs.PrevID = prevID
				bs.HasPrev = true
			}
		}
	}
	a.mu.Lock()
	bs.PbftPrepared = a.prepared[id]
	bs.MyPrepare = a.haveMy && a.myPrepare == id
	if scp, ok := a.checkpoints[id]; ok {
		bs.StableCheckpoint = scp
	}
	a.mu.Unlock()
	return bs, true
}

// FetchBlockStateByID implements ChainAdapter.
func (a *Adapter) FetchBlockStateByID(id message.BlockID) (*BlockState, bool) {
	b, err := a.bc.GetBlock(id.Hex())
	if err != nil {
		return nil, false
	}
	return a.toBlockState(b)
}

// FetchBlockStateByNum implements ChainAdapter.
func (a *Adapter) FetchBlockStateByNum(num int64) (*BlockState, bool) {
	b, err := a.bc.GetBlockByHeight(num)
	if err != nil {
		return nil, false
	}
	return a.toBlockState(b)
}

// HeadBlockNum implements ChainAdapter.
func (a *Adapter) HeadBlockNum() int64 { return a.bc.Height() }

// LastIrreversibleBlockNum implements ChainAdapter. This repository's PoA
// chain has no independent fork-choice LIB concept, so LIB tracks the tip:
// every PoA-produced block is immediately final from the chain's own
// perspective, and only the PBFT layer adds a slower, stronger finality
// signal on top.
func (a *Adapter) LastIrreversibleBlockNum() int64 { return a.bc.Height() }

// LastStableCheckpointBlockNum implements ChainAdapter.
func (a *Adapter) LastStableCheckpointBlockNum() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lscb
}

// ActiveProducersAt implements ChainAdapter.
func (a *Adapter) ActiveProducersAt(message.BlockID) []crypto.PublicKey {
	return a.schedule()
}

// BranchFrom implements ChainAdapter.
func (a *Adapter) BranchFrom(id message.BlockID, libNum int64) []*BlockState {
	var branch []*BlockState
	cur, ok := a.FetchBlockStateByID(id)
	for ok && cur.Num > libNum {
		branch = append(branch, cur)
		if !cur.HasPrev {
			break
		}
		cur, ok = a.FetchBlockStateByID(cur.PrevID)
	}
	return branch
}

// MySignatureProviders implements ChainAdapter.
func (a *Adapter) MySignatureProviders() map[string]crypto.PrivateKey {
	return a.sig
}

// SetPbftPrepared implements ChainAdapter.
func (a *Adapter) SetPbftPrepared(id message.BlockID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prepared[id] = true
}

// SetPbftMyPrepare implements ChainAdapter.
func (a *Adapter) SetPbftMyPrepare(id message.BlockID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.myPrepare = id
	a.haveMy = true
}

// GetPbftMyPrepare implements ChainAdapter.
func (a *Adapter) GetPbftMyPrepare() (message.BlockID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.myPrepare, a.haveMy
}

// AppendStableCheckpointExtension implements ChainAdapter.
func (a *Adapter) AppendStableCheckpointExtension(id message.BlockID, scp message.StableCheckpoint) error {
	bs, ok := a.FetchBlockStateByID(id)
	if !ok {
		return fmt.Errorf("append stable checkpoint: block %s not found", id.Hex())
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := scp
	a.checkpoints[id] = &cp
	if scp.BlockID == id && bs.Num > a.lscb {
		a.lscb = bs.Num
	}
	return nil
}
