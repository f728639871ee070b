package testutil

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/pbft/adapter"
	"github.com/tolelom/tolchain/pbft/message"
)

// DeterministicKeypair derives a stable ed25519 keypair from a single seed
// byte, repeated to fill the 32-byte seed. Tests use this instead of
// crypto.GenerateKeyPair so failures are reproducible across runs.
func DeterministicKeypair(seed byte) (crypto.PrivateKey, crypto.PublicKey) {
	s := make([]byte, ed25519.SeedSize)
	for i := range s {
		s[i] = seed
	}
	priv := ed25519.NewKeyFromSeed(s)
	pub := priv.Public().(ed25519.PublicKey)
	return crypto.PrivateKey(priv), crypto.PublicKey(pub)
}

// FakeChain is an in-memory pbft/adapter.ChainAdapter for unit tests: a
// single linear chain with a fixed validator schedule, no persistence, and
// no networking.
type FakeChain struct {
	mu sync.Mutex

	schedule []crypto.PublicKey
	byID     map[message.BlockID]*adapter.BlockState
	byNum    map[int64]message.BlockID
	head     int64
	lib      int64
	lscb     int64

	prepared    map[message.BlockID]bool
	myPrepare   message.BlockID
	haveMy      bool
	checkpoints map[message.BlockID]*message.StableCheckpoint
}

// NewFakeChain builds a FakeChain with the given fixed validator schedule
// and a single genesis block at height 0.
func NewFakeChain(schedule []crypto.PublicKey) *FakeChain {
	fc := &FakeChain{
		schedule:    schedule,
		byID:        make(map[message.BlockID]*adapter.BlockState),
		byNum:       make(map[int64]message.BlockID),
		prepared:    make(map[message.BlockID]bool),
		checkpoints: make(map[message.BlockID]*message.StableCheckpoint),
	}
	genesis := message.NewBlockID(0, []byte("genesis"))
	fc.byID[genesis] = &adapter.BlockState{ID: genesis, Num: 0, ActiveProducers: schedule}
	fc.byNum[0] = genesis
	return fc
}

// AppendBlock extends the chain with a new block built on the current
// head, returning its synthetic BlockID.
func (fc *FakeChain) AppendBlock() message.BlockID {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	prevID := fc.byNum[fc.head]
	num := fc.head + 1
	id := message.NewBlockID(num, []byte(fmt.Sprintf("block-%d", num)))
	fc.byID[id] = &adapter.BlockState{
		ID:              id,
		Num:             num,
		ActiveProducers: fc.schedule,
		PrevID:          prevID,
		HasPrev:         true,
	}
	fc.byNum[num] = id
	fc.head = num
	return id
}

// SetLIB sets the last-irreversible-block number returned by
// LastIrreversibleBlockNum, simulating the underlying chain's own finality
// advancing independently of PBFT.
func (fc *FakeChain) SetLIB(num int64) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.lib = num
}

func (fc *FakeChain) FetchBlockStateByID(id message.BlockID) (*adapter.BlockState, bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	bs, ok := fc.byID[id]
	if !ok {
		return nil, false
	}
	cp := *bs
	cp.PbftPrepared = fc.prepared[id]
	cp.MyPrepare = fc.haveMy && fc.myPrepare == id
	if scp, ok := fc.checkpoints[id]; ok {
		cp.StableCheckpoint = scp
	}
	return &cp, true
}

func (fc *FakeChain) FetchBlockStateByNum(num int64) (*adapter.BlockState, bool) {
	fc.mu.Lock()
	id, ok := fc.byNum[num]
	fc.mu.Unlock()
	if !ok {
		return nil, false
	}
	return fc.FetchBlockStateByID(id)
}

func (fc *FakeChain) HeadBlockNum() int64 {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.head
}

func (fc *FakeChain) LastIrreversibleBlockNum() int64 {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.lib
}

func (fc *FakeChain) LastStableCheckpointBlockNum() int64 {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.lscb
}

func (fc *FakeChain) ActiveProducersAt(message.BlockID) []crypto.PublicKey {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.schedule
}

func (fc *FakeChain) BranchFrom(id message.BlockID, libNum int64) []*adapter.BlockState {
	var branch []*adapter.BlockState
	cur, ok := fc.FetchBlockStateByID(id)
	for ok && cur.Num > libNum {
		branch = append(branch, cur)
		if !cur.HasPrev {
			break
		}
		cur, ok = fc.FetchBlockStateByID(cur.PrevID)
	}
	return branch
}

func (fc *FakeChain) MySignatureProviders() map[string]crypto.PrivateKey { return nil }

func (fc *FakeChain) SetPbftPrepared(id message.BlockID) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.prepared[id] = true
}

func (fc *FakeChain) SetPbftMyPrepare(id message.BlockID) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.myPrepare, fc.haveMy = id, true
}

func (fc *FakeChain) GetPbftMyPrepare() (message.BlockID, bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.myPrepare, fc.haveMy
}

func (fc *FakeChain) AppendStableCheckpointExtension(id message.BlockID, scp message.StableCheckpoint) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	bs, ok := fc.byID[id]
	if !ok {
		return fmt.Errorf("append stable checkpoint: block %s not found", id.Hex())
	}
	cp := scp
	fc.checkpoints[id] = &cp
	if scp.BlockID == id && bs.Num > fc.lscb {
		fc.lscb = bs.Num
	}
	return nil
}

var _ adapter.ChainAdapter = (*FakeChain)(nil)
