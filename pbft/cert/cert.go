// Package cert builds outgoing ViewChange/NewView messages from a
// replica's accumulated evidence and validates incoming NewView messages
// against the seven clauses a replacement primary's proposal must satisfy.
package cert

import (
	"time"

	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/pbft/adapter"
	"github.com/tolelom/tolchain/pbft/message"
	"github.com/tolelom/tolchain/pbft/quorum"
	"github.com/tolelom/tolchain/pbft/view"
)

// Builder assembles ViewChange and NewView messages from a replica's
// accumulators.
type Builder struct {
	ca adapter.ChainAdapter
	q  *quorum.QuorumAccumulator
	cp *quorum.CheckpointAccumulator
	v  *view.ViewAccumulator
}

// NewBuilder constructs a Builder over the given accumulators.
func NewBuilder(ca adapter.ChainAdapter, q *quorum.QuorumAccumulator, cp *quorum.CheckpointAccumulator, v *view.ViewAccumulator) *Builder {
	return &Builder{ca: ca, q: q, cp: cp, v: v}
}

// BuildViewChange assembles the ViewChange this replica should broadcast
// when abandoning currentView: its strongest prepared certificate, every
// committed certificate above the stable checkpoint, and its current
// stable checkpoint.
func (b *Builder) BuildViewChange(currentView uint64, priv crypto.PrivateKey) message.ViewChange {
	vc := message.ViewChange{CurrentView: currentView, Timestamp: time.Now().Unix()}

	if id, _, ok := b.q.ShouldPrepared(0, false); ok {
		if pc, ok := b.q.PreparedCertificateFor(id); ok {
			vc.PreparedCert = pc
		}
	}

	vc.CommittedCerts = b.BuildCommittedCertificates(headID(b.ca))

	if id, _, ok := b.cp.Best(); ok {
		if scp, ok := b.cp.StableCheckpointFor(id); ok {
			vc.StableCheckpoint = scp
		}
	}

	vc.Sign(priv)
	return vc
}

// BuildCommittedCertificates walks the branch from head back to the last
// stable checkpoint and groups the committed certificates found along it
// into maximal contiguous runs: an ancestor with no committed certificate
// ends the current run and starts a new one on the far side of the gap.
// The outer slice is indexed by fork, the inner by position within that
// fork's contiguous committed ancestry, matching the original
// vector<vector<pbft_committed_certificate>> shape. This adapter's
// BranchFrom only ever walks a single linear predecessor chain, so in
// practice at most one fork comes back; the grouping logic itself doesn't
// assume that.
func (b *Builder) BuildCommittedCertificates(head message.BlockID) [][]message.CommittedCertificate {
	lscbNum := b.ca.LastStableCheckpointBlockNum()
	var forks [][]message.CommittedCertificate
	var run []message.CommittedCertificate
	for _, bs := range b.ca.BranchFrom(head, lscbNum) {
		cc, ok := b.q.CommittedCertificateFor(bs.ID)
		if !ok {
			if len(run) > 0 {
				forks = append(forks, run)
				run = nil
			}
			continue
		}
		run = append(run, cc)
	}
	if len(run) > 0 {
		forks = append(forks, run)
	}
	return forks
}

func headID(ca adapter.ChainAdapter) message.BlockID {
	bs, ok := ca.FetchBlockStateByNum(ca.HeadBlockNum())
	if !ok {
		return message.ZeroBlockID
	}
	return bs.ID
}

// BuildNewView assembles the NewView a newly-elected primary broadcasts for
// target, reconstructing the strongest evidence across the gathered
// ViewChangedCertificate. Returns false if the local ViewAccumulator has not
// yet reached new-view quorum for target.
func (b *Builder) BuildNewView(target uint64, priv crypto.PrivateKey) (message.NewView, bool) {
	vcc, ok := b.v.ViewChangedCertificateFor(target)
	if !ok {
		return message.NewView{}, false
	}
	prepared, committed, stable := reconstruct(vcc)
	nv := message.NewView{
		View:             target,
		PreparedCert:     prepared,
		CommittedCerts:   committed,
		StableCheckpoint: stable,
		ViewChangedCert:  vcc,
		Timestamp:        time.Now().Unix(),
	}
	nv.Sign(priv)
	return nv, true
}

// reconstruct derives the strongest prepared/committed/stable evidence
// implied by a ViewChangedCertificate: the prepared certificate with the
// highest block_num across every view-change that carries one, the union
// of every committed certificate across all view-changes and all their
// forks (first seen per block wins), and the highest-numbered stable
// checkpoint offered.
func reconstruct(vcc message.ViewChangedCertificate) (message.PreparedCertificate, [][]message.CommittedCertificate, message.StableCheckpoint) {
	var prepared message.PreparedCertificate
	var bestPreparedNum int64
	havePrepared := false

	committedByID := make(map[message.BlockID]message.CommittedCertificate)
	var committedOrder []message.BlockID

	var stable message.StableCheckpoint
	haveStable := false

	for _, vc := range vcc.ViewChanges {
		if !vc.PreparedCert.IsEmpty() {
			num := message.NumFromID(vc.PreparedCert.BlockID)
			if !havePrepared || num > bestPreparedNum {
				prepared = vc.PreparedCert
				bestPreparedNum = num
				havePrepared = true
			}
		}
		for _, fork := range vc.CommittedCerts {
			for _, cc := range fork {
				if _, seen := committedByID[cc.BlockID]; !seen {
					committedByID[cc.BlockID] = cc
					committedOrder = append(committedOrder, cc.BlockID)
				}
			}
		}
		if !vc.StableCheckpoint.IsEmpty() {
			num := vc.StableCheckpoint.Checkpoints[0].BlockNum
			if !haveStable || num > stable.Checkpoints[0].BlockNum {
				stable = vc.StableCheckpoint
				haveStable = true
			}
		}
	}

	var committed [][]message.CommittedCertificate
	if len(committedOrder) > 0 {
		run := make([]message.CommittedCertificate, 0, len(committedOrder))
		for _, id := range committedOrder {
			run = append(run, committedByID[id])
		}
		committed = [][]message.CommittedCertificate{run}
	}
	return prepared, committed, stable
}
