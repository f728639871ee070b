package cert

import (
	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/pbft/adapter"
	"github.com/tolelom/tolchain/pbft/message"
	"github.com/tolelom/tolchain/pbft/quorum"
)

// NewViewValidator checks an incoming NewView against the seven clauses a
// replacement primary's proposal must satisfy before a replica accepts it
// and resumes at the new view.
type NewViewValidator struct {
	ca adapter.ChainAdapter
}

// NewValidator builds a NewViewValidator over ca.
func NewValidator(ca adapter.ChainAdapter) *NewViewValidator {
	return &NewViewValidator{ca: ca}
}

// Validate rejects nv with a *message.ValidationError identifying the first
// failing clause. localShouldNewView reports whether the caller's own
// ViewAccumulator has independently reached new-view quorum for nv.View;
// a NewView is never accepted on a single primary's say-so.
func (nvv *NewViewValidator) Validate(nv message.NewView, localShouldNewView bool) error {
	if err := nv.Verify(); err != nil {
		return message.NewValidationError(message.ClausePrimarySignature, err.Error())
	}
	lscbSchedule := scheduleAtLSCBOrdered(nvv.ca)
	primary, ok := primaryForView(lscbSchedule, nv.View)
	if !ok || primary.Hex() != nv.PublicKey.Hex() {
		return message.NewValidationError(message.ClausePrimarySignature, "new_view signer is not the elected primary for this view under the LSCB schedule")
	}

	if nv.ViewChangedCert.View != nv.View {
		return message.NewValidationError(message.ClauseViewChangedView, "view_changed_cert.view does not match new_view.view")
	}
	for _, vc := range nv.ViewChangedCert.ViewChanges {
		if vc.TargetView() != nv.View {
			return message.NewValidationError(message.ClauseViewChangedView, "a view_change targets a different view")
		}
		if err := vc.Verify(); err != nil {
			return message.NewValidationError(message.ClauseViewChangeSignatures, err.Error())
		}
	}

	schedule := scheduleAtLSCB(nvv.ca)
	signers := 0
	for _, vc := range nv.ViewChangedCert.ViewChanges {
		if schedule[vc.PublicKey.Hex()] {
			signers++
		}
	}
	if signers < quorum.Quorum(len(schedule)) {
		return message.NewValidationError(message.ClauseViewChangeQuorum, "insufficient schedule-member signers in view_changed_cert")
	}

	if !localShouldNewView {
		return message.NewValidationError(message.ClauseLocalReadiness, "local view accumulator has not reached new-view quorum for this target")
	}

	wantPrepared, wantCommitted, wantStable := reconstruct(nv.ViewChangedCert)

	if message.Digest(wantPrepared) != message.Digest(nv.PreparedCert) {
		return message.NewValidationError(message.ClausePreparedMismatch, "")
	}
	if !sameCommittedSet(wantCommitted, nv.CommittedCerts) {
		return message.NewValidationError(message.ClauseCommittedMismatch, "")
	}
	if message.Digest(wantStable) != message.Digest(nv.StableCheckpoint) {
		return message.NewValidationError(message.ClauseStableCheckpointMismatch, "")
	}

	return nil
}

// primaryForView returns schedule[view % len(schedule)], the round-robin
// primary under an ordered schedule, used here to check that a NewView's
// signer is that primary. pbft/replica applies the same rule through its own
// copy of this function to decide whether it owns a view.
func primaryForView(schedule []crypto.PublicKey, view uint64) (crypto.PublicKey, bool) {
	if len(schedule) == 0 {
		return nil, false
	}
	return schedule[int(view%uint64(len(schedule)))], true
}

// scheduleAtLSCB reports the active producer schedule as of the last stable
// checkpoint block, as an unordered membership set — used to count
// view-change signers, since that evidence isn't anchored to a single
// block. View and primary identity are anchored to the LSCB schedule, not
// the chain head, matching quorum's per-ancestor schedule anchoring.
func scheduleAtLSCB(ca adapter.ChainAdapter) map[string]bool {
	bs, ok := ca.FetchBlockStateByNum(ca.LastStableCheckpointBlockNum())
	if !ok {
		return nil
	}
	set := make(map[string]bool, len(bs.ActiveProducers))
	for _, pub := range bs.ActiveProducers {
		set[pub.Hex()] = true
	}
	return set
}

// scheduleAtLSCBOrdered is scheduleAtLSCB's ordered counterpart, needed for
// round-robin primary selection rather than membership testing.
func scheduleAtLSCBOrdered(ca adapter.ChainAdapter) []crypto.PublicKey {
	bs, ok := ca.FetchBlockStateByNum(ca.LastStableCheckpointBlockNum())
	if !ok {
		return nil
	}
	return bs.ActiveProducers
}

func sameCommittedSet(a, b [][]message.CommittedCertificate) bool {
	flatten := func(forks [][]message.CommittedCertificate) map[string]bool {
		set := make(map[string]bool)
		for _, fork := range forks {
			for _, cc := range fork {
				set[message.Digest(cc)] = true
			}
		}
		return set
	}
	sa, sb := flatten(a), flatten(b)
	if len(sa) != len(sb) {
		return false
	}
	for k := range sa {
		if !sb[k] {
			return false
		}
	}
	return true
}
