// Package view implements the ViewAccumulator: the view-change bucket that
// decides when a replica should itself join a view-change in progress (the
// f+1 wake-up rule) and when a would-be primary has gathered enough
// ViewChanges to issue a NewView (the 2N/3+1 quorum rule).
package view

import (
	"github.com/sirupsen/logrus"

	"github.com/tolelom/tolchain/pbft/adapter"
	"github.com/tolelom/tolchain/pbft/message"
	"github.com/tolelom/tolchain/pbft/quorum"
)

// ViewState is the accumulator record for one target view: every
// ViewChange seen requesting it, keyed by signer so duplicates and
// re-broadcasts never double-count.
type ViewState struct {
	TargetView uint64

	ViewChanges map[string]message.ViewChange

	ShouldViewChange bool
	ShouldNewView    bool
}

func newViewState(target uint64) *ViewState {
	return &ViewState{TargetView: target, ViewChanges: make(map[string]message.ViewChange)}
}

// scheduleAtLSCB reports the active producer schedule as of the last stable
// checkpoint block. View-change signer eligibility and primary identity are
// anchored to the LSCB schedule, not the head, the same way quorum's
// per-ancestor walk is anchored to each ancestor's own schedule rather than
// the chain tip's.
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

// ViewAccumulator tracks ViewState records for every target view a replica
// has received evidence for.
type ViewAccumulator struct {
	ca adapter.ChainAdapter

	records map[uint64]*ViewState

	bestNewView uint64
	haveNewView bool

	log *logrus.Entry
}

// New builds a ViewAccumulator backed by ca.
func New(ca adapter.ChainAdapter, log *logrus.Entry) *ViewAccumulator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ViewAccumulator{
		ca:      ca,
		records: make(map[uint64]*ViewState),
		log:     log.WithField("component", "view"),
	}
}

func (v *ViewAccumulator) recordFor(target uint64) *ViewState {
	r, ok := v.records[target]
	if !ok {
		r = newViewState(target)
		v.records[target] = r
	}
	return r
}

// Add folds vc into the accumulator bucketed by its TargetView. currentView
// is the caller's present view; a ViewChange requesting a view no higher
// than it is stale and rejected. Returns whether each of the wake-up and
// new-view thresholds newly flipped true as a result of this call, so the
// caller can react exactly once per transition.
func (v *ViewAccumulator) Add(vc message.ViewChange, currentView uint64) (wokeUp bool, readyForNewView bool, err error) {
	if err := vc.Verify(); err != nil {
		return false, false, err
	}
	target := vc.TargetView()
	if target <= currentView {
		return false, false, message.ErrStale
	}

	schedule := scheduleAtLSCB(v.ca)
	if !schedule[vc.PublicKey.Hex()] {
		return false, false, message.ErrOutOfSchedule
	}

	rec := v.recordFor(target)
	rec.ViewChanges[vc.PublicKey.Hex()] = vc

	n := len(schedule)
	signers := 0
	for pub := range rec.ViewChanges {
		if schedule[pub] {
			signers++
		}
	}

	if !rec.ShouldViewChange && signers >= quorum.WakeupThreshold(n) {
		rec.ShouldViewChange = true
		wokeUp = true
		v.log.WithFields(logrus.Fields{"target_view": target, "signers": signers}).Debug("view-change wake-up threshold reached")
	}
	if !rec.ShouldNewView && signers >= quorum.Quorum(n) {
		rec.ShouldNewView = true
		readyForNewView = true
		if !v.haveNewView || target > v.bestNewView {
			v.bestNewView, v.haveNewView = target, true
		}
		v.log.WithFields(logrus.Fields{"target_view": target, "signers": signers}).Debug("view-change quorum reached")
	}
	return wokeUp, readyForNewView, nil
}

// ShouldNewView reports the highest target view for which a NewView quorum
// has been reached.
func (v *ViewAccumulator) ShouldNewView() (uint64, bool) {
	return v.bestNewView, v.haveNewView
}

// ViewChangedCertificateFor builds the ViewChangedCertificate for target, or
// reports false if target never reached quorum.
func (v *ViewAccumulator) ViewChangedCertificateFor(target uint64) (message.ViewChangedCertificate, bool) {
	rec, ok := v.records[target]
	if !ok || !rec.ShouldNewView {
		return message.ViewChangedCertificate{}, false
	}
	cert := message.ViewChangedCertificate{View: target}
	for _, vc := range rec.ViewChanges {
		cert.ViewChanges = append(cert.ViewChanges, vc)
	}
	return cert, true
}

// Prune drops every record at or below the given view (the view itself
// included) — used
// once a NewView has been accepted and the replica has moved on.
func (v *ViewAccumulator) Prune(throughView uint64) {
	for target, rec := range v.records {
		if target <= throughView {
			delete(v.records, target)
		}
	}
	if v.haveNewView && v.bestNewView <= throughView {
		v.haveNewView, v.bestNewView = false, 0
	}
}

// Len reports how many target-view records are currently tracked.
func (v *ViewAccumulator) Len() int { return len(v.records) }
