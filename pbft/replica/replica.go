// Package replica implements the ReplicaStateMachine: a single-goroutine
// event loop that owns a node's PBFT phase, accumulators, and signing
// identity, and drives the NewView/ViewChange protocol to recover from a
// stalled primary.
package replica

import (
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/pbft/adapter"
	"github.com/tolelom/tolchain/pbft/cert"
	"github.com/tolelom/tolchain/pbft/message"
	"github.com/tolelom/tolchain/pbft/persist"
	"github.com/tolelom/tolchain/pbft/quorum"
	"github.com/tolelom/tolchain/pbft/view"
)

// Broadcaster is everything the replica needs to send signed PBFT
// messages to its peers. *netmsg.Gateway satisfies this; tests substitute
// an in-memory fake so the engine's decision logic can be exercised
// without a real TCP transport.
type Broadcaster interface {
	BroadcastPrepare(message.Prepare)
	BroadcastCommit(message.Commit)
	BroadcastViewChange(message.ViewChange)
	BroadcastNewView(message.NewView)
	BroadcastCheckpoint(message.Checkpoint)
}

// eventQueueSize bounds the replica's inbound event channel. A full queue
// means the node is falling behind its own peers; Submit drops the event
// and counts it rather than blocking the caller, since the caller may be
// the block-production path and must never stall on PBFT backpressure.
const eventQueueSize = 4096

// Config carries the replica's tunables, sourced from config.PBFTConfig.
type Config struct {
	// ViewChangeTimeout is how long a replica waits in ViewChangingState
	// before escalating to the next view.
	ViewChangeTimeout time.Duration
	// CheckpointInterval is how many blocks pass between this replica
	// emitting its own Checkpoint vote.
	CheckpointInterval int64
	// BPCandidate gates emission. When false the replica still validates
	// and tallies every incoming message (and tracks its own phase), but
	// never originates a Prepare, Commit, ViewChange, or NewView of its
	// own.
	BPCandidate bool
}

// Replica is the PBFT engine for one node. Its unexported methods are the
// state transition logic and only ever run on the Run goroutine; external
// callers push events in through Submit and read Metrics, State and
// CurrentView out.
type Replica struct {
	ca      adapter.ChainAdapter
	gateway Broadcaster
	q       *quorum.QuorumAccumulator
	cp      *quorum.CheckpointAccumulator
	v       *view.ViewAccumulator
	builder *cert.Builder
	checker *cert.NewViewValidator
	store   *persist.Store
	cfg     Config
	log     *logrus.Entry

	priv crypto.PrivateKey
	pub  crypto.PublicKey

	state       State
	currentView uint64
	watermark   int64
	watermarkOn bool
	lastSchedule string
	lastVCAt    time.Time

	events  chan Event
	Metrics Metrics
}

// New builds a Replica wired to ca/gateway/store, signing with priv, and
// resumes view and accumulator state from store if a prior snapshot
// exists.
func New(ca adapter.ChainAdapter, gateway Broadcaster, store *persist.Store, priv crypto.PrivateKey, cfg Config, log *logrus.Entry) (*Replica, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "replica")

	q := quorum.New(ca, log)
	cp := quorum.NewCheckpointAccumulator(ca, log)
	v := view.New(ca, log)

	if snaps, err := store.LoadPpcm(); err == nil && len(snaps) > 0 {
		q.Restore(snaps)
	}
	if snaps, err := store.LoadCheckpoints(); err == nil && len(snaps) > 0 {
		cp.Restore(snaps)
	}
	currentView, err := store.LoadView()
	if err != nil {
		return nil, err
	}

	r := &Replica{
		ca:          ca,
		gateway:     gateway,
		q:           q,
		cp:          cp,
		v:           v,
		builder:     cert.NewBuilder(ca, q, cp, v),
		checker:     cert.NewValidator(ca),
		store:       store,
		cfg:         cfg,
		log:         log,
		priv:        priv,
		pub:         priv.Public(),
		state:       PreparedState{},
		currentView: currentView,
		events:      make(chan Event, eventQueueSize),
	}
	return r, nil
}

// Submit enqueues ev for processing on the Run goroutine. Non-blocking: a
// full queue drops the event and increments Metrics.EventsDropped rather
// than stalling the caller, which may be the chain's own block-production
// loop.
func (r *Replica) Submit(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.Metrics.incEventsDropped()
		r.log.Warn("event queue full, dropping event")
	}
}

// Run processes events serially until stop is closed. All state mutation
// happens on this goroutine only, so the rest of the engine needs no
// locking.
func (r *Replica) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev := <-r.events:
			r.handle(ev)
		}
	}
}

func (r *Replica) handle(ev Event) {
	switch e := ev.(type) {
	case BlockProduced:
		r.onBlockProduced(e.BlockID, e.BlockNum)
	case PrepareReceived:
		r.onPrepare(e.Prepare)
	case CommitReceived:
		r.onCommit(e.Commit)
	case CheckpointReceived:
		r.onCheckpoint(e.Checkpoint)
	case ViewChangeReceived:
		r.onViewChange(e.ViewChange)
	case NewViewReceived:
		r.onNewView(e.NewView)
	case Timer:
		r.onTimer(e.Now)
	}
}

// State returns the replica's current phase.
func (r *Replica) State() State { return r.state }

// CurrentView returns the replica's current view number.
func (r *Replica) CurrentView() uint64 { return r.currentView }

func primaryForView(schedule []crypto.PublicKey, view uint64) (crypto.PublicKey, bool) {
	if len(schedule) == 0 {
		return nil, false
	}
	return schedule[int(view%uint64(len(schedule)))], true
}

// onBlockProduced is the only entry point from the chain's own production
// path. It sends this replica's Prepare for the new block (or re-reserves
// its still-pending earlier prepare, per the send_prepare rule) and, if the
// checkpoint interval is due, its Checkpoint vote too.
func (r *Replica) onBlockProduced(id message.BlockID, num int64) {
	r.updateWatermark(id, num)

	pid, pnum := id, num
	if rid, rnum, ok := r.reservedPrepareTarget(); ok {
		pid, pnum = rid, rnum
	} else if r.watermarkOn && r.watermark < num {
		if bs, ok := r.ca.FetchBlockStateByNum(r.watermark); ok {
			pid, pnum = bs.ID, bs.Num
		}
	}
	r.sendPrepare(pid, pnum)
	if r.cfg.CheckpointInterval > 0 && num%r.cfg.CheckpointInterval == 0 {
		r.sendCheckpoint(id, num)
	}
}

// reservedPrepareTarget implements the send_prepare reservation rule: while
// this replica's own earlier prepare has not yet reached quorum and still
// extends LIB, it keeps re-emitting for that block rather than jumping
// ahead to a new head.
func (r *Replica) reservedPrepareTarget() (message.BlockID, int64, bool) {
	id, ok := r.ca.GetPbftMyPrepare()
	if !ok {
		return message.ZeroBlockID, 0, false
	}
	bs, ok := r.ca.FetchBlockStateByID(id)
	if !ok || bs.Num < r.ca.LastIrreversibleBlockNum() {
		return message.ZeroBlockID, 0, false
	}
	if bs.PbftPrepared {
		return message.ZeroBlockID, 0, false
	}
	return id, bs.Num, true
}

// updateWatermark detects a pending active-schedule transition: if the
// newly produced block's schedule differs from the previous block's, cap
// further prepares/commits at the last block under the old schedule until
// the stable checkpoint catches up past that boundary.
func (r *Replica) updateWatermark(id message.BlockID, num int64) {
	current := scheduleKey(r.ca.ActiveProducersAt(id))
	if r.lastSchedule != "" && r.lastSchedule != current && num > 0 {
		r.watermark = num - 1
		r.watermarkOn = true
		r.log.WithField("watermark", r.watermark).Info("active schedule changed, capping prepares/commits")
	}
	r.lastSchedule = current
	if r.watermarkOn && r.ca.LastStableCheckpointBlockNum() >= r.watermark {
		r.watermarkOn = false
	}
}

func scheduleKey(schedule []crypto.PublicKey) string {
	keys := make([]string, len(schedule))
	for i, pub := range schedule {
		keys[i] = pub.Hex()
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (r *Replica) sendPrepare(id message.BlockID, num int64) {
	if !r.cfg.BPCandidate {
		return
	}
	p := message.Prepare{View: r.currentView, BlockID: id, BlockNum: num, Timestamp: time.Now().Unix()}
	p.Sign(r.priv)
	if err := r.q.AddPrepare(p); err != nil {
		r.log.WithError(err).Warn("rejected own prepare")
		return
	}
	r.ca.SetPbftMyPrepare(id)
	r.gateway.BroadcastPrepare(p)
}

func (r *Replica) sendCommit(id message.BlockID, num int64) {
	if !r.cfg.BPCandidate {
		return
	}
	c := message.Commit{View: r.currentView, BlockID: id, BlockNum: num, Timestamp: time.Now().Unix()}
	c.Sign(r.priv)
	if err := r.q.AddCommit(c); err != nil {
		r.log.WithError(err).Warn("rejected own commit")
		return
	}
	r.gateway.BroadcastCommit(c)
}

func (r *Replica) sendCheckpoint(id message.BlockID, num int64) {
	if !r.cfg.BPCandidate {
		return
	}
	cp := message.Checkpoint{BlockID: id, BlockNum: num, Timestamp: time.Now().Unix()}
	cp.Sign(r.priv)
	if err := r.cp.AddCheckpoint(cp); err != nil {
		r.log.WithError(err).Warn("rejected own checkpoint")
		return
	}
	r.gateway.BroadcastCheckpoint(cp)
}

func (r *Replica) onPrepare(p message.Prepare) {
	r.Metrics.incPreparesReceived()
	if err := r.q.AddPrepare(p); err != nil {
		r.log.WithError(err).Debug("dropped prepare")
		return
	}
	id, num, ok := r.q.ShouldPrepared(r.watermark, r.watermarkOn)
	if !ok {
		return
	}
	switch r.state.(type) {
	case PreparedState:
		r.Metrics.incBlocksPrepared()
		r.state = CommittedState{}
		r.sendCommit(id, num)
	}
}

func (r *Replica) onCommit(c message.Commit) {
	r.Metrics.incCommitsReceived()
	if err := r.q.AddCommit(c); err != nil {
		r.log.WithError(err).Debug("dropped commit")
		return
	}
	if _, _, ok := r.q.ShouldCommitted(r.watermark, r.watermarkOn); ok {
		r.Metrics.incBlocksCommitted()
	}
}

func (r *Replica) onCheckpoint(cp message.Checkpoint) {
	r.Metrics.incCheckpointsReceived()
	if err := r.cp.AddCheckpoint(cp); err != nil {
		r.log.WithError(err).Debug("dropped checkpoint")
		return
	}
	id, num, ok := r.cp.Best()
	if !ok {
		return
	}
	scp, ok := r.cp.StableCheckpointFor(id)
	if !ok {
		return
	}
	if err := r.ca.AppendStableCheckpointExtension(id, scp); err != nil {
		r.log.WithError(err).Warn("failed to append stable checkpoint extension")
		return
	}
	r.q.Prune(num)
	r.cp.Prune(num)
	r.persistSnapshot()
}

func (r *Replica) onViewChange(vc message.ViewChange) {
	r.Metrics.incViewChangesReceived()
	wokeUp, readyForNewView, err := r.v.Add(vc, r.currentView)
	if err != nil {
		r.log.WithError(err).Debug("dropped view change")
		return
	}
	target := vc.TargetView()
	if wokeUp {
		if _, changing := r.state.(ViewChangingState); !changing {
			r.startViewChange(target)
		}
	}
	if readyForNewView && r.ownsView(target) {
		r.tryBuildNewView(target)
	}
}

// ownsView reports whether this replica is the schedule member who should
// propose the NewView for target. Primary identity is anchored to the LSCB
// schedule, not the chain head, matching primary selection in
// pbft/cert.Validate and signer eligibility in pbft/view.
func (r *Replica) ownsView(target uint64) bool {
	bs, ok := r.ca.FetchBlockStateByNum(r.ca.LastStableCheckpointBlockNum())
	if !ok {
		return false
	}
	primary, ok := primaryForView(bs.ActiveProducers, target)
	return ok && primary.Hex() == r.pub.Hex()
}

func (r *Replica) tryBuildNewView(target uint64) {
	if !r.cfg.BPCandidate {
		return
	}
	nv, ok := r.builder.BuildNewView(target, r.priv)
	if !ok {
		return
	}
	r.gateway.BroadcastNewView(nv)
}

// startViewChange transitions into ViewChangingState and, for a
// participating replica, broadcasts its own ViewChange for target. A
// non-candidate replica still tracks the transition locally (so it can
// evaluate an incoming NewView against it) but never originates one.
func (r *Replica) startViewChange(target uint64) {
	r.Metrics.incViewChangesStarted()
	r.state = ViewChangingState{TargetView: target}
	r.lastVCAt = time.Now()
	if !r.cfg.BPCandidate {
		r.persistSnapshot()
		return
	}
	fromView := target - 1
	vc := r.builder.BuildViewChange(fromView, r.priv)
	if _, _, err := r.v.Add(vc, fromView); err != nil {
		r.log.WithError(err).Debug("failed to add own view change locally")
	}
	r.gateway.BroadcastViewChange(vc)
	r.persistSnapshot()
}

func (r *Replica) onNewView(nv message.NewView) {
	changing, isChanging := r.state.(ViewChangingState)
	localReady := isChanging && changing.TargetView == nv.View
	if !localReady {
		if target, ok := r.v.ShouldNewView(); ok {
			localReady = target == nv.View
		}
	}
	if err := r.checker.Validate(nv, localReady); err != nil {
		r.Metrics.incNewViewsRejected()
		r.log.WithError(err).Debug("rejected new view")
		return
	}
	r.Metrics.incNewViewsAccepted()
	r.adoptNewView(nv)
}

// adoptNewView installs nv's reconstructed evidence, advances the replica's
// view, and resumes PreparedState. No partial state survives a rejected
// NewView — this only ever runs once Validate has returned nil.
func (r *Replica) adoptNewView(nv message.NewView) {
	if !nv.PreparedCert.IsEmpty() {
		for _, p := range nv.PreparedCert.Prepares {
			_ = r.q.AddPrepare(p)
		}
	}
	for _, fork := range nv.CommittedCerts {
		for _, cc := range fork {
			for _, c := range cc.Commits {
				_ = r.q.AddCommit(c)
			}
		}
	}
	if !nv.StableCheckpoint.IsEmpty() {
		for _, cp := range nv.StableCheckpoint.Checkpoints {
			_ = r.cp.AddCheckpoint(cp)
		}
	}

	r.currentView = nv.View
	r.v.Prune(nv.View)
	r.state = PreparedState{}
	r.persistSnapshot()
}

// onTimer escalates a stalled view-change: if the replica has been waiting
// longer than ViewChangeTimeout for its requested view to land, it moves to
// the next view and re-broadcasts.
func (r *Replica) onTimer(now time.Time) {
	changing, ok := r.state.(ViewChangingState)
	if !ok || r.cfg.ViewChangeTimeout <= 0 {
		return
	}
	if now.Sub(r.lastVCAt) < r.cfg.ViewChangeTimeout {
		return
	}
	r.startViewChange(changing.TargetView + 1)
}

func (r *Replica) persistSnapshot() {
	if err := r.store.SavePpcm(r.q.Snapshot()); err != nil {
		r.log.WithError(err).Warn("persist ppcm snapshot")
	}
	if err := r.store.SaveCheckpoints(r.cp.Snapshot()); err != nil {
		r.log.WithError(err).Warn("persist checkpoint snapshot")
	}
	if err := r.store.SaveView(r.currentView); err != nil {
		r.log.WithError(err).Warn("persist view")
	}
}
