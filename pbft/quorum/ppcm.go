package quorum

import (
	"github.com/sirupsen/logrus"

	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/pbft/adapter"
	"github.com/tolelom/tolchain/pbft/message"
)

// voteKey identifies one signer's vote within one view, so a replica that
// re-sends the same vote (or re-broadcasts a cached one) never counts twice.
type voteKey struct {
	view uint64
	pub  string
}

// PpcmState is the accumulator record for a single block: every Prepare and
// Commit seen for it, bucketed by view, plus the two settled predicates.
// Named after the EOSIO ppcm ("prepare/pre-prepare/commit") table this
// design descends from.
type PpcmState struct {
	BlockID  message.BlockID
	BlockNum int64

	Prepares map[voteKey]message.Prepare
	Commits  map[voteKey]message.Commit

	ShouldPrepared  bool
	ShouldCommitted bool
}

func newPpcmState(id message.BlockID, num int64) *PpcmState {
	return &PpcmState{
		BlockID:  id,
		BlockNum: num,
		Prepares: make(map[voteKey]message.Prepare),
		Commits:  make(map[voteKey]message.Commit),
	}
}

func scheduleSet(schedule []crypto.PublicKey) map[string]bool {
	set := make(map[string]bool, len(schedule))
	for _, pub := range schedule {
		set[pub.Hex()] = true
	}
	return set
}

// viewTally counts, among keys whose signer is in schedule, how many
// distinct signers voted in each view.
func viewTally(schedule map[string]bool, keys map[voteKey]bool) map[uint64]int {
	seen := make(map[uint64]map[string]bool)
	for k := range keys {
		if !schedule[k.pub] {
			continue
		}
		s, ok := seen[k.view]
		if !ok {
			s = make(map[string]bool)
			seen[k.view] = s
		}
		s[k.pub] = true
	}
	tally := make(map[uint64]int, len(seen))
	for view, signers := range seen {
		tally[view] = len(signers)
	}
	return tally
}

func anyViewReachesQuorum(tally map[uint64]int, quorum int) bool {
	for _, count := range tally {
		if count >= quorum {
			return true
		}
	}
	return false
}

// QuorumAccumulator tracks PpcmState records for every block between LIB and
// head, deciding should_prepared/should_committed per the view-bucketed
// quorum rule: votes from different views never combine toward the same
// threshold. A vote added against block B is also propagated to every
// ancestor of B down to (excluding) LIB, since preparing/committing B
// implicitly endorses the branch it extends.
type QuorumAccumulator struct {
	ca adapter.ChainAdapter

	records map[message.BlockID]*PpcmState

	bestPrepared  *PpcmState
	bestCommitted *PpcmState

	log *logrus.Entry
}

// New builds a QuorumAccumulator backed by ca.
func New(ca adapter.ChainAdapter, log *logrus.Entry) *QuorumAccumulator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &QuorumAccumulator{
		ca:      ca,
		records: make(map[message.BlockID]*PpcmState),
		log:     log.WithField("component", "quorum"),
	}
}

func (q *QuorumAccumulator) recordFor(bs *adapter.BlockState) *PpcmState {
	r, ok := q.records[bs.ID]
	if !ok {
		r = newPpcmState(bs.ID, bs.Num)
		q.records[bs.ID] = r
	}
	return r
}

// AddPrepare validates p and, if accepted, folds it into the accumulator and
// walks p's ancestor chain down to LIB applying the same vote, flipping
// should_prepared on any record (this block or an ancestor) that crosses
// quorum within a single view. Returns the validated error classification
// (message.ErrMalformed, message.ErrStale, message.ErrOutOfSchedule) on
// rejection.
func (q *QuorumAccumulator) AddPrepare(p message.Prepare) error {
	if err := p.Verify(); err != nil {
		return err
	}
	if p.BlockNum <= q.ca.LastStableCheckpointBlockNum() {
		return message.ErrStale
	}
	top, ok := q.ca.FetchBlockStateByID(p.BlockID)
	if !ok {
		return message.ErrStale
	}
	topSchedule := scheduleSet(q.ca.ActiveProducersAt(p.BlockID))
	if !topSchedule[p.PublicKey.Hex()] {
		return message.ErrOutOfSchedule
	}

	lib := q.ca.LastIrreversibleBlockNum()
	key := voteKey{view: p.View, pub: p.PublicKey.Hex()}

	cur := top
	for cur != nil && cur.Num > lib {
		rec := q.recordFor(cur)
		if rec.ShouldPrepared {
			break
		}
		if _, dup := rec.Prepares[key]; !dup {
			rec.Prepares[key] = p
		}

		schedule := scheduleSet(q.ca.ActiveProducersAt(cur.ID))
		keys := make(map[voteKey]bool, len(rec.Prepares))
		for k := range rec.Prepares {
			keys[k] = true
		}
		if anyViewReachesQuorum(viewTally(schedule, keys), Quorum(len(schedule))) {
			rec.ShouldPrepared = true
			q.ca.SetPbftPrepared(rec.BlockID)
			if q.bestPrepared == nil || message.Less(q.bestPrepared.BlockNum, q.bestPrepared.BlockID, rec.BlockNum, rec.BlockID) {
				q.bestPrepared = rec
			}
			q.log.WithFields(logrus.Fields{"block_id": rec.BlockID.Hex(), "block_num": rec.BlockNum}).Debug("block reached prepared quorum")
		}

		if !cur.HasPrev {
			break
		}
		next, ok := q.ca.FetchBlockStateByID(cur.PrevID)
		if !ok {
			break
		}
		cur = next
	}
	return nil
}

// AddCommit is AddPrepare's mirror for Commit votes.
func (q *QuorumAccumulator) AddCommit(c message.Commit) error {
	if err := c.Verify(); err != nil {
		return err
	}
	if c.BlockNum <= q.ca.LastStableCheckpointBlockNum() {
		return message.ErrStale
	}
	top, ok := q.ca.FetchBlockStateByID(c.BlockID)
	if !ok {
		return message.ErrStale
	}
	topSchedule := scheduleSet(q.ca.ActiveProducersAt(c.BlockID))
	if !topSchedule[c.PublicKey.Hex()] {
		return message.ErrOutOfSchedule
	}

	lib := q.ca.LastIrreversibleBlockNum()
	key := voteKey{view: c.View, pub: c.PublicKey.Hex()}

	cur := top
	for cur != nil && cur.Num > lib {
		rec := q.recordFor(cur)
		if rec.ShouldCommitted {
			break
		}
		if _, dup := rec.Commits[key]; !dup {
			rec.Commits[key] = c
		}

		schedule := scheduleSet(q.ca.ActiveProducersAt(cur.ID))
		keys := make(map[voteKey]bool, len(rec.Commits))
		for k := range rec.Commits {
			keys[k] = true
		}
		if anyViewReachesQuorum(viewTally(schedule, keys), Quorum(len(schedule))) {
			rec.ShouldCommitted = true
			if q.bestCommitted == nil || message.Less(q.bestCommitted.BlockNum, q.bestCommitted.BlockID, rec.BlockNum, rec.BlockID) {
				q.bestCommitted = rec
			}
			q.log.WithFields(logrus.Fields{"block_id": rec.BlockID.Hex(), "block_num": rec.BlockNum}).Debug("block reached committed quorum")
		}

		if !cur.HasPrev {
			break
		}
		next, ok := q.ca.FetchBlockStateByID(cur.PrevID)
		if !ok {
			break
		}
		cur = next
	}
	return nil
}

// ShouldPrepared reports whether any block above LIB is currently prepared,
// subject to watermark (when active, the highest prepared block must be at
// or below watermark). Returns the block id/num of the highest such block.
func (q *QuorumAccumulator) ShouldPrepared(watermark int64, watermarkActive bool) (message.BlockID, int64, bool) {
	return q.bestSettled(q.bestPrepared, watermark, watermarkActive)
}

// ShouldCommitted is ShouldPrepared's mirror for the committed predicate.
func (q *QuorumAccumulator) ShouldCommitted(watermark int64, watermarkActive bool) (message.BlockID, int64, bool) {
	return q.bestSettled(q.bestCommitted, watermark, watermarkActive)
}

func (q *QuorumAccumulator) bestSettled(best *PpcmState, watermark int64, watermarkActive bool) (message.BlockID, int64, bool) {
	if best == nil {
		return message.ZeroBlockID, 0, false
	}
	if best.BlockNum <= q.ca.LastIrreversibleBlockNum() {
		return message.ZeroBlockID, 0, false
	}
	if watermarkActive && best.BlockNum > watermark {
		return message.ZeroBlockID, 0, false
	}
	return best.BlockID, best.BlockNum, true
}

// PreparedCertificateFor builds the PreparedCertificate for id from the
// accumulated Prepare votes within the single view that crossed quorum, or
// reports false if id has no settled record.
func (q *QuorumAccumulator) PreparedCertificateFor(id message.BlockID) (message.PreparedCertificate, bool) {
	rec, ok := q.records[id]
	if !ok || !rec.ShouldPrepared {
		return message.PreparedCertificate{}, false
	}
	view, ok := q.winningView(rec.Prepares, id)
	if !ok {
		return message.PreparedCertificate{}, false
	}
	cert := message.PreparedCertificate{BlockID: id}
	for k, p := range rec.Prepares {
		if k.view == view {
			cert.Prepares = append(cert.Prepares, p)
		}
	}
	return cert, true
}

// CommittedCertificateFor is PreparedCertificateFor's mirror for commits.
func (q *QuorumAccumulator) CommittedCertificateFor(id message.BlockID) (message.CommittedCertificate, bool) {
	rec, ok := q.records[id]
	if !ok || !rec.ShouldCommitted {
		return message.CommittedCertificate{}, false
	}
	keys := make(map[voteKey]bool, len(rec.Commits))
	for k := range rec.Commits {
		keys[k] = true
	}
	schedule := scheduleSet(q.ca.ActiveProducersAt(id))
	tally := viewTally(schedule, keys)
	quorum := Quorum(len(schedule))
	var view uint64
	var found bool
	for v, count := range tally {
		if count >= quorum {
			view, found = v, true
			break
		}
	}
	if !found {
		return message.CommittedCertificate{}, false
	}
	cert := message.CommittedCertificate{BlockID: id}
	for k, c := range rec.Commits {
		if k.view == view {
			cert.Commits = append(cert.Commits, c)
		}
	}
	return cert, true
}

func (q *QuorumAccumulator) winningView(votes map[voteKey]message.Prepare, id message.BlockID) (uint64, bool) {
	keys := make(map[voteKey]bool, len(votes))
	for k := range votes {
		keys[k] = true
	}
	schedule := scheduleSet(q.ca.ActiveProducersAt(id))
	tally := viewTally(schedule, keys)
	quorum := Quorum(len(schedule))
	for v, count := range tally {
		if count >= quorum {
			return v, true
		}
	}
	return 0, false
}

// Prune drops every record at or below threshold — called after the LSCB
// advances, since those blocks can no longer be re-validated or re-queried.
// If the pruned set included the current bestPrepared/bestCommitted record,
// the accumulator rescans its remaining records once to find the new best.
func (q *QuorumAccumulator) Prune(threshold int64) {
	prunedBest := false
	for id, rec := range q.records {
		if rec.BlockNum > threshold {
			continue
		}
		if rec == q.bestPrepared || rec == q.bestCommitted {
			prunedBest = true
		}
		delete(q.records, id)
	}
	if !prunedBest {
		return
	}
	q.bestPrepared, q.bestCommitted = nil, nil
	for _, rec := range q.records {
		if rec.ShouldPrepared && (q.bestPrepared == nil || message.Less(q.bestPrepared.BlockNum, q.bestPrepared.BlockID, rec.BlockNum, rec.BlockID)) {
			q.bestPrepared = rec
		}
		if rec.ShouldCommitted && (q.bestCommitted == nil || message.Less(q.bestCommitted.BlockNum, q.bestCommitted.BlockID, rec.BlockNum, rec.BlockID)) {
			q.bestCommitted = rec
		}
	}
}

// Len reports how many block records are currently tracked. Exposed for
// tests.
func (q *QuorumAccumulator) Len() int { return len(q.records) }

// PpcmSnapshot is the serializable form of a PpcmState record, written to
// and read from the persist package's pbft_ppcm.dat file.
type PpcmSnapshot struct {
	BlockID         message.BlockID   `json:"block_id"`
	BlockNum        int64             `json:"block_num"`
	Prepares        []message.Prepare `json:"prepares"`
	Commits         []message.Commit `json:"commits"`
	ShouldPrepared  bool              `json:"should_prepared"`
	ShouldCommitted bool              `json:"should_committed"`
}

// Snapshot returns every tracked record in serializable form.
func (q *QuorumAccumulator) Snapshot() []PpcmSnapshot {
	out := make([]PpcmSnapshot, 0, len(q.records))
	for _, rec := range q.records {
		snap := PpcmSnapshot{
			BlockID:         rec.BlockID,
			BlockNum:        rec.BlockNum,
			ShouldPrepared:  rec.ShouldPrepared,
			ShouldCommitted: rec.ShouldCommitted,
		}
		for _, p := range rec.Prepares {
			snap.Prepares = append(snap.Prepares, p)
		}
		for _, c := range rec.Commits {
			snap.Commits = append(snap.Commits, c)
		}
		out = append(out, snap)
	}
	return out
}

// Restore replaces the accumulator's contents with snaps, re-deriving the
// vote-key indexes and the bestPrepared/bestCommitted pointers. Used on
// startup to resume from a prior snapshot instead of re-deriving everything
// from network replay.
func (q *QuorumAccumulator) Restore(snaps []PpcmSnapshot) {
	q.records = make(map[message.BlockID]*PpcmState, len(snaps))
	q.bestPrepared, q.bestCommitted = nil, nil
	for _, snap := range snaps {
		rec := newPpcmState(snap.BlockID, snap.BlockNum)
		rec.ShouldPrepared = snap.ShouldPrepared
		rec.ShouldCommitted = snap.ShouldCommitted
		for _, p := range snap.Prepares {
			rec.Prepares[voteKey{view: p.View, pub: p.PublicKey.Hex()}] = p
		}
		for _, c := range snap.Commits {
			rec.Commits[voteKey{view: c.View, pub: c.PublicKey.Hex()}] = c
		}
		q.records[snap.BlockID] = rec
		if rec.ShouldPrepared && (q.bestPrepared == nil || message.Less(q.bestPrepared.BlockNum, q.bestPrepared.BlockID, rec.BlockNum, rec.BlockID)) {
			q.bestPrepared = rec
		}
		if rec.ShouldCommitted && (q.bestCommitted == nil || message.Less(q.bestCommitted.BlockNum, q.bestCommitted.BlockID, rec.BlockNum, rec.BlockID)) {
			q.bestCommitted = rec
		}
	}
}
