package quorum

import (
	"github.com/sirupsen/logrus"

	"github.com/tolelom/tolchain/pbft/adapter"
	"github.com/tolelom/tolchain/pbft/message"
)

// CheckpointState is the accumulator record for one block's stable-
// checkpoint votes. Unlike prepares/commits, checkpoints carry no view —
// they are a view-independent finality signal, so there is no bucketing
// step: once distinct signers belonging to the schedule reach quorum, the
// checkpoint is stable.
type CheckpointState struct {
	BlockID  message.BlockID
	BlockNum int64

	Checkpoints map[string]message.Checkpoint

	Stable bool
}

func newCheckpointState(id message.BlockID, num int64) *CheckpointState {
	return &CheckpointState{
		BlockID:     id,
		BlockNum:    num,
		Checkpoints: make(map[string]message.Checkpoint),
	}
}

// CheckpointAccumulator tracks CheckpointState records and the single
// highest stable checkpoint reached so far (the LSCB never moves backward).
type CheckpointAccumulator struct {
	ca adapter.ChainAdapter

	records map[message.BlockID]*CheckpointState
	stable  *CheckpointState

	log *logrus.Entry
}

// NewCheckpointAccumulator builds a CheckpointAccumulator backed by ca.
func NewCheckpointAccumulator(ca adapter.ChainAdapter, log *logrus.Entry) *CheckpointAccumulator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &CheckpointAccumulator{
		ca:      ca,
		records: make(map[message.BlockID]*CheckpointState),
		log:     log.WithField("component", "checkpoint"),
	}
}

// AddCheckpoint validates cp and folds it into the accumulator, flipping
// Stable if quorum is now reached. A checkpoint below the current LSCB is
// stale and rejected outright.
func (a *CheckpointAccumulator) AddCheckpoint(cp message.Checkpoint) error {
	if err := cp.Verify(); err != nil {
		return err
	}
	if cp.BlockNum <= a.ca.LastStableCheckpointBlockNum() {
		return message.ErrStale
	}
	bs, ok := a.ca.FetchBlockStateByID(cp.BlockID)
	if !ok {
		return message.ErrStale
	}
	schedule := scheduleSet(a.ca.ActiveProducersAt(cp.BlockID))
	if !schedule[cp.PublicKey.Hex()] {
		return message.ErrOutOfSchedule
	}

	rec, ok := a.records[cp.BlockID]
	if !ok {
		rec = newCheckpointState(bs.ID, bs.Num)
		a.records[cp.BlockID] = rec
	}
	rec.Checkpoints[cp.PublicKey.Hex()] = cp

	signers := 0
	for pub := range rec.Checkpoints {
		if schedule[pub] {
			signers++
		}
	}
	if signers >= Quorum(len(schedule)) && !rec.Stable {
		rec.Stable = true
		if a.stable == nil || message.Less(a.stable.BlockNum, a.stable.BlockID, rec.BlockNum, rec.BlockID) {
			a.stable = rec
		}
		a.log.WithFields(logrus.Fields{"block_id": rec.BlockID.Hex(), "block_num": rec.BlockNum}).Debug("block reached stable checkpoint quorum")
	}
	return nil
}

// StableCheckpointFor builds the StableCheckpoint certificate for id, or
// reports false if id never reached quorum.
func (a *CheckpointAccumulator) StableCheckpointFor(id message.BlockID) (message.StableCheckpoint, bool) {
	rec, ok := a.records[id]
	if !ok || !rec.Stable {
		return message.StableCheckpoint{}, false
	}
	scp := message.StableCheckpoint{BlockID: id}
	for _, cp := range rec.Checkpoints {
		scp.Checkpoints = append(scp.Checkpoints, cp)
	}
	return scp, true
}

// Best returns the highest-numbered stable checkpoint reached so far.
func (a *CheckpointAccumulator) Best() (message.BlockID, int64, bool) {
	if a.stable == nil {
		return message.ZeroBlockID, 0, false
	}
	return a.stable.BlockID, a.stable.BlockNum, true
}

// Prune drops every record at or below threshold, excluding the current
// best stable record (which the replica's persistence layer still needs to
// serve as the LSCB anchor for new-view validation).
func (a *CheckpointAccumulator) Prune(threshold int64) {
	for id, rec := range a.records {
		if rec == a.stable {
			continue
		}
		if rec.BlockNum <= threshold {
			delete(a.records, id)
		}
	}
}

// Len reports how many block records are currently tracked.
func (a *CheckpointAccumulator) Len() int { return len(a.records) }

// CheckpointSnapshot is the serializable form of a CheckpointState record,
// written to and read from the persist package's pbft_checkpoints.dat file.
type CheckpointSnapshot struct {
	BlockID     message.BlockID      `json:"block_id"`
	BlockNum    int64                `json:"block_num"`
	Checkpoints []message.Checkpoint `json:"checkpoints"`
	Stable      bool                 `json:"stable"`
}

// Snapshot returns every tracked record in serializable form.
func (a *CheckpointAccumulator) Snapshot() []CheckpointSnapshot {
	out := make([]CheckpointSnapshot, 0, len(a.records))
	for _, rec := range a.records {
		snap := CheckpointSnapshot{BlockID: rec.BlockID, BlockNum: rec.BlockNum, Stable: rec.Stable}
		for _, cp := range rec.Checkpoints {
			snap.Checkpoints = append(snap.Checkpoints, cp)
		}
		out = append(out, snap)
	}
	return out
}

// Restore replaces the accumulator's contents with snaps.
func (a *CheckpointAccumulator) Restore(snaps []CheckpointSnapshot) {
	a.records = make(map[message.BlockID]*CheckpointState, len(snaps))
	a.stable = nil
	for _, snap := range snaps {
		rec := newCheckpointState(snap.BlockID, snap.BlockNum)
		rec.Stable = snap.Stable
		for _, cp := range snap.Checkpoints {
			rec.Checkpoints[cp.PublicKey.Hex()] = cp
		}
		a.records[snap.BlockID] = rec
		if rec.Stable && (a.stable == nil || message.Less(a.stable.BlockNum, a.stable.BlockID, rec.BlockNum, rec.BlockID)) {
			a.stable = rec
		}
	}
}
