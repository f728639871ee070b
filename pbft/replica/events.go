package replica

import (
	"time"

	"github.com/tolelom/tolchain/pbft/message"
)

// Event is anything the replica's single-goroutine loop can consume. The
// chain's block-production path and the network gateway both submit events
// through Submit, which never blocks the caller.
type Event interface {
	isEvent()
}

// BlockProduced is submitted by the PoA production path whenever a new
// block lands on the local chain, prompting the replica to prepare it.
type BlockProduced struct {
	BlockID  message.BlockID
	BlockNum int64
}

func (BlockProduced) isEvent() {}

// PrepareReceived wraps an inbound Prepare off the wire.
type PrepareReceived struct{ Prepare message.Prepare }

func (PrepareReceived) isEvent() {}

// CommitReceived wraps an inbound Commit off the wire.
type CommitReceived struct{ Commit message.Commit }

func (CommitReceived) isEvent() {}

// CheckpointReceived wraps an inbound Checkpoint off the wire.
type CheckpointReceived struct{ Checkpoint message.Checkpoint }

func (CheckpointReceived) isEvent() {}

// ViewChangeReceived wraps an inbound ViewChange off the wire.
type ViewChangeReceived struct{ ViewChange message.ViewChange }

func (ViewChangeReceived) isEvent() {}

// NewViewReceived wraps an inbound NewView off the wire.
type NewViewReceived struct{ NewView message.NewView }

func (NewViewReceived) isEvent() {}

// Timer is submitted periodically by the caller's ticker so the replica can
// notice a stalled view-change and escalate.
type Timer struct{ Now time.Time }

func (Timer) isEvent() {}
