package replica

import "sync/atomic"

// Metrics is a set of plain counters exposing the replica's activity to
// whatever scrapes cmd/node's existing status surface. Nothing in this
// repository's dependency set (or the wider pack) offers a metrics client
// wired to a transport the node already exposes, so these stay int64
// counters rather than reaching for an external metrics library.
type Metrics struct {
	PreparesReceived    int64
	CommitsReceived     int64
	CheckpointsReceived int64
	ViewChangesReceived int64
	NewViewsAccepted    int64
	NewViewsRejected    int64
	BlocksPrepared      int64
	BlocksCommitted     int64
	ViewChangesStarted  int64
	EventsDropped       int64
}

func (m *Metrics) incPreparesReceived()    { atomic.AddInt64(&m.PreparesReceived, 1) }
func (m *Metrics) incCommitsReceived()     { atomic.AddInt64(&m.CommitsReceived, 1) }
func (m *Metrics) incCheckpointsReceived() { atomic.AddInt64(&m.CheckpointsReceived, 1) }
func (m *Metrics) incViewChangesReceived() { atomic.AddInt64(&m.ViewChangesReceived, 1) }
func (m *Metrics) incNewViewsAccepted()    { atomic.AddInt64(&m.NewViewsAccepted, 1) }
func (m *Metrics) incNewViewsRejected()    { atomic.AddInt64(&m.NewViewsRejected, 1) }
func (m *Metrics) incBlocksPrepared()      { atomic.AddInt64(&m.BlocksPrepared, 1) }
func (m *Metrics) incBlocksCommitted()     { atomic.AddInt64(&m.BlocksCommitted, 1) }
func (m *Metrics) incViewChangesStarted()  { atomic.AddInt64(&m.ViewChangesStarted, 1) }
func (m *Metrics) incEventsDropped()       { atomic.AddInt64(&m.EventsDropped, 1) }
