// Package quorum implements the per-block QuorumAccumulator (prepares and
// commits) and the per-block CheckpointAccumulator. Both decide when a
// block crosses a Byzantine quorum threshold; the QuorumAccumulator adds
// the view-bucketing rule that keeps votes from different views from
// combining.
package quorum

// Quorum returns the number of distinct schedule members required to prove
// a block prepared/committed out of a schedule of size n: floor(2n/3)+1.
func Quorum(n int) int {
	if n <= 0 {
		return 1
	}
	return n*2/3 + 1
}

// WakeupThreshold returns the "f+1" count used by the view-change wake-up
// rule: floor(n/3)+1.
func WakeupThreshold(n int) int {
	if n <= 0 {
		return 1
	}
	return n/3 + 1
}
