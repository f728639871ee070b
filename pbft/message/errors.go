package message

import "errors"

// Error taxonomy. Every rejection the engine produces internally classifies
// as exactly one of these; none of them is ever surfaced to the network
// (see the engine's error handling design) — they exist so the local
// replica and its tests can distinguish drop reasons.
var (
	// ErrMalformed covers a bad signature, bad digest, or wrong signer-key
	// role.
	ErrMalformed = errors.New("pbft: malformed message")
	// ErrStale covers block_num <= LSCB or a duplicate signer/view/block
	// tuple.
	ErrStale = errors.New("pbft: stale message")
	// ErrOutOfSchedule covers a signer absent from the relevant active
	// producer schedule.
	ErrOutOfSchedule = errors.New("pbft: signer not in active schedule")
)

// Clause identifies which NewViewValidator rule rejected a NewView.
type Clause int

const (
	_ Clause = iota
	ClausePrimarySignature
	ClauseViewChangedView
	ClauseViewChangeSignatures
	ClauseViewChangeQuorum
	ClauseLocalReadiness
	ClausePreparedMismatch
	ClauseCommittedMismatch
	ClauseStableCheckpointMismatch
)

func (c Clause) String() string {
	switch c {
	case ClausePrimarySignature:
		return "primary signature invalid"
	case ClauseViewChangedView:
		return "view_changed_cert.view or a view_change target does not match new_view.view"
	case ClauseViewChangeSignatures:
		return "a view_change in the certificate is individually invalid"
	case ClauseViewChangeQuorum:
		return "view_change signer intersection with schedule below quorum"
	case ClauseLocalReadiness:
		return "should_new_view does not hold locally"
	case ClausePreparedMismatch:
		return "new_view.prepared_cert does not match reconstructed evidence"
	case ClauseCommittedMismatch:
		return "new_view.committed_certs does not match reconstructed evidence"
	case ClauseStableCheckpointMismatch:
		return "new_view.stable_checkpoint does not match reconstructed evidence"
	default:
		return "unknown clause"
	}
}

// ValidationError is returned by NewViewValidator when a NewView fails one
// of the §4.5 clauses. No partial state is retained when this error is
// returned — the caller must discard nv entirely.
type ValidationError struct {
	Clause Clause
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return "pbft: new_view rejected: " + e.Clause.String()
	}
	return "pbft: new_view rejected: " + e.Clause.String() + ": " + e.Reason
}

// NewValidationError builds a ValidationError for the given clause.
func NewValidationError(c Clause, reason string) *ValidationError {
	return &ValidationError{Clause: c, Reason: reason}
}
