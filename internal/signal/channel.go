package signal

import "context"

// Channel is the out-of-band relay two endpoints use to negotiate a call.
// Implementations must deliver every mutation to subscribers as a full
// snapshot of the record; delivery is at-least-once and snapshots from
// concurrent appends may overlap, so consumers re-derive their actions
// idempotently instead of assuming exactly-once deltas.
type Channel interface {
	// CreateCall allocates a new call record in status pending and returns it.
	CreateCall(ctx context.Context, callerID, calleeID string, t CallType) (*CallRecord, error)

	// GetCall returns a snapshot of the record.
	GetCall(ctx context.Context, callID string) (*CallRecord, error)

	// UpdateCall applies a partial update. Write-once fields and monotonic
	// status are enforced; violations return ErrConflict without mutating
	// the stored record.
	UpdateCall(ctx context.Context, callID string, p Patch) error

	// AppendCandidate appends one ICE candidate blob. The stored sequence
	// never shrinks; duplicates from both peers may coexist.
	AppendCandidate(ctx context.Context, callID, candidate string) error

	// Subscribe delivers record snapshots on ch until cancel is called.
	// The channel is buffered; a slow consumer drops intermediate snapshots
	// but always eventually observes the latest state.
	Subscribe(callID string) (ch <-chan *CallRecord, cancel func(), err error)
}
