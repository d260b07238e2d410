// Package signal defines the call record shared by both endpoints of a call
// and the Channel interface used to exchange it. A Channel owns no call
// logic; it is storage plus change notification. Backends live in
// subpackages (redischan, meshchan) and in memory.go for tests and the
// loopback demo.
package signal

import (
	"errors"
	"time"
)

// CallType selects the media captured for a call.
type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

// Status is the lifecycle field of the shared call record. It moves forward
// only; reconnection after a transport drop is a local concern and never
// touches this field.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRinging  Status = "ringing"
	StatusActive   Status = "active"
	StatusRejected Status = "rejected"
	StatusEnded    Status = "ended"
)

// Terminal reports whether no further status transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusEnded
}

// rank orders statuses for monotonic merge. Rejected and ended share the top
// rank; whichever lands first wins.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRinging:
		return 1
	case StatusActive:
		return 2
	case StatusRejected, StatusEnded:
		return 3
	}
	return -1
}

// CallRecord is the durable per-call record relayed through a Channel.
// Offer and Answer are opaque SDP blobs, each written once (the offer may be
// rewritten only on the ICE-restart path). Candidates is append-only; both
// peers contribute and a subscriber may observe overlapping snapshots, so
// consumers must de-duplicate by value.
type CallRecord struct {
	ID        string    `json:"id"`
	CallerID  string    `json:"caller_id"`
	CalleeID  string    `json:"callee_id"`
	Type      CallType  `json:"call_type"`
	Status    Status    `json:"status"`
	Offer     string    `json:"offer,omitempty"`
	Answer    string    `json:"answer,omitempty"`
	Candidates []string `json:"ice_candidates,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (r *CallRecord) Clone() *CallRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Candidates = append([]string(nil), r.Candidates...)
	return &cp
}

// Other returns the participant that is not selfID.
func (r *CallRecord) Other(selfID string) string {
	if r.CallerID == selfID {
		return r.CalleeID
	}
	return r.CallerID
}

// Patch is a partial update to a call record. Nil fields are left untouched.
type Patch struct {
	Status    *Status
	Offer     *string
	Answer    *string
	StartedAt *time.Time
	EndedAt   *time.Time

	// RestartOffer permits overwriting an already-set offer. This is the one
	// second write the record allows, used for ICE restarts. It opens a new
	// negotiation round: the stored answer is cleared so the remote peer can
	// answer the restart offer. A restart offer supersedes a prior one;
	// only one pending offer is ever outstanding.
	RestartOffer bool
}

var (
	// ErrNotFound is returned for an unknown call ID.
	ErrNotFound = errors.New("signal: call not found")

	// ErrConflict is returned when a patch attempts a second write to the
	// offer (outside the restart path) or the answer, or a backwards status
	// move. Callers log and drop it; the stored value is unchanged.
	ErrConflict = errors.New("signal: negotiation conflict")

	// ErrWriteFailed wraps backend transport failures on publish/update.
	ErrWriteFailed = errors.New("signal: write failed")
)

// Merge folds a peer's replica of the same call into r, filling fields r
// has not seen yet: empty negotiation blobs, zero timestamps, unknown
// candidates, and a status further along than r's. It reports whether r
// changed. Distributed backends use it to converge full-state exchanges;
// ordered mutations still go through Apply.
func (r *CallRecord) Merge(src *CallRecord) bool {
	changed := false
	if src.Status.rank() > r.Status.rank() {
		r.Status = src.Status
		changed = true
	}
	if r.Offer == "" && src.Offer != "" {
		r.Offer = src.Offer
		changed = true
	}
	if r.Answer == "" && src.Answer != "" {
		r.Answer = src.Answer
		changed = true
	}
	if r.StartedAt.IsZero() && !src.StartedAt.IsZero() {
		r.StartedAt = src.StartedAt
		changed = true
	}
	if r.EndedAt.IsZero() && !src.EndedAt.IsZero() {
		r.EndedAt = src.EndedAt
		changed = true
	}
	have := make(map[string]struct{}, len(r.Candidates))
	for _, c := range r.Candidates {
		have[c] = struct{}{}
	}
	for _, c := range src.Candidates {
		if _, ok := have[c]; !ok {
			r.Candidates = append(r.Candidates, c)
			have[c] = struct{}{}
			changed = true
		}
	}
	return changed
}

// Apply merges p into r, enforcing write-once negotiation fields and
// monotonic status. Returns ErrConflict and leaves r untouched on violation.
// Backends call this under their own store lock.
func (r *CallRecord) Apply(p Patch) error {
	if p.Offer != nil && r.Offer != "" && !p.RestartOffer {
		return ErrConflict
	}
	if p.Answer != nil && r.Answer != "" {
		return ErrConflict
	}
	if p.Status != nil && p.Status.rank() < r.Status.rank() {
		return ErrConflict
	}
	if p.Offer != nil {
		r.Offer = *p.Offer
		if p.RestartOffer {
			r.Answer = ""
		}
	}
	if p.Answer != nil {
		r.Answer = *p.Answer
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.StartedAt != nil && r.StartedAt.IsZero() {
		r.StartedAt = *p.StartedAt
	}
	if p.EndedAt != nil && r.EndedAt.IsZero() {
		r.EndedAt = *p.EndedAt
	}
	return nil
}
