package meshchan

import (
	"time"

	"github.com/callwire/callwire/internal/signal"
)

// Message ops carried on a call topic. Every node keeps a local replica of
// the record; ops mutate the replica and state/syncreq exchange full
// replicas so a late joiner converges.
const (
	opCreate    = "create"
	opPatch     = "patch"
	opCandidate = "candidate"
	opSyncReq   = "syncreq"
	opState     = "state"
)

type wireMsg struct {
	Op        string             `json:"op"`
	From      string             `json:"from"`
	CallID    string             `json:"call_id"`
	Record    *signal.CallRecord `json:"record,omitempty"`
	Patch     *wirePatch         `json:"patch,omitempty"`
	Candidate string             `json:"candidate,omitempty"`
}

type wirePatch struct {
	Status       *signal.Status `json:"status,omitempty"`
	Offer        *string        `json:"offer,omitempty"`
	Answer       *string        `json:"answer,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
	RestartOffer bool           `json:"restart_offer,omitempty"`
}

func toWirePatch(p signal.Patch) *wirePatch {
	return &wirePatch{
		Status:       p.Status,
		Offer:        p.Offer,
		Answer:       p.Answer,
		StartedAt:    p.StartedAt,
		EndedAt:      p.EndedAt,
		RestartOffer: p.RestartOffer,
	}
}

func (w *wirePatch) toPatch() signal.Patch {
	return signal.Patch{
		Status:       w.Status,
		Offer:        w.Offer,
		Answer:       w.Answer,
		StartedAt:    w.StartedAt,
		EndedAt:      w.EndedAt,
		RestartOffer: w.RestartOffer,
	}
}
