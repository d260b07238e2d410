package signal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Channel. It backs the loopback demo and the test
// suites; both endpoints of a call share one instance.
type Memory struct {
	mu    sync.RWMutex
	calls map[string]*CallRecord

	subMu sync.RWMutex
	subs  map[string]map[chan *CallRecord]struct{} // callID -> listener set
}

// NewMemory creates an empty in-memory channel.
func NewMemory() *Memory {
	return &Memory{
		calls: make(map[string]*CallRecord),
		subs:  make(map[string]map[chan *CallRecord]struct{}),
	}
}

func (m *Memory) CreateCall(_ context.Context, callerID, calleeID string, t CallType) (*CallRecord, error) {
	rec := &CallRecord{
		ID:        uuid.NewString(),
		CallerID:  callerID,
		CalleeID:  calleeID,
		Type:      t,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	m.mu.Lock()
	m.calls[rec.ID] = rec
	m.mu.Unlock()

	m.notify(rec.ID)
	return rec.Clone(), nil
}

func (m *Memory) GetCall(_ context.Context, callID string) (*CallRecord, error) {
	m.mu.RLock()
	rec, ok := m.calls[callID]
	var snap *CallRecord
	if ok {
		snap = rec.Clone()
	}
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return snap, nil
}

func (m *Memory) UpdateCall(_ context.Context, callID string, p Patch) error {
	m.mu.Lock()
	rec, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	err := rec.Apply(p)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.notify(callID)
	return nil
}

func (m *Memory) AppendCandidate(_ context.Context, callID, candidate string) error {
	m.mu.Lock()
	rec, ok := m.calls[callID]
	if ok {
		rec.Candidates = append(rec.Candidates, candidate)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	m.notify(callID)
	return nil
}

func (m *Memory) Subscribe(callID string) (<-chan *CallRecord, func(), error) {
	ch := make(chan *CallRecord, 16)

	m.subMu.Lock()
	set, ok := m.subs[callID]
	if !ok {
		set = make(map[chan *CallRecord]struct{})
		m.subs[callID] = set
	}
	set[ch] = struct{}{}
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		if set, ok := m.subs[callID]; ok {
			if _, live := set[ch]; live {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(m.subs, callID)
			}
		}
		m.subMu.Unlock()
	}

	// Deliver the current state immediately so a late subscriber does not
	// miss mutations that happened before it attached.
	m.mu.RLock()
	rec, ok := m.calls[callID]
	var snap *CallRecord
	if ok {
		snap = rec.Clone()
	}
	m.mu.RUnlock()
	if snap != nil {
		ch <- snap
	}

	return ch, cancel, nil
}

// notify fans a fresh snapshot out to every subscriber of callID. A full
// buffer sheds the oldest snapshot so a slow consumer still converges on the
// latest state.
func (m *Memory) notify(callID string) {
	m.mu.RLock()
	rec, ok := m.calls[callID]
	var snap *CallRecord
	if ok {
		snap = rec.Clone()
	}
	m.mu.RUnlock()
	if snap == nil {
		return
	}

	m.subMu.RLock()
	for ch := range m.subs[callID] {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
	m.subMu.RUnlock()
}
