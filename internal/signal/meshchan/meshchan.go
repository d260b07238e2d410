// Package meshchan implements signal.Channel over libp2p gossipsub, so two
// endpoints on the same mesh negotiate a call with no broker in between.
// Each call gets its own topic; every participant keeps a local replica of
// the record and broadcasts mutations as ops. Full-state exchange
// (syncreq/state) lets a late joiner converge, and signal.CallRecord's
// write-once and monotonic rules make replay and duplication harmless.
package meshchan

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"

	"github.com/callwire/callwire/internal/signal"
)

const topicPrefix = "callwire/call/"

// syncTimeout bounds how long GetCall waits for a peer's replica of a call
// we have not seen locally.
const syncTimeout = 3 * time.Second

// Channel is a gossipsub-backed signal.Channel. The host is shared with the
// caller and not closed here.
type Channel struct {
	h  host.Host
	ps *pubsub.PubSub

	ctx  context.Context
	stop context.CancelFunc

	mu     sync.Mutex
	calls  map[string]*signal.CallRecord
	known  map[string]chan struct{} // closed once the call's record arrives
	topics map[string]*callTopic

	subMu sync.RWMutex
	subs  map[string]map[chan *signal.CallRecord]struct{}
}

type callTopic struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription
}

var _ signal.Channel = (*Channel)(nil)

// New attaches a gossipsub router to h and returns a ready Channel.
func New(h host.Host) (*Channel, error) {
	ctx, stop := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		stop()
		return nil, fmt.Errorf("meshchan: gossipsub: %w", err)
	}
	return &Channel{
		h:      h,
		ps:     ps,
		ctx:    ctx,
		stop:   stop,
		calls:  make(map[string]*signal.CallRecord),
		known:  make(map[string]chan struct{}),
		topics: make(map[string]*callTopic),
		subs:   make(map[string]map[chan *signal.CallRecord]struct{}),
	}, nil
}

// Close tears down all topic subscriptions and subscriber channels. The
// libp2p host stays up.
func (c *Channel) Close() error {
	c.stop()

	c.mu.Lock()
	for id, ct := range c.topics {
		ct.sub.Cancel()
		_ = ct.topic.Close()
		delete(c.topics, id)
	}
	c.mu.Unlock()

	c.subMu.Lock()
	for _, set := range c.subs {
		for ch := range set {
			close(ch)
		}
	}
	c.subs = make(map[string]map[chan *signal.CallRecord]struct{})
	c.subMu.Unlock()
	return nil
}

func (c *Channel) CreateCall(ctx context.Context, callerID, calleeID string, t signal.CallType) (*signal.CallRecord, error) {
	rec := &signal.CallRecord{
		ID:        uuid.NewString(),
		CallerID:  callerID,
		CalleeID:  calleeID,
		Type:      t,
		Status:    signal.StatusPending,
		CreatedAt: time.Now(),
	}
	if _, err := c.joinCall(rec.ID); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.calls[rec.ID] = rec.Clone()
	c.markKnownLocked(rec.ID)
	c.mu.Unlock()

	if err := c.broadcast(ctx, rec.ID, wireMsg{Op: opCreate, Record: rec}); err != nil {
		return nil, err
	}
	c.notify(rec.ID)
	return rec, nil
}

func (c *Channel) GetCall(ctx context.Context, callID string) (*signal.CallRecord, error) {
	c.mu.Lock()
	if rec, ok := c.calls[callID]; ok {
		snap := rec.Clone()
		c.mu.Unlock()
		return snap, nil
	}
	arrived, ok := c.known[callID]
	if !ok {
		arrived = make(chan struct{})
		c.known[callID] = arrived
	}
	c.mu.Unlock()

	// Unknown call: join the topic and ask the mesh for its state.
	if _, err := c.joinCall(callID); err != nil {
		return nil, err
	}
	_ = c.broadcast(ctx, callID, wireMsg{Op: opSyncReq})

	select {
	case <-arrived:
	case <-time.After(syncTimeout):
		return nil, signal.ErrNotFound
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, signal.ErrNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.calls[callID]; ok {
		return rec.Clone(), nil
	}
	return nil, signal.ErrNotFound
}

func (c *Channel) UpdateCall(ctx context.Context, callID string, p signal.Patch) error {
	c.mu.Lock()
	rec, ok := c.calls[callID]
	if !ok {
		c.mu.Unlock()
		return signal.ErrNotFound
	}
	err := rec.Apply(p)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if err := c.broadcast(ctx, callID, wireMsg{Op: opPatch, Patch: toWirePatch(p)}); err != nil {
		return err
	}
	c.notify(callID)
	return nil
}

func (c *Channel) AppendCandidate(ctx context.Context, callID, candidate string) error {
	c.mu.Lock()
	rec, ok := c.calls[callID]
	if ok {
		rec.Candidates = append(rec.Candidates, candidate)
	}
	c.mu.Unlock()
	if !ok {
		return signal.ErrNotFound
	}
	if err := c.broadcast(ctx, callID, wireMsg{Op: opCandidate, Candidate: candidate}); err != nil {
		return err
	}
	c.notify(callID)
	return nil
}

func (c *Channel) Subscribe(callID string) (<-chan *signal.CallRecord, func(), error) {
	if _, err := c.joinCall(callID); err != nil {
		return nil, nil, err
	}

	ch := make(chan *signal.CallRecord, 16)

	c.subMu.Lock()
	set, ok := c.subs[callID]
	if !ok {
		set = make(map[chan *signal.CallRecord]struct{})
		c.subs[callID] = set
	}
	set[ch] = struct{}{}
	c.subMu.Unlock()

	cancel := func() {
		c.subMu.Lock()
		if set, ok := c.subs[callID]; ok {
			if _, live := set[ch]; live {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(c.subs, callID)
			}
		}
		c.subMu.Unlock()
	}

	c.mu.Lock()
	var snap *signal.CallRecord
	if rec, ok := c.calls[callID]; ok {
		snap = rec.Clone()
	}
	c.mu.Unlock()
	if snap != nil {
		ch <- snap
	}

	return ch, cancel, nil
}

// joinCall joins the per-call topic once and starts its read loop.
func (c *Channel) joinCall(callID string) (*callTopic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ct, ok := c.topics[callID]; ok {
		return ct, nil
	}

	topic, err := c.ps.Join(topicPrefix + callID)
	if err != nil {
		return nil, fmt.Errorf("meshchan: join %s: %w", callID, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return nil, fmt.Errorf("meshchan: subscribe %s: %w", callID, err)
	}
	ct := &callTopic{topic: topic, sub: sub}
	c.topics[callID] = ct

	go c.readLoop(callID, sub)
	return ct, nil
}

func (c *Channel) readLoop(callID string, sub *pubsub.Subscription) {
	for {
		m, err := sub.Next(c.ctx)
		if err != nil {
			return
		}
		if m.ReceivedFrom == c.h.ID() {
			continue
		}
		var msg wireMsg
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			mlog.Debugf("call %s: bad message from %s: %v", callID, m.ReceivedFrom, err)
			continue
		}
		c.handleOp(callID, msg)
	}
}

func (c *Channel) handleOp(callID string, msg wireMsg) {
	switch msg.Op {
	case opCreate, opState:
		if msg.Record == nil || msg.Record.ID != callID {
			return
		}
		c.adoptRecord(callID, msg.Record)

	case opPatch:
		if msg.Patch == nil {
			return
		}
		c.mu.Lock()
		rec, ok := c.calls[callID]
		var err error
		if ok {
			err = rec.Apply(msg.Patch.toPatch())
		}
		c.mu.Unlock()
		if !ok {
			// Patch for a call we never saw: ask for the full state.
			_ = c.broadcast(c.ctx, callID, wireMsg{Op: opSyncReq})
			return
		}
		if err != nil {
			// Replayed or already-merged mutation; the replica already holds it.
			return
		}
		c.notify(callID)

	case opCandidate:
		if msg.Candidate == "" {
			return
		}
		c.mu.Lock()
		rec, ok := c.calls[callID]
		if ok {
			// Gossip can redeliver; keep the replica free of echoes. Both
			// peers still legitimately contribute distinct candidates.
			if !contains(rec.Candidates, msg.Candidate) {
				rec.Candidates = append(rec.Candidates, msg.Candidate)
			}
		}
		c.mu.Unlock()
		if ok {
			c.notify(callID)
		}

	case opSyncReq:
		c.mu.Lock()
		var snap *signal.CallRecord
		if rec, ok := c.calls[callID]; ok {
			snap = rec.Clone()
		}
		c.mu.Unlock()
		if snap != nil {
			_ = c.broadcast(c.ctx, callID, wireMsg{Op: opState, Record: snap})
		}
	}
}

// adoptRecord installs or merges a peer's replica.
func (c *Channel) adoptRecord(callID string, remote *signal.CallRecord) {
	c.mu.Lock()
	rec, ok := c.calls[callID]
	changed := false
	if !ok {
		c.calls[callID] = remote.Clone()
		c.markKnownLocked(callID)
		changed = true
	} else {
		changed = rec.Merge(remote)
	}
	c.mu.Unlock()
	if changed {
		c.notify(callID)
	}
}

// markKnownLocked releases any GetCall waiting for this record. Caller holds mu.
func (c *Channel) markKnownLocked(callID string) {
	if arrived, ok := c.known[callID]; ok {
		close(arrived)
		delete(c.known, callID)
	}
}

func (c *Channel) broadcast(ctx context.Context, callID string, msg wireMsg) error {
	msg.From = c.h.ID().String()
	msg.CallID = callID
	b, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("%w: %v", signal.ErrWriteFailed, err)
	}
	ct, err := c.joinCall(callID)
	if err != nil {
		return fmt.Errorf("%w: %v", signal.ErrWriteFailed, err)
	}
	if err := ct.topic.Publish(ctx, b); err != nil {
		return fmt.Errorf("%w: %v", signal.ErrWriteFailed, err)
	}
	return nil
}

func (c *Channel) notify(callID string) {
	c.mu.Lock()
	var snap *signal.CallRecord
	if rec, ok := c.calls[callID]; ok {
		snap = rec.Clone()
	}
	c.mu.Unlock()
	if snap == nil {
		return
	}

	c.subMu.RLock()
	for ch := range c.subs[callID] {
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
	c.subMu.RUnlock()
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
