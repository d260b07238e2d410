package meshchan

import (
	"context"
	"testing"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/callwire/callwire/internal/signal"
)

// newMeshPair builds two gossipsub channels on in-process hosts connected
// directly over loopback, no mDNS involved.
func newMeshPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	ha := newLoopbackHost(t)
	hb := newLoopbackHost(t)
	connectHosts(t, ha, hb)
	return newChannel(t, ha), newChannel(t, hb)
}

func newLoopbackHost(t *testing.T) host.Host {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func newChannel(t *testing.T, h host.Host) *Channel {
	t.Helper()
	c, err := New(h)
	if err != nil {
		t.Fatalf("new channel: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func connectHosts(t *testing.T, a, b host.Host) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.Connect(ctx, peer.AddrInfo{ID: a.ID(), Addrs: a.Addrs()}); err != nil {
		t.Fatalf("connect hosts: %v", err)
	}
}

// tryGet asks the mesh for a record with a short deadline. A miss is fine;
// every attempt re-broadcasts a sync request, so polling it rides out mesh
// formation.
func tryGet(c *Channel, callID string) *signal.CallRecord {
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	rec, err := c.GetCall(ctx, callID)
	if err != nil {
		return nil
	}
	return rec
}

func waitMesh(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMeshOpsPropagate(t *testing.T) {
	ctx := context.Background()
	a, b := newMeshPair(t)

	rec, err := a.CreateCall(ctx, "alice", "bob", signal.CallVoice)
	if err != nil {
		t.Fatalf("create call: %v", err)
	}

	// b has never seen the call; it converges through syncreq/state.
	waitMesh(t, "callee replica", func() bool { return tryGet(b, rec.ID) != nil })

	ringing := signal.StatusRinging
	offer := "offer-sdp"
	if err := a.UpdateCall(ctx, rec.ID, signal.Patch{Offer: &offer, Status: &ringing}); err != nil {
		t.Fatalf("publish offer: %v", err)
	}
	waitMesh(t, "offer on callee replica", func() bool {
		got := tryGet(b, rec.ID)
		return got != nil && got.Offer == offer && got.Status == signal.StatusRinging
	})

	// Candidates flow both ways and land exactly once per value.
	if err := a.AppendCandidate(ctx, rec.ID, "cand-a1"); err != nil {
		t.Fatal(err)
	}
	if err := a.AppendCandidate(ctx, rec.ID, "cand-a2"); err != nil {
		t.Fatal(err)
	}
	if err := b.AppendCandidate(ctx, rec.ID, "cand-b1"); err != nil {
		t.Fatal(err)
	}
	waitMesh(t, "candidates converge", func() bool {
		ra, rb := tryGet(a, rec.ID), tryGet(b, rec.ID)
		return ra != nil && rb != nil && len(ra.Candidates) == 3 && len(rb.Candidates) == 3
	})

	// The callee's answer reaches the caller.
	active := signal.StatusActive
	answer := "answer-sdp"
	now := time.Now()
	if err := b.UpdateCall(ctx, rec.ID, signal.Patch{Answer: &answer, Status: &active, StartedAt: &now}); err != nil {
		t.Fatalf("publish answer: %v", err)
	}
	waitMesh(t, "answer on caller replica", func() bool {
		got := tryGet(a, rec.ID)
		return got != nil && got.Answer == answer && got.Status == signal.StatusActive
	})

	// A subscriber on a converged replica gets its snapshot immediately.
	ch, cancel, err := b.Subscribe(rec.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()
	select {
	case snap := <-ch:
		if snap.Answer != answer {
			t.Fatalf("initial snapshot answer = %q, want %q", snap.Answer, answer)
		}
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot delivered")
	}
}

func TestMeshLateJoinerConverges(t *testing.T) {
	ctx := context.Background()
	ha := newLoopbackHost(t)
	a := newChannel(t, ha)

	rec, err := a.CreateCall(ctx, "alice", "bob", signal.CallVideo)
	if err != nil {
		t.Fatal(err)
	}
	ringing := signal.StatusRinging
	offer := "offer-sdp"
	if err := a.UpdateCall(ctx, rec.ID, signal.Patch{Offer: &offer, Status: &ringing}); err != nil {
		t.Fatal(err)
	}
	if err := a.AppendCandidate(ctx, rec.ID, "cand-1"); err != nil {
		t.Fatal(err)
	}

	// A node that joins after all of that must still pull the full record.
	hc := newLoopbackHost(t)
	connectHosts(t, ha, hc)
	c := newChannel(t, hc)

	waitMesh(t, "late joiner pulls full state", func() bool {
		got := tryGet(c, rec.ID)
		return got != nil &&
			got.Offer == offer &&
			got.Status == signal.StatusRinging &&
			got.CallerID == "alice" &&
			len(got.Candidates) == 1
	})
}

// newLocalReplica builds a channel with no router attached, for driving
// handleOp directly on ops that never broadcast.
func newLocalReplica(t *testing.T) *Channel {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	t.Cleanup(stop)
	return &Channel{
		ctx:    ctx,
		stop:   stop,
		calls:  make(map[string]*signal.CallRecord),
		known:  make(map[string]chan struct{}),
		topics: make(map[string]*callTopic),
		subs:   make(map[string]map[chan *signal.CallRecord]struct{}),
	}
}

func TestReplayedWireOpsAreIdempotent(t *testing.T) {
	c := newLocalReplica(t)
	rec := &signal.CallRecord{
		ID:        "call-1",
		CallerID:  "alice",
		CalleeID:  "bob",
		Type:      signal.CallVoice,
		Status:    signal.StatusPending,
		CreatedAt: time.Now(),
	}

	// Gossip redelivers the create; one replica results.
	c.handleOp("call-1", wireMsg{Op: opCreate, Record: rec})
	c.handleOp("call-1", wireMsg{Op: opCreate, Record: rec})
	if len(c.calls) != 1 {
		t.Fatalf("replicas = %d, want 1", len(c.calls))
	}

	ringing := signal.StatusRinging
	offer := "offer-sdp"
	patch := &wirePatch{Status: &ringing, Offer: &offer}
	c.handleOp("call-1", wireMsg{Op: opPatch, Patch: patch})
	c.handleOp("call-1", wireMsg{Op: opPatch, Patch: patch})

	got := c.calls["call-1"]
	if got.Offer != offer || got.Status != signal.StatusRinging {
		t.Fatalf("replica after replayed patch = %+v", got)
	}

	for i := 0; i < 3; i++ {
		c.handleOp("call-1", wireMsg{Op: opCandidate, Candidate: "cand-1"})
	}
	c.handleOp("call-1", wireMsg{Op: opCandidate, Candidate: "cand-2"})
	if n := len(got.Candidates); n != 2 {
		t.Fatalf("candidates after replay = %d, want 2", n)
	}

	// A full-state echo carrying what we already hold changes nothing.
	snap := got.Clone()
	c.handleOp("call-1", wireMsg{Op: opState, Record: snap})
	if got.Offer != offer || len(got.Candidates) != 2 {
		t.Fatalf("state echo mutated the replica: %+v", got)
	}
}

func TestStaleStateDoesNotRegressReplica(t *testing.T) {
	c := newLocalReplica(t)
	now := time.Now()
	c.handleOp("call-1", wireMsg{Op: opCreate, Record: &signal.CallRecord{
		ID:        "call-1",
		CallerID:  "alice",
		CalleeID:  "bob",
		Type:      signal.CallVoice,
		Status:    signal.StatusActive,
		Offer:     "offer-sdp",
		Answer:    "answer-sdp",
		CreatedAt: now,
		StartedAt: now,
	}})

	// A peer that missed the answer echoes its older view.
	c.handleOp("call-1", wireMsg{Op: opState, Record: &signal.CallRecord{
		ID:        "call-1",
		CallerID:  "alice",
		CalleeID:  "bob",
		Type:      signal.CallVoice,
		Status:    signal.StatusRinging,
		Offer:     "offer-sdp",
		CreatedAt: now,
	}})

	got := c.calls["call-1"]
	if got.Status != signal.StatusActive {
		t.Fatalf("status regressed to %s", got.Status)
	}
	if got.Answer != "answer-sdp" || got.StartedAt.IsZero() {
		t.Fatalf("stale state wiped progress: %+v", got)
	}

	// The fuller view wins in the other direction too.
	c.handleOp("call-2", wireMsg{Op: opCreate, Record: &signal.CallRecord{
		ID: "call-2", CallerID: "alice", CalleeID: "bob",
		Type: signal.CallVoice, Status: signal.StatusRinging,
		Offer: "offer-sdp", CreatedAt: now,
	}})
	c.handleOp("call-2", wireMsg{Op: opState, Record: &signal.CallRecord{
		ID: "call-2", CallerID: "alice", CalleeID: "bob",
		Type: signal.CallVoice, Status: signal.StatusActive,
		Offer: "offer-sdp", Answer: "answer-sdp",
		CreatedAt: now, StartedAt: now,
	}})
	if got := c.calls["call-2"]; got.Status != signal.StatusActive || got.Answer == "" {
		t.Fatalf("fuller state not merged: %+v", got)
	}
}
