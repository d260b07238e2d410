package rtc

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/callwire/callwire/internal/signal"
)

// newTestPeer wires a Peer around a bare receive-only peer connection so the
// negotiation paths run without capture devices or a network.
func newTestPeer(t *testing.T, ch signal.Channel, callID string) *Peer {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		t.Fatal(err)
	}
	trackCtx, trackCancel := context.WithCancel(context.Background())
	p := &Peer{
		callID:      callID,
		ch:          ch,
		pc:          pc,
		seen:        make(map[string]struct{}),
		trackCtx:    trackCtx,
		trackCancel: trackCancel,
	}
	t.Cleanup(p.Teardown)
	return p
}

// remoteOffer produces a valid offer SDP from an independent connection.
func remoteOffer(t *testing.T) string {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		t.Fatal(err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatal(err)
	}
	blob, err := json.Marshal(offer)
	if err != nil {
		t.Fatal(err)
	}
	return string(blob)
}

func candidateBlob(t *testing.T, port int) string {
	t.Helper()
	mid := "0"
	idx := uint16(0)
	blob, err := json.Marshal(webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 192.0.2.1 " + strconv.Itoa(port) + " typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
	if err != nil {
		t.Fatal(err)
	}
	return string(blob)
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	ctx := context.Background()
	ch := signal.NewMemory()
	rec, err := ch.CreateCall(ctx, "alice", "bob", signal.CallVoice)
	if err != nil {
		t.Fatal(err)
	}
	p := newTestPeer(t, ch, rec.ID)

	early1 := candidateBlob(t, 50000)
	early2 := candidateBlob(t, 50001)
	p.ApplyCandidate(early1)
	p.ApplyCandidate(early2)
	p.ApplyCandidate(early1) // duplicate before description

	p.mu.Lock()
	buffered := len(p.pending)
	p.mu.Unlock()
	if buffered != 2 {
		t.Fatalf("buffered %d candidates, want 2", buffered)
	}

	if err := p.AcceptRemoteOfferAndAnswer(ctx, remoteOffer(t)); err != nil {
		t.Fatalf("accept offer: %v", err)
	}

	p.mu.Lock()
	buffered = len(p.pending)
	p.mu.Unlock()
	if buffered != 0 {
		t.Fatalf("%d candidates still buffered after remote description", buffered)
	}

	got, err := ch.GetCall(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Answer == "" {
		t.Fatal("answer not published")
	}
	if got.Status != signal.StatusActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
	if got.StartedAt.IsZero() {
		t.Fatal("started_at not set")
	}
}

func TestDuplicateCandidateIgnored(t *testing.T) {
	ctx := context.Background()
	ch := signal.NewMemory()
	rec, err := ch.CreateCall(ctx, "alice", "bob", signal.CallVoice)
	if err != nil {
		t.Fatal(err)
	}
	p := newTestPeer(t, ch, rec.ID)
	if err := p.AcceptRemoteOfferAndAnswer(ctx, remoteOffer(t)); err != nil {
		t.Fatal(err)
	}

	blob := candidateBlob(t, 51000)
	p.ApplyCandidate(blob)
	p.ApplyCandidate(blob)
	p.ApplyCandidate(blob)

	p.mu.Lock()
	applied := len(p.seen)
	p.mu.Unlock()
	if applied != 1 {
		t.Fatalf("seen set has %d entries, want 1", applied)
	}
}

func TestOfferPublishMovesRecordToRinging(t *testing.T) {
	ctx := context.Background()
	ch := signal.NewMemory()
	rec, err := ch.CreateCall(ctx, "alice", "bob", signal.CallVoice)
	if err != nil {
		t.Fatal(err)
	}
	p := newTestPeer(t, ch, rec.ID)

	if err := p.CreateOfferAndPublish(ctx); err != nil {
		t.Fatalf("create offer: %v", err)
	}
	got, err := ch.GetCall(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Offer == "" {
		t.Fatal("offer not published")
	}
	if got.Status != signal.StatusRinging {
		t.Fatalf("status = %s, want ringing", got.Status)
	}
}

func TestDuplicateAnswerIsNoOp(t *testing.T) {
	ctx := context.Background()
	ch := signal.NewMemory()
	rec, err := ch.CreateCall(ctx, "alice", "bob", signal.CallVoice)
	if err != nil {
		t.Fatal(err)
	}
	p := newTestPeer(t, ch, rec.ID)
	if err := p.CreateOfferAndPublish(ctx); err != nil {
		t.Fatal(err)
	}

	// Answer side on an independent connection.
	got, _ := ch.GetCall(ctx, rec.ID)
	answerer, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	defer answerer.Close()
	var offer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(got.Offer), &offer); err != nil {
		t.Fatal(err)
	}
	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatal(err)
	}
	answer, err := answerer.CreateAnswer(nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := answerer.SetLocalDescription(answer); err != nil {
		t.Fatal(err)
	}
	blob, _ := json.Marshal(answer)

	if err := p.ApplyRemoteAnswer(string(blob)); err != nil {
		t.Fatalf("first answer: %v", err)
	}
	// Redelivered snapshot replays the same answer.
	if err := p.ApplyRemoteAnswer(string(blob)); err != nil {
		t.Fatalf("replayed answer: %v", err)
	}
	if p.pc.SignalingState() != webrtc.SignalingStateStable {
		t.Fatalf("signaling state = %s, want stable", p.pc.SignalingState())
	}
}

func TestStreamAccessors(t *testing.T) {
	ctx := context.Background()
	ch := signal.NewMemory()
	rec, err := ch.CreateCall(ctx, "alice", "bob", signal.CallVoice)
	if err != nil {
		t.Fatal(err)
	}
	p := newTestPeer(t, ch, rec.ID)

	mic, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "mic")
	if err != nil {
		t.Fatal(err)
	}
	p.mu.Lock()
	p.localTracks = []webrtc.TrackLocal{mic}
	p.mu.Unlock()

	local := p.LocalTracks()
	if len(local) != 1 || local[0] != webrtc.TrackLocal(mic) {
		t.Fatalf("LocalTracks = %v, want the captured mic track", local)
	}
	// The accessor hands out a copy; mutating it must not touch the peer.
	local[0] = nil
	if got := p.LocalTracks(); len(got) != 1 || got[0] == nil {
		t.Fatal("LocalTracks shares its backing array with callers")
	}

	// A track surviving renegotiation refires OnTrack; remember it once.
	remote := &webrtc.TrackRemote{}
	p.rememberRemoteTrack(remote)
	p.rememberRemoteTrack(remote)
	if got := p.RemoteTracks(); len(got) != 1 {
		t.Fatalf("remote tracks = %d, want 1", len(got))
	}

	p.Teardown()
	if got := p.LocalTracks(); len(got) != 0 {
		t.Fatalf("local tracks survived teardown: %d", len(got))
	}
	if got := p.RemoteTracks(); len(got) != 0 {
		t.Fatalf("remote tracks survived teardown: %d", len(got))
	}
}

func TestTeardownIdempotent(t *testing.T) {
	ctx := context.Background()
	ch := signal.NewMemory()
	rec, err := ch.CreateCall(ctx, "alice", "bob", signal.CallVoice)
	if err != nil {
		t.Fatal(err)
	}
	p := newTestPeer(t, ch, rec.ID)

	p.Teardown()
	p.Teardown()

	p.mu.Lock()
	released := p.closed && p.pc == nil
	p.mu.Unlock()
	if !released {
		t.Fatal("teardown did not release the peer connection")
	}

	// Late candidate after teardown is dropped, not a panic.
	p.ApplyCandidate(candidateBlob(t, 52000))
}
