// Package rtc owns local media capture and the single Pion peer connection
// for the lifetime of one call. It publishes negotiation artifacts through a
// signal.Channel and surfaces transport state upward; it never decides to
// reconnect itself.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/callwire/callwire/internal/signal"
)

// ErrMediaAccessDenied is returned by Setup when local capture cannot be
// opened at all. Fatal to the call attempt; never retried automatically.
var ErrMediaAccessDenied = errors.New("rtc: media access denied")

// ConnState is the transport health surfaced to the session and the
// reconnection controller.
type ConnState string

const (
	StateNew          ConnState = "new"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateFailed       ConnState = "failed"
	StateClosed       ConnState = "closed"
)

func connState(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	}
	return StateNew
}

// Config carries the transport knobs a Peer needs.
type Config struct {
	// ICEServers must list at least two independent STUN resolvers so a
	// single resolver outage cannot break candidate harvesting.
	ICEServers []string
}

// DefaultICEServers is used when the config lists none.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Callbacks are invoked from Pion's goroutines; receivers must hand off to
// their own serialization context.
type Callbacks struct {
	OnStateChange func(ConnState)
	OnRemoteTrack func(*webrtc.TrackRemote)
}

// Peer is the peer-connection manager for one call.
type Peer struct {
	callID string
	ch     signal.Channel

	mu           sync.Mutex
	pc           *webrtc.PeerConnection
	closeMedia   func()
	audio        *sender
	video        *sender
	localTracks  []webrtc.TrackLocal
	remoteTracks []*webrtc.TrackRemote
	pending      []string            // candidates that arrived before the remote description
	seen         map[string]struct{} // candidate blobs already applied (value identity)
	answered     bool
	closed       bool

	trackCancel context.CancelFunc
	trackCtx    context.Context
}

type sender struct {
	rtpSender *webrtc.RTPSender
	track     webrtc.TrackLocal
	enabled   bool
}

// Setup acquires local media for the call type, constructs the peer
// connection, and registers candidate, state, and track callbacks. The
// returned Peer owns every resource it opened; Teardown releases them on all
// exit paths.
func Setup(callID string, callType signal.CallType, cfg Config, ch signal.Channel, cb Callbacks) (p *Peer, err error) {
	servers := cfg.ICEServers
	if len(servers) == 0 {
		servers = DefaultICEServers
	}

	m, err := initMedia(callID, callType, servers)
	if err != nil {
		return nil, err
	}

	trackCtx, trackCancel := context.WithCancel(context.Background())
	p = &Peer{
		callID:      callID,
		ch:          ch,
		pc:          m.pc,
		closeMedia:  m.close,
		seen:        make(map[string]struct{}),
		trackCtx:    trackCtx,
		trackCancel: trackCancel,
	}
	if m.audioSender != nil {
		p.audio = &sender{rtpSender: m.audioSender, track: m.audioTrack, enabled: true}
		p.localTracks = append(p.localTracks, m.audioTrack)
	}
	if m.videoSender != nil {
		p.video = &sender{rtpSender: m.videoSender, track: m.videoTrack, enabled: true}
		p.localTracks = append(p.localTracks, m.videoTrack)
	}

	// Candidate harvesting: every discovered candidate is appended to the
	// shared record. A nil candidate marks the end of gathering.
	m.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		blob, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		if err := ch.AppendCandidate(context.Background(), callID, string(blob)); err != nil {
			log.Printf("RTC [%s]: publish candidate: %v", callID, err)
		}
	})

	m.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Printf("RTC [%s]: connection state %s", callID, s)
		if cb.OnStateChange != nil {
			cb.OnStateChange(connState(s))
		}
	})

	m.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("RTC [%s]: remote track %s (%s)", callID, track.ID(), track.Kind())
		p.rememberRemoteTrack(track)
		p.serviceRemoteTrack(track)
		if cb.OnRemoteTrack != nil {
			cb.OnRemoteTrack(track)
		}
	})

	return p, nil
}

// CreateOfferAndPublish generates the local offer, commits it, publishes it,
// and moves the shared record to ringing.
func (p *Peer) CreateOfferAndPublish(ctx context.Context) error {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return errors.New("rtc: peer closed")
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	blob, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("encode offer: %w", err)
	}

	ringing := signal.StatusRinging
	offerStr := string(blob)
	if err := p.ch.UpdateCall(ctx, p.callID, signal.Patch{Offer: &offerStr, Status: &ringing}); err != nil {
		return fmt.Errorf("%w: publish offer: %v", signal.ErrWriteFailed, err)
	}
	log.Printf("RTC [%s]: offer published", p.callID)
	return nil
}

// AcceptRemoteOfferAndAnswer applies the remote offer, generates and commits
// an answer, publishes it, and moves the record to active with started_at.
func (p *Peer) AcceptRemoteOfferAndAnswer(ctx context.Context, offerBlob string) error {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return errors.New("rtc: peer closed")
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(offerBlob), &offer); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	p.flushPending()

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	blob, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}

	active := signal.StatusActive
	now := time.Now()
	answerStr := string(blob)
	patch := signal.Patch{Answer: &answerStr, Status: &active, StartedAt: &now}
	if err := p.ch.UpdateCall(ctx, p.callID, patch); err != nil {
		return fmt.Errorf("%w: publish answer: %v", signal.ErrWriteFailed, err)
	}
	log.Printf("RTC [%s]: answer published", p.callID)
	return nil
}

// ApplyRemoteAnswer applies an incoming answer exactly once. Duplicate
// notifications replay the same answer; the second application is a no-op.
func (p *Peer) ApplyRemoteAnswer(answerBlob string) error {
	p.mu.Lock()
	if p.answered || p.pc == nil {
		p.mu.Unlock()
		return nil
	}
	p.answered = true
	pc := p.pc
	p.mu.Unlock()

	var answer webrtc.SessionDescription
	if err := json.Unmarshal([]byte(answerBlob), &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		p.mu.Lock()
		p.answered = false
		p.mu.Unlock()
		return fmt.Errorf("set remote answer: %w", err)
	}
	p.flushPending()
	log.Printf("RTC [%s]: remote answer applied", p.callID)
	return nil
}

// ApplyCandidate applies one ICE candidate. Candidate delivery is
// at-least-once and unordered relative to description application, so
// duplicates are swallowed and early arrivals are buffered until the remote
// description lands.
func (p *Peer) ApplyCandidate(blob string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if _, dup := p.seen[blob]; dup {
		p.mu.Unlock()
		return
	}
	p.seen[blob] = struct{}{}
	pc := p.pc
	if pc.RemoteDescription() == nil {
		p.pending = append(p.pending, blob)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.addCandidate(pc, blob)
}

// flushPending applies candidates buffered before the remote description.
func (p *Peer) flushPending() {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return
	}
	for _, blob := range pending {
		p.addCandidate(pc, blob)
	}
}

func (p *Peer) addCandidate(pc *webrtc.PeerConnection, blob string) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(blob), &init); err != nil {
		log.Printf("RTC [%s]: bad candidate blob: %v", p.callID, err)
		return
	}
	if err := pc.AddICECandidate(init); err != nil {
		// Unknown or stale candidates are expected with at-least-once
		// delivery; never fatal.
		log.Printf("RTC [%s]: add candidate: %v", p.callID, err)
	}
}

// RestartICE generates a new offer with the ICE-restart flag, commits it,
// and publishes it over the stored offer. This is the one permitted second
// write to the offer field.
func (p *Peer) RestartICE(ctx context.Context) error {
	p.mu.Lock()
	pc := p.pc
	p.answered = false
	p.mu.Unlock()
	if pc == nil {
		return errors.New("rtc: peer closed")
	}

	offer, err := pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return fmt.Errorf("create restart offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set restart offer: %w", err)
	}
	blob, err := json.Marshal(offer)
	if err != nil {
		return fmt.Errorf("encode restart offer: %w", err)
	}
	offerStr := string(blob)
	if err := p.ch.UpdateCall(ctx, p.callID, signal.Patch{Offer: &offerStr, RestartOffer: true}); err != nil {
		return fmt.Errorf("%w: publish restart offer: %v", signal.ErrWriteFailed, err)
	}
	log.Printf("RTC [%s]: ICE restart offer published", p.callID)
	return nil
}

// LocalTracks returns the captured outbound tracks so a host UI can render a
// self-view. Empty on platforms without capture and after Teardown.
func (p *Peer) LocalTracks() []webrtc.TrackLocal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.TrackLocal(nil), p.localTracks...)
}

// RemoteTracks returns every inbound track received so far on this
// connection.
func (p *Peer) RemoteTracks() []*webrtc.TrackRemote {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), p.remoteTracks...)
}

// rememberRemoteTrack records an inbound track once. OnTrack can refire for
// a track that survives renegotiation.
func (p *Peer) rememberRemoteTrack(track *webrtc.TrackRemote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for _, t := range p.remoteTracks {
		if t == track {
			return
		}
	}
	p.remoteTracks = append(p.remoteTracks, track)
}

// SetAudioEnabled mutes or unmutes the outbound audio track by swapping the
// RTP sender's track. Purely local; the remote side hears silence.
func (p *Peer) SetAudioEnabled(enabled bool) {
	p.setSender(p.audio, enabled, "audio")
}

// SetVideoEnabled blanks or restores the outbound video track.
func (p *Peer) SetVideoEnabled(enabled bool) {
	p.setSender(p.video, enabled, "video")
}

func (p *Peer) setSender(s *sender, enabled bool, kind string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s == nil || p.closed || s.enabled == enabled {
		return
	}
	var track webrtc.TrackLocal
	if enabled {
		track = s.track
	}
	if err := s.rtpSender.ReplaceTrack(track); err != nil {
		log.Printf("RTC [%s]: toggle %s: %v", p.callID, kind, err)
		return
	}
	s.enabled = enabled
	log.Printf("RTC [%s]: %s enabled=%v", p.callID, kind, enabled)
}

// Teardown stops local media, closes the peer connection, and releases all
// callback registrations. Safe to call any number of times; every exit path
// of the session runs it.
func (p *Peer) Teardown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	pc := p.pc
	p.pc = nil
	closeMedia := p.closeMedia
	p.closeMedia = nil
	p.pending = nil
	p.localTracks = nil
	p.remoteTracks = nil
	p.mu.Unlock()

	p.trackCancel()
	if closeMedia != nil {
		closeMedia()
	}
	if pc != nil {
		pc.OnICECandidate(nil)
		pc.OnConnectionStateChange(nil)
		pc.OnTrack(nil)
		if err := pc.Close(); err != nil {
			log.Printf("RTC [%s]: close: %v", p.callID, err)
		}
	}
	log.Printf("RTC [%s]: torn down", p.callID)
}
