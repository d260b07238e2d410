// Package session is the top-level orchestrator for one-to-one calls. A
// Session owns one call slot: it drives the call lifecycle, wires the peer
// connection manager, reconnection controller, and quality monitor together,
// and exposes the host-facing API.
//
// Every callback-driven event (signaling snapshots, transport state changes,
// reconnection outcomes) and every host command is serialized onto a single
// event-loop goroutine, so no two things ever race on call state.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/callwire/callwire/internal/history"
	"github.com/callwire/callwire/internal/quality"
	"github.com/callwire/callwire/internal/reconnect"
	"github.com/callwire/callwire/internal/signal"
)

// Status is the local call lifecycle. It may briefly diverge from the shared
// record during optimistic transitions, and unlike the record it returns to
// idle after every call.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusCalling    Status = "calling"
	StatusRinging    Status = "ringing"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusEnded      Status = "ended"
)

// EndReason tells the host why a call finished, so the UI can say something
// more specific than "call failed".
type EndReason string

const (
	ReasonHangup             EndReason = "hangup"
	ReasonRemoteEnded        EndReason = "remote-ended"
	ReasonRejected           EndReason = "rejected"
	ReasonRemoteRejected     EndReason = "remote-rejected"
	ReasonMediaDenied        EndReason = "media-denied"
	ReasonConnectFailed      EndReason = "connect-failed"
	ReasonReconnectExhausted EndReason = "reconnect-exhausted"
)

var (
	// ErrBusy is returned when a call is already in progress in this slot.
	ErrBusy = errors.New("session: call already in progress")

	// ErrNoCall is returned for operations that need an active call.
	ErrNoCall = errors.New("session: no active call")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: closed")
)

// Callbacks are the events a host application wires its UI to. All fire from
// the session's event loop; handlers must not call back into the session
// synchronously (post to your own loop instead).
type Callbacks struct {
	OnCallAccepted    func()
	OnCallRejected    func()
	OnCallEnded       func(reason EndReason)
	OnIncoming        func(*IncomingCall)
	OnLocalStream     func([]webrtc.TrackLocal)
	OnRemoteTrack     func(*webrtc.TrackRemote)
	OnReconnecting    func(attempt int)
	OnReconnected     func()
	OnReconnectFailed func()
	OnQuality         func(quality.Metrics)
}

// Config bundles the per-concern knobs a session needs.
type Config struct {
	Reconnect       reconnect.Config
	QualityInterval time.Duration
}

// Snapshot is the read-only projection for UI wiring. The track slices are
// the current local capture and every remote track received on the call.
type Snapshot struct {
	Status       Status
	CallID       string
	RemoteID     string
	Type         signal.CallType
	IsMuted      bool
	IsVideoOff   bool
	LocalTracks  []webrtc.TrackLocal
	RemoteTracks []*webrtc.TrackRemote
	Reconnect    reconnect.State
	Quality      quality.Metrics
}

// IncomingCall is handed to the OnIncoming callback when the host's wake-up
// layer reports a new call. Accept and Reject close over the session.
type IncomingCall struct {
	Record *signal.CallRecord
	Accept func() error
	Reject func() error
}

// Session owns one call slot for one endpoint.
type Session struct {
	selfID  string
	ch      signal.Channel
	factory TransportFactory
	cfg     Config
	cb      Callbacks
	hist    *history.Store // optional

	events    chan event
	done      chan struct{}
	closeOnce sync.Once

	// Actor-owned; touched only by the run loop.
	st actorState

	// Mirror of the actor state for lock-free-ish readers.
	snapMu sync.Mutex
	snap   Snapshot
}

type actorState struct {
	status     Status
	callID     string
	remoteID   string
	callType   signal.CallType
	isCaller   bool
	isMuted    bool
	isVideoOff bool

	peer  Transport
	recon *reconnect.Controller
	mon   *quality.Monitor
	unsub func()

	appliedOffer  string
	appliedAnswer string

	// gen guards against stale async events: a transport callback or timer
	// from a finished call checks in with an old generation and is dropped.
	gen uint64
}

// New creates an idle session and starts its event loop.
func New(selfID string, ch signal.Channel, factory TransportFactory, cfg Config, cb Callbacks, hist *history.Store) *Session {
	s := &Session{
		selfID:  selfID,
		ch:      ch,
		factory: factory,
		cfg:     cfg,
		cb:      cb,
		hist:    hist,
		events:  make(chan event, 64),
		done:    make(chan struct{}),
	}
	s.st.status = StatusIdle
	s.publishSnapshot()
	go s.run()
	return s
}

// StartCall creates the call record, sets up media and the peer connection,
// publishes the offer, and leaves the session ringing. Returns the new call
// ID. Setup errors (media denial, initial publish failure) propagate to the
// caller; the whole StartCall is retryable.
func (s *Session) StartCall(ctx context.Context, calleeID string, callType signal.CallType) (string, error) {
	reply := make(chan startResult, 1)
	if err := s.post(cmdStart{ctx: ctx, calleeID: calleeID, callType: callType, reply: reply}); err != nil {
		return "", err
	}
	r := <-reply
	return r.callID, r.err
}

// AcceptCall answers an incoming call by ID. The transport's own connected
// signal, not this call, is what finally makes the session active.
func (s *Session) AcceptCall(ctx context.Context, callID string) error {
	reply := make(chan error, 1)
	if err := s.post(cmdAccept{ctx: ctx, callID: callID, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// RejectCall declines a call. Valid only before the call is active. Works
// both for the current slot and for a call that was never accepted locally.
func (s *Session) RejectCall(ctx context.Context, callID string) error {
	reply := make(chan error, 1)
	if err := s.post(cmdReject{ctx: ctx, callID: callID, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// EndCall hangs up from any non-idle state: marks the record ended, tears
// down all resources, cancels reconnection. No-op when idle.
func (s *Session) EndCall(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.post(cmdEnd{ctx: ctx, reply: reply}); err != nil {
		return err
	}
	return <-reply
}

// ToggleMute flips the local audio track. Local-only: the remote side hears
// silence, no control message is exchanged. Returns the new muted state.
func (s *Session) ToggleMute() (bool, error) {
	reply := make(chan toggleResult, 1)
	if err := s.post(cmdToggle{video: false, reply: reply}); err != nil {
		return false, err
	}
	r := <-reply
	return r.on, r.err
}

// ToggleVideo flips the local video track. Returns the new video-off state.
func (s *Session) ToggleVideo() (bool, error) {
	reply := make(chan toggleResult, 1)
	if err := s.post(cmdToggle{video: true, reply: reply}); err != nil {
		return false, err
	}
	r := <-reply
	return r.on, r.err
}

// ForceReconnect is the user-initiated "retry now" control.
func (s *Session) ForceReconnect() error {
	return s.post(cmdForceReconnect{})
}

// NotifyIncoming is called by the host's wake-up layer when it learns of a
// call addressed to this endpoint. The record is loaded and handed to the
// OnIncoming callback with Accept/Reject closures.
func (s *Session) NotifyIncoming(ctx context.Context, callID string) error {
	rec, err := s.ch.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if rec.CalleeID != s.selfID {
		return errors.New("session: call is not addressed to this endpoint")
	}
	if rec.Status.Terminal() {
		return nil // caller gave up before we woke
	}
	if s.cb.OnIncoming != nil {
		s.cb.OnIncoming(&IncomingCall{
			Record: rec,
			Accept: func() error { return s.AcceptCall(context.Background(), callID) },
			Reject: func() error { return s.RejectCall(context.Background(), callID) },
		})
	}
	return nil
}

// Snapshot returns the current call, reconnection, and quality state.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.snap
}

// LocalStream returns the outbound tracks for self-view rendering. Nil when
// no call is up.
func (s *Session) LocalStream() []webrtc.TrackLocal {
	return s.Snapshot().LocalTracks
}

// RemoteStream returns the inbound tracks received on the current call.
func (s *Session) RemoteStream() []*webrtc.TrackRemote {
	return s.Snapshot().RemoteTracks
}

// Close ends any in-progress call and stops the event loop.
func (s *Session) Close() {
	reply := make(chan error, 1)
	if err := s.post(cmdEnd{ctx: context.Background(), reply: reply}); err == nil {
		<-reply
	}
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *Session) post(ev event) error {
	select {
	case <-s.done:
		return ErrClosed
	case s.events <- ev:
		return nil
	}
}

// publishSnapshot mirrors the actor state for readers. Called from the run
// loop after every state change.
func (s *Session) publishSnapshot() {
	snap := Snapshot{
		Status:     s.st.status,
		CallID:     s.st.callID,
		RemoteID:   s.st.remoteID,
		Type:       s.st.callType,
		IsMuted:    s.st.isMuted,
		IsVideoOff: s.st.isVideoOff,
	}
	if s.st.peer != nil {
		snap.LocalTracks = s.st.peer.LocalTracks()
		snap.RemoteTracks = s.st.peer.RemoteTracks()
	}
	if s.st.recon != nil {
		snap.Reconnect = s.st.recon.Snapshot()
	}
	if s.st.mon != nil {
		snap.Quality = s.st.mon.Snapshot()
	} else {
		snap.Quality = quality.Metrics{Level: quality.Unknown}
	}
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()
}
