package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/callwire/callwire/internal/quality"
	"github.com/callwire/callwire/internal/reconnect"
	"github.com/callwire/callwire/internal/rtc"
	"github.com/callwire/callwire/internal/signal"
)

type event interface{}

type startResult struct {
	callID string
	err    error
}

type toggleResult struct {
	on  bool
	err error
}

type (
	cmdStart struct {
		ctx      context.Context
		calleeID string
		callType signal.CallType
		reply    chan startResult
	}
	cmdAccept struct {
		ctx    context.Context
		callID string
		reply  chan error
	}
	cmdReject struct {
		ctx    context.Context
		callID string
		reply  chan error
	}
	cmdEnd struct {
		ctx   context.Context
		reply chan error
	}
	cmdToggle struct {
		video bool
		reply chan toggleResult
	}
	cmdForceReconnect struct{}

	evRecord struct {
		rec *signal.CallRecord
	}
	evTransport struct {
		gen   uint64
		state rtc.ConnState
	}
	evRemoteTrack struct {
		gen   uint64
		track *webrtc.TrackRemote
	}
	evReconExhausted struct {
		gen uint64
	}
)

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			s.handle(ev)
			s.publishSnapshot()
		}
	}
}

func (s *Session) handle(ev event) {
	switch ev := ev.(type) {
	case cmdStart:
		id, err := s.handleStart(ev)
		ev.reply <- startResult{callID: id, err: err}
	case cmdAccept:
		ev.reply <- s.handleAccept(ev)
	case cmdReject:
		ev.reply <- s.handleReject(ev)
	case cmdEnd:
		ev.reply <- s.handleEnd(ev)
	case cmdToggle:
		on, err := s.handleToggle(ev)
		ev.reply <- toggleResult{on: on, err: err}
	case cmdForceReconnect:
		if s.st.recon != nil {
			go s.st.recon.ForceRetry()
		}
	case evRecord:
		s.handleRecord(ev.rec)
	case evTransport:
		s.handleTransport(ev)
	case evRemoteTrack:
		if ev.gen == s.st.gen && s.st.status != StatusIdle && s.cb.OnRemoteTrack != nil {
			s.cb.OnRemoteTrack(ev.track)
		}
	case evReconExhausted:
		s.handleReconExhausted(ev)
	}
}

// postAsync delivers events from transport/controller/subscription
// goroutines without blocking a closed session.
func (s *Session) postAsync(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// setup builds the transport, reconnection controller, and quality monitor
// for one call. Bumps the generation so async events from any prior call are
// dead on arrival.
func (s *Session) setup(rec *signal.CallRecord, isCaller bool) error {
	s.st.gen++
	gen := s.st.gen

	peer, err := s.factory(rec.ID, rec.Type, func(state rtc.ConnState) {
		s.postAsync(evTransport{gen: gen, state: state})
	}, func(track *webrtc.TrackRemote) {
		s.postAsync(evRemoteTrack{gen: gen, track: track})
	})
	if err != nil {
		return err
	}

	s.st.peer = peer
	s.st.callID = rec.ID
	s.st.remoteID = rec.Other(s.selfID)
	s.st.callType = rec.Type
	s.st.isCaller = isCaller
	s.st.isMuted = false
	s.st.isVideoOff = false
	s.st.appliedOffer = ""
	s.st.appliedAnswer = ""

	s.st.recon = reconnect.New(rec.ID, peer, s.cfg.Reconnect, reconnect.Callbacks{
		OnReconnecting: s.cb.OnReconnecting,
		OnReconnected:  s.cb.OnReconnected,
		OnExhausted: func() {
			if s.cb.OnReconnectFailed != nil {
				s.cb.OnReconnectFailed()
			}
			s.postAsync(evReconExhausted{gen: gen})
		},
	})

	s.st.mon = quality.New(peer, s.cfg.QualityInterval, s.cb.OnQuality)
	s.st.mon.Start()

	if s.cb.OnLocalStream != nil {
		if tracks := peer.LocalTracks(); len(tracks) > 0 {
			s.cb.OnLocalStream(tracks)
		}
	}
	return nil
}

// subscribe attaches to the shared record and forwards snapshots onto the
// event loop until the call tears down.
func (s *Session) subscribe(callID string) error {
	ch, cancel, err := s.ch.Subscribe(callID)
	if err != nil {
		return err
	}
	s.st.unsub = cancel
	go func() {
		for rec := range ch {
			s.postAsync(evRecord{rec: rec})
		}
	}()
	return nil
}

func (s *Session) handleStart(ev cmdStart) (string, error) {
	if s.st.status != StatusIdle {
		return "", ErrBusy
	}

	rec, err := s.ch.CreateCall(ev.ctx, s.selfID, ev.calleeID, ev.callType)
	if err != nil {
		return "", fmt.Errorf("create call record: %w", err)
	}

	if err := s.setup(rec, true); err != nil {
		s.markEnded(ev.ctx, rec.ID)
		return "", err
	}
	s.st.status = StatusCalling
	log.Printf("SESSION [%s]: calling %s (%s)", rec.ID, ev.calleeID, ev.callType)

	if err := s.st.peer.CreateOfferAndPublish(ev.ctx); err != nil {
		s.markEnded(ev.ctx, rec.ID)
		s.cleanup()
		return "", err
	}
	s.st.status = StatusRinging

	if err := s.subscribe(rec.ID); err != nil {
		s.markEnded(ev.ctx, rec.ID)
		s.cleanup()
		return "", err
	}
	return rec.ID, nil
}

func (s *Session) handleAccept(ev cmdAccept) error {
	if s.st.status != StatusIdle {
		return ErrBusy
	}

	rec, err := s.ch.GetCall(ev.ctx, ev.callID)
	if err != nil {
		return fmt.Errorf("load call record: %w", err)
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("session: call %s already %s", rec.ID, rec.Status)
	}
	if rec.Offer == "" {
		return errors.New("session: call has no offer yet")
	}

	if err := s.setup(rec, false); err != nil {
		return err
	}
	s.st.status = StatusConnecting
	log.Printf("SESSION [%s]: accepting from %s (%s)", rec.ID, s.st.remoteID, rec.Type)

	if err := s.st.peer.AcceptRemoteOfferAndAnswer(ev.ctx, rec.Offer); err != nil {
		s.cleanup()
		return err
	}
	s.st.appliedOffer = rec.Offer

	// Candidates the caller queued before we accepted.
	for _, c := range rec.Candidates {
		s.st.peer.ApplyCandidate(c)
	}

	if err := s.subscribe(rec.ID); err != nil {
		s.markEnded(ev.ctx, rec.ID)
		s.cleanup()
		return err
	}
	return nil
}

func (s *Session) handleReject(ev cmdReject) error {
	if ev.callID == s.st.callID && s.st.status != StatusIdle {
		if s.st.status == StatusActive {
			return errors.New("session: cannot reject an active call")
		}
		rejected := signal.StatusRejected
		now := time.Now()
		if err := s.ch.UpdateCall(ev.ctx, ev.callID, signal.Patch{Status: &rejected, EndedAt: &now}); err != nil && !errors.Is(err, signal.ErrConflict) {
			log.Printf("SESSION [%s]: mark rejected: %v", ev.callID, err)
		}
		s.finish(ReasonRejected)
		if s.cb.OnCallEnded != nil {
			s.cb.OnCallEnded(ReasonRejected)
		}
		return nil
	}

	// A call that never occupied this slot (declined without accepting).
	rejected := signal.StatusRejected
	now := time.Now()
	err := s.ch.UpdateCall(ev.ctx, ev.callID, signal.Patch{Status: &rejected, EndedAt: &now})
	if errors.Is(err, signal.ErrConflict) {
		return nil // already terminal on the record
	}
	return err
}

func (s *Session) handleEnd(ev cmdEnd) error {
	if s.st.status == StatusIdle {
		return nil
	}
	s.markEnded(ev.ctx, s.st.callID)
	s.finish(ReasonHangup)
	if s.cb.OnCallEnded != nil {
		s.cb.OnCallEnded(ReasonHangup)
	}
	return nil
}

func (s *Session) handleToggle(ev cmdToggle) (bool, error) {
	if s.st.peer == nil {
		return false, ErrNoCall
	}
	if ev.video {
		s.st.isVideoOff = !s.st.isVideoOff
		s.st.peer.SetVideoEnabled(!s.st.isVideoOff)
		return s.st.isVideoOff, nil
	}
	s.st.isMuted = !s.st.isMuted
	s.st.peer.SetAudioEnabled(!s.st.isMuted)
	return s.st.isMuted, nil
}

// handleRecord folds one snapshot of the shared record into local state.
// Snapshots are at-least-once and may overlap; everything here re-derives
// idempotently.
func (s *Session) handleRecord(rec *signal.CallRecord) {
	if s.st.status == StatusIdle || rec.ID != s.st.callID {
		return
	}

	switch rec.Status {
	case signal.StatusRejected:
		log.Printf("SESSION [%s]: remote rejected", rec.ID)
		s.finish(ReasonRemoteRejected)
		if s.cb.OnCallRejected != nil {
			s.cb.OnCallRejected()
		}
		return
	case signal.StatusEnded:
		log.Printf("SESSION [%s]: remote ended", rec.ID)
		s.finish(ReasonRemoteEnded)
		if s.cb.OnCallEnded != nil {
			s.cb.OnCallEnded(ReasonRemoteEnded)
		}
		return
	}

	// Caller side: the callee's answer. Applied exactly once per
	// negotiation round; duplicate snapshots replaying it are no-ops.
	if s.st.isCaller && rec.Answer != "" && rec.Answer != s.st.appliedAnswer {
		if err := s.st.peer.ApplyRemoteAnswer(rec.Answer); err != nil {
			log.Printf("SESSION [%s]: apply answer: %v", rec.ID, err)
		} else {
			first := s.st.appliedAnswer == ""
			s.st.appliedAnswer = rec.Answer
			if s.st.status == StatusRinging {
				s.st.status = StatusConnecting
			}
			if first && s.cb.OnCallAccepted != nil {
				s.cb.OnCallAccepted()
			}
		}
	}

	// Callee side: a changed offer on an active call is an ICE restart;
	// answer it in place without touching the call lifecycle.
	if !s.st.isCaller && rec.Offer != "" && rec.Offer != s.st.appliedOffer && s.st.status == StatusActive {
		log.Printf("SESSION [%s]: answering ICE restart offer", rec.ID)
		if err := s.st.peer.AcceptRemoteOfferAndAnswer(context.Background(), rec.Offer); err != nil {
			log.Printf("SESSION [%s]: answer restart offer: %v", rec.ID, err)
		} else {
			s.st.appliedOffer = rec.Offer
		}
	}

	// Re-scan the full candidate list every time; the transport de-dupes by
	// value, so replayed and overlapping snapshots apply each candidate once.
	for _, c := range rec.Candidates {
		s.st.peer.ApplyCandidate(c)
	}
}

func (s *Session) handleTransport(ev evTransport) {
	if ev.gen != s.st.gen || s.st.status == StatusIdle {
		return // stale: a previous call's transport checking in
	}

	switch ev.state {
	case rtc.StateConnected:
		switch s.st.status {
		case StatusRinging, StatusConnecting:
			s.st.status = StatusActive
			log.Printf("SESSION [%s]: active", s.st.callID)
		case StatusActive:
		default:
			return
		}
		s.st.recon.OnConnected()

	case rtc.StateDisconnected:
		if s.st.status == StatusActive {
			s.st.recon.OnDisconnected()
		}

	case rtc.StateFailed:
		if s.st.status == StatusActive {
			// Restart publication can block on the channel; keep the loop
			// responsive.
			go s.st.recon.OnFailed()
			return
		}
		// Failure before the call ever connected is not recoverable by an
		// ICE restart; surface it as a failed call.
		log.Printf("SESSION [%s]: transport failed before connect", s.st.callID)
		s.markEnded(context.Background(), s.st.callID)
		s.finish(ReasonConnectFailed)
		if s.cb.OnCallEnded != nil {
			s.cb.OnCallEnded(ReasonConnectFailed)
		}
	}
}

func (s *Session) handleReconExhausted(ev evReconExhausted) {
	if ev.gen != s.st.gen || s.st.status != StatusActive {
		return
	}
	log.Printf("SESSION [%s]: reconnection exhausted, ending call", s.st.callID)
	s.markEnded(context.Background(), s.st.callID)
	s.finish(ReasonReconnectExhausted)
	if s.cb.OnCallEnded != nil {
		s.cb.OnCallEnded(ReasonReconnectExhausted)
	}
}

// markEnded moves the shared record to ended with ended_at. Best effort: a
// record already terminal (remote got there first) is fine.
func (s *Session) markEnded(ctx context.Context, callID string) {
	ended := signal.StatusEnded
	now := time.Now()
	err := s.ch.UpdateCall(ctx, callID, signal.Patch{Status: &ended, EndedAt: &now})
	if err != nil && !errors.Is(err, signal.ErrConflict) && !errors.Is(err, signal.ErrNotFound) {
		log.Printf("SESSION [%s]: mark ended: %v", callID, err)
	}
}

// finish archives the call and resets the slot to idle. Runs on every exit
// path; all resource release happens here, in cleanup.
func (s *Session) finish(reason EndReason) {
	callID := s.st.callID
	s.st.status = StatusEnded

	if s.hist != nil && callID != "" {
		if rec, err := s.ch.GetCall(context.Background(), callID); err == nil {
			if err := s.hist.Archive(rec, string(reason)); err != nil {
				log.Printf("SESSION [%s]: archive: %v", callID, err)
			}
		}
	}

	s.cleanup()
	log.Printf("SESSION [%s]: finished (%s)", callID, reason)
}

// cleanup releases every per-call resource and re-arms the slot. Idempotent;
// also invoked directly on setup failures before the call ever ran.
func (s *Session) cleanup() {
	if s.st.unsub != nil {
		s.st.unsub()
		s.st.unsub = nil
	}
	if s.st.recon != nil {
		s.st.recon.Close()
		s.st.recon = nil
	}
	if s.st.mon != nil {
		s.st.mon.Stop()
		s.st.mon = nil
	}
	if s.st.peer != nil {
		s.st.peer.Teardown()
		s.st.peer = nil
	}
	s.st.gen++ // kill any in-flight async event for this call
	s.st.status = StatusIdle
	s.st.callID = ""
	s.st.remoteID = ""
	s.st.callType = ""
	s.st.isCaller = false
	s.st.isMuted = false
	s.st.isVideoOff = false
	s.st.appliedOffer = ""
	s.st.appliedAnswer = ""
}
