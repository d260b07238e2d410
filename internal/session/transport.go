package session

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/callwire/callwire/internal/quality"
	"github.com/callwire/callwire/internal/rtc"
	"github.com/callwire/callwire/internal/signal"
)

// Transport is the slice of the peer connection manager a session drives.
// rtc.Peer is the production implementation; tests substitute a fake so the
// state machine can be exercised without media hardware.
type Transport interface {
	CreateOfferAndPublish(ctx context.Context) error
	AcceptRemoteOfferAndAnswer(ctx context.Context, offer string) error
	ApplyRemoteAnswer(answer string) error
	ApplyCandidate(candidate string)
	RestartICE(ctx context.Context) error
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	LocalTracks() []webrtc.TrackLocal
	RemoteTracks() []*webrtc.TrackRemote
	Sample() (quality.Sample, error)
	Teardown()
}

// TransportFactory builds the transport for one call. onState and onTrack
// are invoked from the transport's own goroutines; the session posts them
// onto its event loop.
type TransportFactory func(callID string, callType signal.CallType, onState func(rtc.ConnState), onTrack func(*webrtc.TrackRemote)) (Transport, error)

// PionTransport is the default factory, wiring rtc.Setup against ch.
func PionTransport(cfg rtc.Config, ch signal.Channel) TransportFactory {
	return func(callID string, callType signal.CallType, onState func(rtc.ConnState), onTrack func(*webrtc.TrackRemote)) (Transport, error) {
		return rtc.Setup(callID, callType, cfg, ch, rtc.Callbacks{
			OnStateChange: onState,
			OnRemoteTrack: onTrack,
		})
	}
}
