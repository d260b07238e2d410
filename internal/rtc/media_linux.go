//go:build linux && cgo

package rtc

import (
	"fmt"
	"log"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/callwire/callwire/internal/signal"
)

// media bundles the peer connection with the local capture resources that
// must be released together on teardown.
type media struct {
	pc    *webrtc.PeerConnection
	close func()

	audioSender *webrtc.RTPSender
	audioTrack  webrtc.TrackLocal
	videoSender *webrtc.RTPSender
	videoTrack  webrtc.TrackLocal
}

// initMedia captures local mic (and camera for video calls) via
// pion/mediadevices and builds the peer connection around the captured
// tracks. Capture failure on every attempt is ErrMediaAccessDenied, fatal
// to the call attempt.
func initMedia(callID string, callType signal.CallType, iceServers []string) (*media, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts: the default 5 s disconnectedTimeout fires on
	// brief NAT rebinds that the reconnection controller's grace delay is
	// meant to absorb, not Pion itself.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	servers := make([]webrtc.ICEServer, 0, len(iceServers))
	for _, u := range iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}

	// Capture with graceful narrowing: a busy camera must not prevent an
	// audio-only fallback on a video call, and vice versa. Only when every
	// attempt fails does the call attempt die.
	type attempt struct {
		video bool
		label string
	}
	attempts := []attempt{{false, "audio-only"}}
	if callType == signal.CallVideo {
		attempts = []attempt{{true, "video+audio"}, {false, "audio-only"}}
	}

	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
			// Telephony-grade capture: 48 kHz mono, 20 ms frames. Echo
			// cancellation, noise suppression, and auto gain run in the
			// platform capture pipeline and the Opus encoder.
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.Latency = prop.Duration(20 * time.Millisecond)
		}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only; MJPEG camera nodes can emit malformed
				// frames that poison the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			lastErr = err
			log.Printf("RTC [%s]: GetUserMedia (%s) failed: %v", callID, a.label, err)
			continue
		}

		m := &media{pc: pc}
		tracks := stream.GetTracks()
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("RTC [%s]: local track ended: %v", callID, err)
				}
			})
			s, err := pc.AddTrack(track)
			if err != nil {
				log.Printf("RTC [%s]: AddTrack error: %v", callID, err)
				continue
			}
			switch track.Kind() {
			case webrtc.RTPCodecTypeAudio:
				m.audioSender, m.audioTrack = s, track
			case webrtc.RTPCodecTypeVideo:
				m.videoSender, m.videoTrack = s, track
			}
		}
		if callType == signal.CallVideo && m.videoSender == nil {
			// Camera fell away during this attempt; add a recvonly video
			// m-line so remote video still flows.
			addRecvOnlyTransceiver(callID, pc, webrtc.RTPCodecTypeVideo)
		}

		m.close = func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		log.Printf("RTC [%s]: local media captured (%s), %d tracks", callID, a.label, len(tracks))
		return m, nil
	}

	_ = pc.Close()
	return nil, fmt.Errorf("%w: %v", ErrMediaAccessDenied, lastErr)
}

// addRecvOnlyTransceiver ensures CreateOffer/CreateAnswer produces a valid
// m-line with ICE credentials for a direction we cannot send.
func addRecvOnlyTransceiver(callID string, pc *webrtc.PeerConnection, kind webrtc.RTPCodecType) {
	if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("RTC [%s]: AddTransceiver(%s) error: %v", callID, kind, err)
	}
}
