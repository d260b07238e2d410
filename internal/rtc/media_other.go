//go:build !linux || !cgo

package rtc

import (
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/callwire/callwire/internal/signal"
)

type media struct {
	pc    *webrtc.PeerConnection
	close func()

	audioSender *webrtc.RTPSender
	audioTrack  webrtc.TrackLocal
	videoSender *webrtc.RTPSender
	videoTrack  webrtc.TrackLocal
}

// initMedia builds a receive-only peer connection on platforms without
// mediadevices drivers (camera/mic capture needs V4L2 + malgo, Linux only).
// The call still negotiates and receives remote media.
func initMedia(callID string, callType signal.CallType, iceServers []string) (*media, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	servers := make([]webrtc.ICEServer, 0, len(iceServers))
	for _, u := range iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}

	addRecvOnlyTransceiver(callID, pc, webrtc.RTPCodecTypeAudio)
	if callType == signal.CallVideo {
		addRecvOnlyTransceiver(callID, pc, webrtc.RTPCodecTypeVideo)
	}

	log.Printf("RTC [%s]: peer connection ready (receive-only, no local capture on this platform)", callID)
	return &media{pc: pc}, nil
}

func addRecvOnlyTransceiver(callID string, pc *webrtc.PeerConnection, kind webrtc.RTPCodecType) {
	if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("RTC [%s]: AddTransceiver(%s) error: %v", callID, kind, err)
	}
}
