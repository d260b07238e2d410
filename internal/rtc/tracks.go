package rtc

import (
	"errors"
	"io"
	"log"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

const pliInterval = 3 * time.Second

// serviceRemoteTrack keeps an inbound track flowing: the RTP read loop must
// run for the interceptor chain to update receive stats, and inbound video
// needs periodic PLI so the remote encoder emits recovery keyframes after
// loss or an ICE restart.
func (p *Peer) serviceRemoteTrack(track *webrtc.TrackRemote) {
	go p.drainRTP(track)
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go p.sendPLI(track)
	}
}

func (p *Peer) drainRTP(track *webrtc.TrackRemote) {
	for {
		select {
		case <-p.trackCtx.Done():
			return
		default:
		}
		if _, _, err := track.ReadRTP(); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("RTC [%s]: read %s track: %v", p.callID, track.Kind(), err)
			}
			return
		}
	}
}

func (p *Peer) sendPLI(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.trackCtx.Done():
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		pc := p.pc
		p.mu.Unlock()
		if pc == nil {
			return
		}
		err := pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
		})
		if err != nil {
			log.Printf("RTC [%s]: write PLI: %v", p.callID, err)
			return
		}
	}
}
