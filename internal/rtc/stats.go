package rtc

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/callwire/callwire/internal/quality"
)

// Sample extracts one quality sample from Pion's stats report. RTT comes
// from the succeeded ICE candidate pair, with the remote inbound report as
// fallback; inbound counters are summed across all receiving streams.
func (p *Peer) Sample() (quality.Sample, error) {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return quality.Sample{}, errors.New("rtc: no peer connection")
	}

	report := pc.GetStats()

	var s quality.Sample
	var pairRTT, remoteRTT, jitter float64
	for _, stat := range report {
		switch v := stat.(type) {
		case webrtc.ICECandidatePairStats:
			if v.State == webrtc.StatsICECandidatePairStateSucceeded && v.CurrentRoundTripTime > 0 {
				pairRTT = v.CurrentRoundTripTime
			}
		case webrtc.RemoteInboundRTPStreamStats:
			if v.RoundTripTime > 0 {
				remoteRTT = v.RoundTripTime
			}
		case webrtc.InboundRTPStreamStats:
			s.PacketsReceived += uint64(v.PacketsReceived)
			if v.PacketsLost > 0 {
				s.PacketsLost += uint64(v.PacketsLost)
			}
			s.BytesReceived += v.BytesReceived
			if v.Jitter > jitter {
				jitter = v.Jitter
			}
		}
	}

	rtt := pairRTT
	if rtt == 0 {
		rtt = remoteRTT
	}
	s.RTT = time.Duration(rtt * float64(time.Second))
	s.Jitter = time.Duration(jitter * float64(time.Second))
	return s, nil
}
