// Package quality samples transport statistics on an interval and classifies
// link health. It only reads state from the peer connection manager, never
// mutates it.
package quality

import (
	"log"
	"sync"
	"time"
)

// Level is the classified link health.
type Level string

const (
	Unknown   Level = "unknown"
	Excellent Level = "excellent"
	Good      Level = "good"
	Fair      Level = "fair"
	Poor      Level = "poor"
)

// DefaultInterval is how often the monitor samples while a peer connection
// exists.
const DefaultInterval = 2 * time.Second

// Sample is one raw reading of cumulative transport counters.
type Sample struct {
	RTT             time.Duration
	Jitter          time.Duration
	PacketsReceived uint64
	PacketsLost     uint64
	BytesReceived   uint64
}

// Sampler is implemented by the peer connection manager.
type Sampler interface {
	Sample() (Sample, error)
}

// Metrics is the derived, user-facing view of one sampling tick.
type Metrics struct {
	RTTMs       float64
	LossPercent float64
	JitterMs    float64
	BitrateKbps float64
	Level       Level
	SampledAt   time.Time
}

// Classify applies the fixed thresholds, evaluated in order.
func Classify(rttMs, lossPercent float64) Level {
	switch {
	case rttMs < 100 && lossPercent < 1:
		return Excellent
	case rttMs < 200 && lossPercent < 3:
		return Good
	case rttMs < 400 && lossPercent < 5:
		return Fair
	}
	return Poor
}

// Monitor drives periodic sampling for one call.
type Monitor struct {
	src      Sampler
	interval time.Duration
	onUpdate func(Metrics) // optional; invoked outside the lock

	mu      sync.Mutex
	current Metrics
	prev    Sample
	prevAt  time.Time
	primed  bool
	stop    chan struct{}
	stopped bool
}

// New creates a stopped monitor. interval <= 0 selects DefaultInterval.
func New(src Sampler, interval time.Duration, onUpdate func(Metrics)) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		src:      src,
		interval: interval,
		onUpdate: onUpdate,
		current:  Metrics{Level: Unknown},
		stop:     make(chan struct{}),
	}
}

// Start begins sampling until Stop.
func (m *Monitor) Start() {
	m.mu.Lock()
	m.prevAt = time.Now()
	m.mu.Unlock()
	go m.loop()
}

// Stop halts sampling and resets all metrics to unknown. Idempotent; called
// on every peer connection teardown.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.stopped {
		m.stopped = true
		close(m.stop)
	}
	m.current = Metrics{Level: Unknown}
	m.primed = false
	m.mu.Unlock()
}

// Snapshot returns the latest derived metrics.
func (m *Monitor) Snapshot() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.tick(time.Now())
		}
	}
}

// tick takes one sample and folds it into the published metrics. Sampling
// errors are logged and skipped for the tick, never fatal.
func (m *Monitor) tick(now time.Time) {
	s, err := m.src.Sample()
	if err != nil {
		log.Printf("QUALITY: sample failed: %v", err)
		return
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	metrics := m.fold(s, now)
	m.current = metrics
	onUpdate := m.onUpdate
	m.mu.Unlock()

	if onUpdate != nil {
		onUpdate(metrics)
	}
}

// fold derives rate metrics from the delta between consecutive samples. The
// first sample uses counters cumulative since call start, which is the same
// delta against a zero baseline.
func (m *Monitor) fold(s Sample, now time.Time) Metrics {
	var dRecv, dLost, dBytes uint64
	elapsed := now.Sub(m.prevAt)
	if m.primed {
		dRecv = counterDelta(s.PacketsReceived, m.prev.PacketsReceived)
		dLost = counterDelta(s.PacketsLost, m.prev.PacketsLost)
		dBytes = counterDelta(s.BytesReceived, m.prev.BytesReceived)
	} else {
		dRecv, dLost, dBytes = s.PacketsReceived, s.PacketsLost, s.BytesReceived
	}
	m.prev = s
	m.prevAt = now
	m.primed = true

	loss := 0.0
	if dRecv+dLost > 0 {
		loss = float64(dLost) / float64(dRecv+dLost) * 100
	}
	bitrate := 0.0
	if sec := elapsed.Seconds(); sec > 0 {
		bitrate = float64(dBytes) * 8 / 1000 / sec
	}
	rttMs := float64(s.RTT) / float64(time.Millisecond)

	return Metrics{
		RTTMs:       rttMs,
		LossPercent: loss,
		JitterMs:    float64(s.Jitter) / float64(time.Millisecond),
		BitrateKbps: bitrate,
		Level:       Classify(rttMs, loss),
		SampledAt:   now,
	}
}

// counterDelta clamps at zero: Pion reinitializes stream stats across an ICE
// restart, and an unsigned underflow would read as a huge loss spike.
func counterDelta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}
