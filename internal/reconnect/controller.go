// Package reconnect restores transport connectivity on an active call
// without renegotiating a new call record. It observes transport state from
// the peer connection manager and drives ICE restarts with exponential
// backoff; it never touches the connection object directly.
package reconnect

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"
)

// ErrExhausted is terminal: the attempt ceiling was reached and the host is
// expected to end the call.
var ErrExhausted = errors.New("reconnect: attempts exhausted")

// Restarter is the slice of the peer connection manager the controller is
// allowed to use.
type Restarter interface {
	RestartICE(ctx context.Context) error
}

// Config bounds the retry loop.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	GraceDelay  time.Duration
}

// DefaultConfig matches the documented defaults: five attempts, 1 s base,
// 10 s cap, 2 s grace window for self-healing blips.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		GraceDelay:  2 * time.Second,
	}
}

func (c *Config) fill() {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.GraceDelay <= 0 {
		c.GraceDelay = d.GraceDelay
	}
}

// Callbacks fire on the controller's goroutines; receivers hand off to their
// own serialization context.
type Callbacks struct {
	OnReconnecting func(attempt int)
	OnReconnected  func()
	OnExhausted    func()
}

type phase int

const (
	phaseIdle phase = iota
	phaseReconnecting
	phaseExhausted
)

// State is a read-only snapshot for UI wiring.
type State struct {
	IsReconnecting     bool
	Attempt            int
	MaxAttempts        int
	LastDisconnectedAt time.Time
}

// Controller is the per-call reconnection state machine:
// idle → reconnecting → (connected | exhausted).
type Controller struct {
	callID string
	rs     Restarter
	cfg    Config
	cb     Callbacks

	mu             sync.Mutex
	phase          phase
	attempt        int
	lastDisconnect time.Time
	timer          *time.Timer
	gen            uint64 // invalidates in-flight timers on any reset
	closed         bool
}

// New creates an idle controller for one call.
func New(callID string, rs Restarter, cfg Config, cb Callbacks) *Controller {
	cfg.fill()
	return &Controller{callID: callID, rs: rs, cfg: cfg, cb: cb}
}

// OnDisconnected reacts to a transport "disconnected" signal. The transport
// often self-heals within a couple of seconds on brief network blips, so the
// first reaction is a grace-delayed re-check, not an immediate restart.
func (c *Controller) OnDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.phase == phaseExhausted {
		return
	}
	c.lastDisconnect = time.Now()
	if c.phase == phaseReconnecting {
		return // retry already pending
	}
	log.Printf("RECON [%s]: disconnected, grace check in %v", c.callID, c.cfg.GraceDelay)
	c.scheduleLocked(c.cfg.GraceDelay, c.graceExpired)
}

// OnFailed reacts to a transport "failed" signal: no grace delay.
func (c *Controller) OnFailed() {
	c.mu.Lock()
	if c.closed || c.phase == phaseExhausted {
		c.mu.Unlock()
		return
	}
	c.lastDisconnect = time.Now()
	c.cancelTimerLocked()
	c.mu.Unlock()
	c.tryAttempt()
}

// OnConnected reacts to a transport "connected"/"completed" signal: cancel
// any pending retry and reset the attempt counter immediately.
func (c *Controller) OnConnected() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	wasReconnecting := c.phase == phaseReconnecting
	c.phase = phaseIdle
	c.attempt = 0
	c.cancelTimerLocked()
	c.mu.Unlock()

	if wasReconnecting {
		log.Printf("RECON [%s]: transport recovered", c.callID)
		if c.cb.OnReconnected != nil {
			c.cb.OnReconnected()
		}
	}
}

// graceExpired runs after the grace delay; reaching it means the transport
// did not self-heal (OnConnected would have cancelled this timer).
func (c *Controller) graceExpired() {
	c.tryAttempt()
}

// tryAttempt performs one restart attempt or transitions to exhausted.
func (c *Controller) tryAttempt() {
	c.mu.Lock()
	if c.closed || c.phase == phaseExhausted {
		c.mu.Unlock()
		return
	}
	c.attempt++
	if c.attempt > c.cfg.MaxAttempts {
		c.phase = phaseExhausted
		c.cancelTimerLocked()
		c.mu.Unlock()
		log.Printf("RECON [%s]: giving up after %d attempts", c.callID, c.cfg.MaxAttempts)
		if c.cb.OnExhausted != nil {
			c.cb.OnExhausted()
		}
		return
	}
	c.phase = phaseReconnecting
	attempt := c.attempt
	c.mu.Unlock()

	log.Printf("RECON [%s]: restart attempt %d/%d", c.callID, attempt, c.cfg.MaxAttempts)
	if c.cb.OnReconnecting != nil {
		c.cb.OnReconnecting(attempt)
	}

	err := c.rs.RestartICE(context.Background())
	if err == nil {
		// The restart offer is out; the transport's own connected signal
		// (via OnConnected) resolves this attempt. Another failed signal
		// loops back here for the next attempt.
		return
	}

	delay := c.nextDelay(attempt)
	log.Printf("RECON [%s]: attempt %d failed (%v), next in %v", c.callID, attempt, err, delay)
	c.mu.Lock()
	if !c.closed && c.phase == phaseReconnecting {
		c.scheduleLocked(delay, c.tryAttempt)
	}
	c.mu.Unlock()
}

// nextDelay computes min(maxDelay, base·2^attempt) with ±20% jitter so both
// peers do not retry in lockstep.
func (c *Controller) nextDelay(attempt int) time.Duration {
	d := c.cfg.BaseDelay
	for i := 0; i < attempt && d < c.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > c.cfg.MaxDelay {
		d = c.cfg.MaxDelay
	}
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

// ForceRetry resets the attempt counter and triggers an immediate attempt,
// bypassing any pending backoff. User-initiated "retry now".
func (c *Controller) ForceRetry() {
	c.mu.Lock()
	if c.closed || c.phase == phaseExhausted {
		c.mu.Unlock()
		return
	}
	c.attempt = 0
	c.cancelTimerLocked()
	c.mu.Unlock()
	c.tryAttempt()
}

// Cancel abandons pending retries and resets state without ending the call.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.phase = phaseIdle
	c.attempt = 0
	c.cancelTimerLocked()
}

// Close discards all reconnection state unconditionally. Pending timers are
// cancelled, not merely ignored, so a stale retry can never fire into a
// reused call slot. Called whenever the call leaves active for good.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.phase = phaseIdle
	c.attempt = 0
	c.cancelTimerLocked()
}

// Snapshot returns the current reconnection state for UI wiring.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		IsReconnecting:     c.phase == phaseReconnecting,
		Attempt:            c.attempt,
		MaxAttempts:        c.cfg.MaxAttempts,
		LastDisconnectedAt: c.lastDisconnect,
	}
}

// scheduleLocked arms the single pending timer. The generation counter
// guards against a fired-but-stale callback acting after a reset.
func (c *Controller) scheduleLocked(d time.Duration, fn func()) {
	c.cancelTimerLocked()
	c.gen++
	gen := c.gen
	c.timer = time.AfterFunc(d, func() {
		c.mu.Lock()
		stale := c.closed || gen != c.gen
		c.mu.Unlock()
		if !stale {
			fn()
		}
	})
}

func (c *Controller) cancelTimerLocked() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
