package reconnect

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRestarter struct {
	calls atomic.Int32
	err   error
}

func (f *fakeRestarter) RestartICE(context.Context) error {
	f.calls.Add(1)
	return f.err
}

func fastConfig() Config {
	return Config{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
		GraceDelay:  20 * time.Millisecond,
	}
}

func TestGraceDelayAbsorbsBlip(t *testing.T) {
	rs := &fakeRestarter{}
	c := New("call-1", rs, fastConfig(), Callbacks{})
	defer c.Close()

	c.OnDisconnected()
	time.Sleep(5 * time.Millisecond) // transport self-heals within the grace window
	c.OnConnected()

	time.Sleep(40 * time.Millisecond) // past the grace deadline
	if n := rs.calls.Load(); n != 0 {
		t.Fatalf("restart attempted %d times during a self-healing blip", n)
	}
	if s := c.Snapshot(); s.Attempt != 0 || s.IsReconnecting {
		t.Fatalf("state not clean after self-heal: %+v", s)
	}
}

func TestGraceDelayExpiresIntoAttempt(t *testing.T) {
	rs := &fakeRestarter{}
	c := New("call-1", rs, fastConfig(), Callbacks{})
	defer c.Close()

	c.OnDisconnected()
	time.Sleep(50 * time.Millisecond)
	if n := rs.calls.Load(); n != 1 {
		t.Fatalf("restart attempts = %d, want 1 after grace expiry", n)
	}
}

func TestExhaustionBounded(t *testing.T) {
	rs := &fakeRestarter{err: errors.New("publish failed")}
	var exhausted atomic.Int32
	var reconnecting atomic.Int32
	c := New("call-1", rs, fastConfig(), Callbacks{
		OnReconnecting: func(int) { reconnecting.Add(1) },
		OnExhausted:    func() { exhausted.Add(1) },
	})
	defer c.Close()

	c.OnFailed()

	deadline := time.Now().Add(2 * time.Second)
	for exhausted.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if n := exhausted.Load(); n != 1 {
		t.Fatalf("OnExhausted fired %d times, want exactly 1", n)
	}
	if n := rs.calls.Load(); n != 5 {
		t.Fatalf("restart attempts = %d, want exactly MaxAttempts (5)", n)
	}
	if n := reconnecting.Load(); n != 5 {
		t.Fatalf("OnReconnecting fired %d times, want 5", n)
	}

	// Further signals after exhaustion are inert.
	c.OnFailed()
	c.OnDisconnected()
	time.Sleep(20 * time.Millisecond)
	if n := rs.calls.Load(); n != 5 {
		t.Fatalf("attempts after exhaustion: %d", n)
	}
}

func TestConnectedResetsAttemptCounter(t *testing.T) {
	rs := &fakeRestarter{err: errors.New("publish failed")}
	var reconnected atomic.Int32
	c := New("call-1", rs, fastConfig(), Callbacks{
		OnReconnected: func() { reconnected.Add(1) },
	})
	defer c.Close()

	c.OnFailed()
	deadline := time.Now().Add(time.Second)
	for rs.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	c.OnConnected()
	if s := c.Snapshot(); s.Attempt != 0 || s.IsReconnecting {
		t.Fatalf("state after recovery: %+v", s)
	}
	if n := reconnected.Load(); n != 1 {
		t.Fatalf("OnReconnected fired %d times, want 1", n)
	}

	// A second connected signal without an intervening reconnection must not
	// re-fire the callback.
	c.OnConnected()
	if n := reconnected.Load(); n != 1 {
		t.Fatalf("OnReconnected re-fired: %d", n)
	}
}

func TestBackoffEnvelope(t *testing.T) {
	c := New("call-1", &fakeRestarter{}, Config{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		GraceDelay:  time.Second,
	}, Callbacks{})
	defer c.Close()

	for attempt := 0; attempt <= 6; attempt++ {
		want := time.Second << attempt
		if want > 10*time.Second {
			want = 10 * time.Second
		}
		lo := time.Duration(float64(want) * 0.8)
		hi := time.Duration(float64(want) * 1.2)
		for i := 0; i < 50; i++ {
			got := c.nextDelay(attempt)
			if got < lo || got > hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, got, lo, hi)
			}
		}
	}
}

func TestForceRetryBypassesBackoff(t *testing.T) {
	rs := &fakeRestarter{err: errors.New("publish failed")}
	cfg := fastConfig()
	cfg.BaseDelay = time.Hour // pending backoff would never fire in this test
	cfg.MaxDelay = time.Hour
	c := New("call-1", rs, cfg, Callbacks{})
	defer c.Close()

	c.OnFailed()
	deadline := time.Now().Add(time.Second)
	for rs.calls.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	c.ForceRetry()
	if n := rs.calls.Load(); n != 2 {
		t.Fatalf("attempts = %d, want 2 (second forced immediately)", n)
	}
	if s := c.Snapshot(); s.Attempt != 1 {
		t.Fatalf("forced retry should restart counting, attempt = %d", s.Attempt)
	}
}

func TestCloseCancelsPendingTimers(t *testing.T) {
	rs := &fakeRestarter{}
	c := New("call-1", rs, fastConfig(), Callbacks{})

	c.OnDisconnected() // grace timer armed
	c.Close()
	c.Close() // idempotent
	c.Cancel()

	time.Sleep(50 * time.Millisecond)
	if n := rs.calls.Load(); n != 0 {
		t.Fatalf("stale timer fired after Close: %d attempts", n)
	}
}
