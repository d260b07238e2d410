package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.ICE.Servers) != 2 {
		t.Fatalf("default ICE servers = %v", cfg.ICE.Servers)
	}
	if cfg.Reconnect.MaxAttempts != 5 || cfg.Reconnect.BaseDelay() != time.Second {
		t.Fatalf("default reconnect = %+v", cfg.Reconnect)
	}
	if cfg.Quality.SampleInterval() != 2*time.Second {
		t.Fatalf("default quality interval = %v", cfg.Quality.SampleInterval())
	}
}

func TestLoadOverridesAndValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "callwire.json")

	write := func(body string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("overrides applied", func(t *testing.T) {
		write(`{
			"identity": {"peer_id": "alice"},
			"reconnect": {"max_attempts": 3, "base_delay_ms": 500, "max_delay_ms": 4000}
		}`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Reconnect.MaxAttempts != 3 || cfg.Reconnect.BaseDelay() != 500*time.Millisecond {
			t.Fatalf("overrides lost: %+v", cfg.Reconnect)
		}
		if cfg.Reconnect.GraceDelay() != 2*time.Second {
			t.Fatalf("unset field not defaulted: %v", cfg.Reconnect.GraceDelay())
		}
	})

	t.Run("single STUN server rejected", func(t *testing.T) {
		write(`{
			"identity": {"peer_id": "alice"},
			"ice": {"servers": ["stun:stun.example.org:3478"]}
		}`)
		if _, err := Load(path); err == nil {
			t.Fatal("config with one STUN resolver accepted")
		}
	})

	t.Run("bad server URL rejected", func(t *testing.T) {
		write(`{
			"identity": {"peer_id": "alice"},
			"ice": {"servers": ["stun:a.example.org", "http://not-stun.example.org"]}
		}`)
		if _, err := Load(path); err == nil {
			t.Fatal("non-stun URL accepted")
		}
	})
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "callwire.json")
	if err := Save(path, func() Config {
		c := Default()
		c.Identity.PeerID = "alice"
		return c
	}()); err != nil {
		t.Fatal(err)
	}

	var loads atomic.Int32
	var lastAttempts atomic.Int32
	w, err := Watch(path, func(c Config) {
		loads.Add(1)
		lastAttempts.Store(int32(c.Reconnect.MaxAttempts))
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	if loads.Load() != 1 {
		t.Fatalf("initial load count = %d", loads.Load())
	}

	c := Default()
	c.Identity.PeerID = "alice"
	c.Reconnect.MaxAttempts = 7
	if err := Save(path, c); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for lastAttempts.Load() != 7 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if lastAttempts.Load() != 7 {
		t.Fatal("reload never observed")
	}

	w.Close()
	w.Close() // idempotent
}
