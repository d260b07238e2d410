// Package config loads the callwire configuration from a JSON file,
// applying defaults for anything unset. A watcher can reload transport
// tuning (ICE servers, reconnect bounds) while the process runs.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	ICE       ICE       `json:"ice"`
	Reconnect Reconnect `json:"reconnect"`
	Quality   Quality   `json:"quality"`
	History   History   `json:"history"`
	Redis     Redis     `json:"redis"`
	Mesh      Mesh      `json:"mesh"`
}

type Identity struct {
	// PeerID identifies this endpoint on the signaling channel.
	PeerID string `json:"peer_id"`
}

type ICE struct {
	// Servers are STUN resolver URLs. At least two independent resolvers
	// are required so one outage cannot break candidate harvesting.
	Servers []string `json:"servers"`
}

type Reconnect struct {
	MaxAttempts  int `json:"max_attempts"`
	BaseDelayMs  int `json:"base_delay_ms"`
	MaxDelayMs   int `json:"max_delay_ms"`
	GraceDelayMs int `json:"grace_delay_ms"`
}

type Quality struct {
	SampleIntervalMs int `json:"sample_interval_ms"`
}

type History struct {
	// DBPath is the SQLite file for archived calls. Empty disables history.
	DBPath string `json:"db_path"`
}

type Redis struct {
	// Addr enables the Redis signaling backend when set, e.g. "localhost:6379".
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type Mesh struct {
	// ListenPort is the libp2p TCP port for the mesh signaling backend.
	// 0 picks a random port.
	ListenPort int `json:"listen_port"`
}

func Default() Config {
	return Config{
		ICE: ICE{
			Servers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
		},
		Reconnect: Reconnect{
			MaxAttempts:  5,
			BaseDelayMs:  1000,
			MaxDelayMs:   10000,
			GraceDelayMs: 2000,
		},
		Quality: Quality{
			SampleIntervalMs: 2000,
		},
		History: History{
			DBPath: "data/calls.db",
		},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.PeerID) == "" {
		return errors.New("identity.peer_id is required")
	}
	if len(c.ICE.Servers) < 2 {
		return errors.New("ice.servers needs at least two independent STUN resolvers")
	}
	for _, s := range c.ICE.Servers {
		u, err := url.Parse(s)
		if err != nil || (u.Scheme != "stun" && u.Scheme != "stuns" && u.Scheme != "turn" && u.Scheme != "turns") {
			return fmt.Errorf("ice.servers: %q is not a stun/turn URL", s)
		}
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return errors.New("reconnect.max_attempts must be > 0")
	}
	if c.Reconnect.BaseDelayMs <= 0 || c.Reconnect.MaxDelayMs <= 0 {
		return errors.New("reconnect delays must be > 0")
	}
	if c.Reconnect.BaseDelayMs > c.Reconnect.MaxDelayMs {
		return errors.New("reconnect.base_delay_ms must be <= reconnect.max_delay_ms")
	}
	if c.Reconnect.GraceDelayMs < 0 {
		return errors.New("reconnect.grace_delay_ms must be >= 0")
	}
	if c.Quality.SampleIntervalMs <= 0 {
		return errors.New("quality.sample_interval_ms must be > 0")
	}
	if c.Mesh.ListenPort < 0 || c.Mesh.ListenPort > 65535 {
		return errors.New("mesh.listen_port must be 0..65535")
	}
	return nil
}

// Load reads path, fills unset fields from Default, and validates. A missing
// file returns defaults with the given peer ID absent; callers decide
// whether that is fatal.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	// Re-fill anything the file explicitly emptied.
	def := Default()
	if len(cfg.ICE.Servers) == 0 {
		cfg.ICE.Servers = def.ICE.Servers
	}
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect.MaxAttempts = def.Reconnect.MaxAttempts
	}
	if cfg.Reconnect.BaseDelayMs == 0 {
		cfg.Reconnect.BaseDelayMs = def.Reconnect.BaseDelayMs
	}
	if cfg.Reconnect.MaxDelayMs == 0 {
		cfg.Reconnect.MaxDelayMs = def.Reconnect.MaxDelayMs
	}
	if cfg.Quality.SampleIntervalMs == 0 {
		cfg.Quality.SampleIntervalMs = def.Quality.SampleIntervalMs
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes the config as indented JSON.
func Save(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// BaseDelay returns the reconnect base delay as a duration.
func (r Reconnect) BaseDelay() time.Duration { return time.Duration(r.BaseDelayMs) * time.Millisecond }

// MaxDelay returns the reconnect delay cap as a duration.
func (r Reconnect) MaxDelay() time.Duration { return time.Duration(r.MaxDelayMs) * time.Millisecond }

// GraceDelay returns the disconnect grace window as a duration.
func (r Reconnect) GraceDelay() time.Duration {
	return time.Duration(r.GraceDelayMs) * time.Millisecond
}

// SampleInterval returns the quality sampling interval as a duration.
func (q Quality) SampleInterval() time.Duration {
	return time.Duration(q.SampleIntervalMs) * time.Millisecond
}
