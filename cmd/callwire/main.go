// Command callwire exercises the call stack from a terminal: a loopback demo
// call between two in-process endpoints, and a call-history listing.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/callwire/callwire/internal/config"
	"github.com/callwire/callwire/internal/history"
	"github.com/callwire/callwire/internal/quality"
	"github.com/callwire/callwire/internal/reconnect"
	"github.com/callwire/callwire/internal/rtc"
	sig "github.com/callwire/callwire/internal/signal"
	"github.com/callwire/callwire/internal/signal/meshchan"
	"github.com/callwire/callwire/internal/signal/redischan"
	"github.com/callwire/callwire/internal/session"
)

var (
	configPath = flag.String("config", "callwire.json", "Path to config file")
	showHelp   = flag.Bool("h", false, "Show help")
	version    = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("callwire v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load config: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		return
	}

	switch args[0] {
	case "demo":
		runDemo(cfg)

	case "relay":
		runRelay(cfg)

	case "history":
		runHistory(cfg)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println("callwire - call signaling and recovery demo")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  callwire [flags] demo       Run a loopback call between two in-process endpoints")
	fmt.Println("  callwire [flags] relay      Run a standing mesh rendezvous node")
	fmt.Println("  callwire [flags] history    List archived calls")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("The signaling backend is picked from the config: redis.addr selects")
	fmt.Println("Redis, mesh.listen_port selects the libp2p mesh, otherwise in-memory.")
}

// buildChannel selects the signaling backend from the config.
func buildChannel(ctx context.Context, cfg config.Config) (sig.Channel, func(), error) {
	if cfg.Redis.Addr != "" {
		ch, err := redischan.New(ctx, redischan.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		log.Printf("MAIN: signaling over redis at %s", cfg.Redis.Addr)
		return ch, func() { _ = ch.Close() }, nil
	}
	if cfg.Mesh.ListenPort != 0 {
		h, err := meshchan.NewHost(cfg.Mesh.ListenPort)
		if err != nil {
			return nil, nil, err
		}
		ch, err := meshchan.New(h)
		if err != nil {
			_ = h.Close()
			return nil, nil, err
		}
		log.Printf("MAIN: signaling over mesh as %s", h.ID())
		return ch, func() {
			_ = ch.Close()
			_ = h.Close()
		}, nil
	}
	log.Printf("MAIN: signaling in memory")
	return sig.NewMemory(), func() {}, nil
}

func openHistory(cfg config.Config) *history.Store {
	if cfg.History.DBPath == "" {
		return nil
	}
	st, err := history.Open(cfg.History.DBPath)
	if err != nil {
		log.Printf("MAIN: history disabled: %v", err)
		return nil
	}
	return st
}

// runDemo places a voice call from "alice" to "bob" inside one process and
// keeps it up until interrupted. Both endpoints share the signaling channel
// and this machine's capture devices, which is exactly what a loopback test
// needs.
func runDemo(cfg config.Config) {
	ctx := context.Background()

	ch, closeCh, err := buildChannel(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: signaling backend: %v\n", err)
		os.Exit(1)
	}
	defer closeCh()

	hist := openHistory(cfg)
	if hist != nil {
		defer hist.Close()
	}

	sessCfg := session.Config{
		Reconnect: reconnect.Config{
			MaxAttempts: cfg.Reconnect.MaxAttempts,
			BaseDelay:   cfg.Reconnect.BaseDelay(),
			MaxDelay:    cfg.Reconnect.MaxDelay(),
			GraceDelay:  cfg.Reconnect.GraceDelay(),
		},
		QualityInterval: cfg.Quality.SampleInterval(),
	}
	rtcCfg := rtc.Config{ICEServers: cfg.ICE.Servers}

	var bob *session.Session
	bob = session.New("bob", ch, session.PionTransport(rtcCfg, ch), sessCfg, session.Callbacks{
		OnIncoming: func(inc *session.IncomingCall) {
			log.Printf("DEMO: bob: incoming %s call from %s, accepting", inc.Record.Type, inc.Record.CallerID)
			if err := inc.Accept(); err != nil {
				log.Printf("DEMO: bob: accept failed: %v", err)
			}
		},
		OnCallEnded: func(reason session.EndReason) {
			log.Printf("DEMO: bob: call ended (%s)", reason)
		},
	}, nil)
	defer bob.Close()

	done := make(chan struct{})
	alice := session.New("alice", ch, session.PionTransport(rtcCfg, ch), sessCfg, session.Callbacks{
		OnCallAccepted: func() { log.Printf("DEMO: alice: bob answered") },
		OnCallEnded: func(reason session.EndReason) {
			log.Printf("DEMO: alice: call ended (%s)", reason)
			close(done)
		},
		OnReconnecting: func(attempt int) { log.Printf("DEMO: alice: reconnecting (attempt %d)", attempt) },
		OnReconnected:  func() { log.Printf("DEMO: alice: reconnected") },
		OnQuality: func(m quality.Metrics) {
			log.Printf("DEMO: alice: quality %s (rtt %.0fms, loss %.1f%%, %.0f kbps)",
				m.Level, m.RTTMs, m.LossPercent, m.BitrateKbps)
		},
	}, hist)
	defer alice.Close()

	callID, err := alice.StartCall(ctx, "bob", sig.CallVoice)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: start call: %v\n", err)
		os.Exit(1)
	}
	log.Printf("DEMO: alice: calling bob (call %s)", callID)

	// The memory and redis backends have no global announcement; hand the
	// call ID to bob the way a host application's wake-up layer would.
	if err := bob.NotifyIncoming(ctx, callID); err != nil {
		log.Printf("DEMO: notify bob: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		log.Printf("DEMO: interrupted, hanging up")
		_ = alice.EndCall(ctx)
	case <-done:
	}
}

// runRelay keeps a standing mesh node up with no call slot of its own. It
// acts as a stable rendezvous point: endpoints discover it over mDNS, and
// through its peer store discover each other.
func runRelay(cfg config.Config) {
	h, err := meshchan.NewHost(cfg.Mesh.ListenPort)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: mesh host: %v\n", err)
		os.Exit(1)
	}
	defer h.Close()

	ch, err := meshchan.New(h)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: mesh pubsub: %v\n", err)
		os.Exit(1)
	}
	defer ch.Close()

	log.Printf("RELAY: node %s up", h.ID())
	for _, a := range h.Addrs() {
		log.Printf("RELAY: listening on %s/p2p/%s", a, h.ID())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Printf("RELAY: shutting down")
}

func runHistory(cfg config.Config) {
	if cfg.History.DBPath == "" {
		fmt.Fprintln(os.Stderr, "Error: history.db_path is not configured")
		os.Exit(1)
	}
	st, err := history.Open(cfg.History.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: open history: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	entries, err := st.Recent(50)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: read history: %v\n", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Println("No calls recorded.")
		return
	}
	for _, e := range entries {
		dur := e.Duration().Round(time.Second)
		fmt.Printf("%s  %-5s  %s -> %s  %-9s  %s  (%s)\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"),
			e.Type, e.CallerID, e.CalleeID, e.Status, dur, e.Reason)
	}
}
