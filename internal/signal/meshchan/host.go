package meshchan

import (
	"context"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
)

// MdnsTag identifies callwire nodes to each other on the local network.
const MdnsTag = "callwire-mdns"

var mlog = logging.Logger("meshchan")

func init() {
	// Silence noisy libp2p subsystems; dial failures and backoff errors go
	// to stderr by default and pollute terminal output.
	_ = logging.SetLogLevel("swarm2", "error")
	_ = logging.SetLogLevel("autonat", "warn")
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		mlog.Debugf("mdns connect to %s failed: %v", pi.ID, err)
	}
}

// NewHost builds a libp2p host with a fresh Ed25519 identity, listening on
// the given TCP port (0 picks a free port), with mDNS discovery running so
// LAN peers find each other without a rendezvous server.
func NewHost(listenPort int) (host.Host, error) {
	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, fmt.Errorf("meshchan: generate identity: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, fmt.Errorf("meshchan: new host: %w", err)
	}

	md := mdns.NewMdnsService(h, MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, fmt.Errorf("meshchan: start mdns: %w", err)
	}

	mlog.Infof("host up: %s", h.ID())
	return h, nil
}
