package peernet

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"

	"github.com/inkmesh/inkmesh/internal/vclock"
)

// txtPeerKey is the TXT record carrying a peer's identity, so a browser
// can offer the real peer id (not the mDNS instance name) to Mesh.
const txtPeerKey = "peer="

// Discovery advertises this peer over mDNS and browses for others on
// the LAN. Discovered peers are handed to onPeer; the caller decides
// whether to join them.
type Discovery struct {
	server *zeroconf.Server
	cancel context.CancelFunc
}

// StartDiscovery registers the mDNS service and begins a browse loop
// that runs until Stop. onPeer fires once per discovered entry, on the
// resolver's goroutine.
func (r *Runtime) StartDiscovery(service string, port int, onPeer func(peer vclock.PeerID)) (*Discovery, error) {
	instance := fmt.Sprintf("inkmesh-%s", uuid.NewString()[:8])
	server, err := zeroconf.Register(
		instance,
		service,
		"local.",
		port,
		[]string{txtPeerKey + string(r.myID)},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("peernet: register mDNS service: %w", err)
	}
	r.logger.Printf("peernet: mDNS service %s registered as %s on port %d", service, instance, port)

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		server.Shutdown()
		return nil, fmt.Errorf("peernet: mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			peer := peerFromEntry(entry)
			if peer == "" || peer == r.myID {
				continue
			}
			r.logger.Printf("peernet: mDNS discovered peer %s (%s)", peer, entry.Instance)
			onPeer(peer)
		}
	}()
	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		cancel()
		server.Shutdown()
		return nil, fmt.Errorf("peernet: mDNS browse: %w", err)
	}
	return &Discovery{server: server, cancel: cancel}, nil
}

// Stop ends the browse loop and withdraws the advertisement.
func (d *Discovery) Stop() {
	d.cancel()
	d.server.Shutdown()
}

func peerFromEntry(entry *zeroconf.ServiceEntry) vclock.PeerID {
	for _, txt := range entry.Text {
		if strings.HasPrefix(txt, txtPeerKey) {
			return vclock.PeerID(strings.TrimPrefix(txt, txtPeerKey))
		}
	}
	return ""
}
