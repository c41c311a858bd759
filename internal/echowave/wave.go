// Package echowave implements EchoWave: reliable, once-per-peer flooding
// of a broadcast envelope over the current neighbor mesh, using the Echo
// algorithm (Chang, 1982) for termination detection.
package echowave

import (
	"github.com/inkmesh/inkmesh/internal/causalbus"
	"github.com/inkmesh/inkmesh/internal/vclock"
)

// Token is the message flooded and echoed back across the mesh. Envelope
// is present only on the outward (first-arrival) leg; the echo leg back to
// a parent carries none.
type Token struct {
	WaveID   vclock.Clock
	From     vclock.PeerID
	Count    uint32
	Envelope *causalbus.Envelope
}

// BusReceiver is the local CausalBus a first-arriving envelope is handed
// to.
type BusReceiver interface {
	Receive(env causalbus.Envelope)
}

// LinkSender forwards a token to a neighbor via the reliable unicast
// layer. Module names the target actor at the receiver.
type LinkSender interface {
	Send(to vclock.PeerID, module string, payload Token)
}

// CompletionNotifier is told when a wave this peer originated has fully
// closed.
type CompletionNotifier interface {
	WaveComplete(waveID vclock.Clock, count uint32)
}

type wave struct {
	parent    vclock.PeerID
	remaining map[vclock.PeerID]bool
	count     uint32
}

// ModuleName is the Link target string EchoWave registers under.
const ModuleName = "echowave"

// Wave is the per-peer flooding actor. Not safe for concurrent use;
// callers own it inside a single-goroutine mailbox loop.
type Wave struct {
	id        vclock.PeerID
	neighbors map[vclock.PeerID]bool
	pending   map[string]*wave
	bus       BusReceiver
	link      LinkSender
	notify    CompletionNotifier
}

// New constructs an EchoWave actor for id, initially with no neighbors.
func New(id vclock.PeerID, bus BusReceiver, link LinkSender, notify CompletionNotifier) *Wave {
	return &Wave{
		id:        id,
		neighbors: make(map[vclock.PeerID]bool),
		pending:   make(map[string]*wave),
		bus:       bus,
		link:      link,
		notify:    notify,
	}
}

// AddNeighbor adds peer to the current mesh view. Waves already in flight
// keep their recorded remaining set unchanged; only waves starting after
// this call see the new neighbor.
func (w *Wave) AddNeighbor(peer vclock.PeerID) {
	w.neighbors[peer] = true
}

// DelNeighbor removes peer. A wave whose remaining set still contains peer
// will never close; an accepted limitation, bounded by wave lifetime.
func (w *Wave) DelNeighbor(peer vclock.PeerID) {
	delete(w.neighbors, peer)
}

// ReplaceNeighbors swaps the entire neighbor set, e.g. after Mesh publishes
// a full membership change.
func (w *Wave) ReplaceNeighbors(peers []vclock.PeerID) {
	w.neighbors = make(map[vclock.PeerID]bool, len(peers))
	for _, p := range peers {
		w.neighbors[p] = true
	}
}

// StartWave begins flooding env, using env's stamp as the (system-wide
// unique) wave id. Implements causalbus.WaveStarter.
func (w *Wave) StartWave(waveID vclock.Clock, env causalbus.Envelope) {
	w.OnToken(w.id, waveID, 0, &env)
}

// OnToken processes one token arrival, whether the original flood, a
// forwarded flood from a neighbor, or an echo returning to a parent.
func (w *Wave) OnToken(from vclock.PeerID, waveID vclock.Clock, count uint32, env *causalbus.Envelope) {
	key := waveID.Key()
	cur, exists := w.pending[key]
	if !exists {
		if env != nil {
			w.bus.Receive(*env)
		}
		remaining := make(map[vclock.PeerID]bool, len(w.neighbors))
		children := make([]vclock.PeerID, 0, len(w.neighbors))
		for peer := range w.neighbors {
			if peer == from {
				continue
			}
			remaining[peer] = true
			children = append(children, peer)
		}
		// Record the wave before forwarding, so a token for it that comes
		// back while the forwards are still going out counts as an echo.
		cur = &wave{parent: from, remaining: remaining, count: count + 1}
		w.pending[key] = cur
		for _, peer := range children {
			w.link.Send(peer, ModuleName, Token{WaveID: waveID, From: w.id, Count: 0, Envelope: env})
		}
		if w.pending[key] != cur {
			return // already closed by echoes that arrived during forwarding
		}
	} else {
		delete(cur.remaining, from)
		cur.count += count
	}

	if len(cur.remaining) > 0 {
		return
	}
	if cur.parent == w.id {
		w.notify.WaveComplete(waveID, cur.count)
	} else {
		w.link.Send(cur.parent, ModuleName, Token{WaveID: waveID, From: w.id, Count: cur.count})
	}
	delete(w.pending, key)
}

// PendingCount reports how many waves are currently open, for tests and
// diagnostics.
func (w *Wave) PendingCount() int {
	return len(w.pending)
}
