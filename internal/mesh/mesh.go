// Package mesh implements Mesh: the neighbor manager that tracks direct
// peers, bootstraps new joiners with a full state transfer, and preserves
// mesh connectivity on graceful departure.
package mesh

import (
	"regexp"
	"sort"

	"github.com/inkmesh/inkmesh/internal/crdtdoc"
	"github.com/inkmesh/inkmesh/internal/link"
	"github.com/inkmesh/inkmesh/internal/vclock"
)

// ModuleName is the Link target string Mesh registers under.
const ModuleName = "mesh"

// PeerAddressPattern is the external peer-address format: name@dotted-quad.
var PeerAddressPattern = regexp.MustCompile(`^[A-Za-z0-9_]+@(?:\d{1,3}\.){3}\d{1,3}$`)

// ConnectResult mirrors the peer runtime's connect outcome.
type ConnectResult int

const (
	Connected ConnectResult = iota
	Refused
	AlreadyConnected
)

// Mode selects whether a join requests a state transfer.
type Mode int

const (
	Ask Mode = iota
	NoAsk
)

// PeerRuntime is the low-level connect/disconnect primitive;
// internal/peernet is the concrete implementation.
type PeerRuntime interface {
	Connect(peer vclock.PeerID) (ConnectResult, error)
	Disconnect(peer vclock.PeerID)
}

// NeighborPublisher is EchoWave's neighbor-set mutation surface.
type NeighborPublisher interface {
	AddNeighbor(peer vclock.PeerID)
	DelNeighbor(peer vclock.PeerID)
}

// LinkSender ships a mesh protocol message to a peer's Mesh actor.
type LinkSender interface {
	Send(to vclock.PeerID, module string, payload any) link.MsgID
}

// LinkPeerRemover lets Mesh tell Link to stop retrying messages to a peer
// that has left.
type LinkPeerRemover interface {
	RemovePeer(peer vclock.PeerID)
}

// DocHandoff is the local document, used both to answer a state-transfer
// request (Snapshot) and to install one received from a sponsor
// (ReplaceWith).
type DocHandoff interface {
	Snapshot() []crdtdoc.Char
	ReplaceWith(peer crdtdoc.PeerID, chars []crdtdoc.Char)
	ToText() []rune
}

// BusHandoff is the local causal bus, used the same way for (T, D).
type BusHandoff interface {
	Snapshot() (vclock.Clock, vclock.Clock)
	Install(t, d vclock.Clock)
}

// Notifier forwards membership and bootstrap events to the editor adapter
// so it can re-render the neighbor list and document.
type Notifier interface {
	Init(content string, clientID vclock.PeerID, neighbors []vclock.PeerID)
	Installed(content string)
	Error(kind string)
}

// MsgKind discriminates the mesh wire protocol's payload shapes.
type MsgKind int

const (
	// MsgHello announces a fresh connection so the accepting side adds
	// the dialer to its own neighbor set.
	MsgHello MsgKind = iota
	// MsgGoodbye announces departure so the peer drops the edge.
	MsgGoodbye
	MsgStateRequest
	MsgInstallDoc
	MsgInstallVC
	MsgStitch
)

// Message is what Mesh sends and receives over Link.
type Message struct {
	Kind       MsgKind
	Chars      []crdtdoc.Char // MsgInstallDoc
	T, D       vclock.Clock   // MsgInstallVC
	StitchPeer vclock.PeerID  // MsgStitch
	StitchMode Mode           // MsgStitch
}

// Mesh is the per-peer neighbor-manager actor. Not safe for concurrent
// use; callers own it inside a single-goroutine mailbox loop.
type Mesh struct {
	myID      vclock.PeerID
	neighbors map[vclock.PeerID]bool
	runtime   PeerRuntime
	wave      NeighborPublisher
	sender    LinkSender
	linkRM    LinkPeerRemover
	doc       DocHandoff
	bus       BusHandoff
	notify    Notifier
}

// New constructs a Mesh actor with no initial neighbors.
func New(myID vclock.PeerID, runtime PeerRuntime, wave NeighborPublisher, sender LinkSender, linkRM LinkPeerRemover, doc DocHandoff, bus BusHandoff, notify Notifier) *Mesh {
	return &Mesh{
		myID:      myID,
		neighbors: make(map[vclock.PeerID]bool),
		runtime:   runtime,
		wave:      wave,
		sender:    sender,
		linkRM:    linkRM,
		doc:       doc,
		bus:       bus,
		notify:    notify,
	}
}

// Neighbors returns the current neighbor set in a stable (sorted) order.
func (m *Mesh) Neighbors() []vclock.PeerID {
	out := make([]vclock.PeerID, 0, len(m.neighbors))
	for p := range m.neighbors {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Join connects to peer. On success it is added to the neighbor set,
// EchoWave's view is updated, and (mode == Ask) a state transfer is
// requested from peer.
func (m *Mesh) Join(peer vclock.PeerID, mode Mode) error {
	if !PeerAddressPattern.MatchString(string(peer)) {
		m.notify.Error("invalid_peer_address")
		return errInvalidPeerAddress
	}
	if m.neighbors[peer] {
		return nil // AlreadyConnected: idempotent from the caller's perspective
	}
	result, err := m.runtime.Connect(peer)
	if err != nil || result == Refused {
		return errConnectRefused
	}
	m.neighbors[peer] = true
	m.wave.AddNeighbor(peer)
	m.publishNeighbors()

	// The accepting side has a live connection but no idea who we are
	// yet; the hello makes the edge bidirectional.
	m.sender.Send(peer, ModuleName, Message{Kind: MsgHello})
	if mode == Ask {
		m.sender.Send(peer, ModuleName, Message{Kind: MsgStateRequest})
	}
	return nil
}

// Leave disconnects peer and removes it from the neighbor set.
func (m *Mesh) Leave(peer vclock.PeerID) {
	if !m.neighbors[peer] {
		return
	}
	m.sender.Send(peer, ModuleName, Message{Kind: MsgGoodbye})
	m.dropNeighbor(peer)
}

func (m *Mesh) dropNeighbor(peer vclock.PeerID) {
	delete(m.neighbors, peer)
	m.wave.DelNeighbor(peer)
	m.linkRM.RemovePeer(peer)
	m.runtime.Disconnect(peer)
	m.publishNeighbors()
}

// LeaveAll performs a graceful exit: every ordered pair of
// current neighbors is asked to connect to each other so the departing
// peer's neighbors stitch themselves pairwise, then every neighbor is
// left.
func (m *Mesh) LeaveAll() {
	peers := m.Neighbors()
	for i := 0; i < len(peers); i++ {
		for j := i + 1; j < len(peers); j++ {
			n1, n2 := peers[i], peers[j]
			m.sender.Send(n1, ModuleName, Message{Kind: MsgStitch, StitchPeer: n2, StitchMode: NoAsk})
			m.sender.Send(n2, ModuleName, Message{Kind: MsgStitch, StitchPeer: n1, StitchMode: NoAsk})
		}
	}
	for _, peer := range peers {
		m.Leave(peer)
	}
}

// OnMessage handles an inbound mesh-protocol message delivered by Link.
func (m *Mesh) OnMessage(from vclock.PeerID, msg Message) {
	switch msg.Kind {
	case MsgHello:
		// Join is idempotent, and the early return for a known
		// neighbor is what stops the two sides helloing forever.
		_ = m.Join(from, NoAsk)

	case MsgGoodbye:
		if m.neighbors[from] {
			m.dropNeighbor(from)
		}

	case MsgStateRequest:
		chars := m.doc.Snapshot()
		t, d := m.bus.Snapshot()
		m.sender.Send(from, ModuleName, Message{Kind: MsgInstallDoc, Chars: chars})
		m.sender.Send(from, ModuleName, Message{Kind: MsgInstallVC, T: t, D: d})

	case MsgInstallDoc:
		m.doc.ReplaceWith(m.myID, msg.Chars)
		content := string(m.doc.ToText())
		m.notify.Installed(content)
		m.notify.Init(content, m.myID, m.Neighbors())

	case MsgInstallVC:
		m.bus.Install(msg.T, msg.D)

	case MsgStitch:
		_ = m.Join(msg.StitchPeer, msg.StitchMode)
	}
}

func (m *Mesh) publishNeighbors() {
	content := string(m.doc.ToText())
	m.notify.Init(content, m.myID, m.Neighbors())
}

var (
	errInvalidPeerAddress = meshError("invalid_peer_address")
	errConnectRefused     = meshError("connect_refused")
)

type meshError string

func (e meshError) Error() string { return string(e) }
