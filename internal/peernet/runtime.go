// Package peernet is the peer runtime: it dials and accepts the duplex
// byte-channels Link and Mesh need between peers over WebSocket, and
// validates peer addresses before dialing.
package peernet

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/inkmesh/inkmesh/internal/link"
	"github.com/inkmesh/inkmesh/internal/mesh"
	"github.com/inkmesh/inkmesh/internal/vclock"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type peerConn struct {
	conn     *websocket.Conn
	writeMu  sync.Mutex
}

func (c *peerConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// Runtime is the per-peer connection manager. Safe for concurrent use:
// each connection's read loop runs on its own goroutine and only touches
// shared state through the guarded conns map.
type Runtime struct {
	myID     vclock.PeerID
	meshPort int
	logger   *log.Logger

	mu    sync.Mutex
	conns map[vclock.PeerID]*peerConn

	lnk atomic.Pointer[link.Link]
}

// New constructs a Runtime for myID. meshPort is the port every peer in
// this mesh listens on for inbound peer connections. Peer addresses carry
// no port, so the mesh-wide port is a deployment convention instead.
func New(myID vclock.PeerID, meshPort int, logger *log.Logger) *Runtime {
	if logger == nil {
		logger = log.Default()
	}
	return &Runtime{
		myID:     myID,
		meshPort: meshPort,
		logger:   logger,
		conns:    make(map[vclock.PeerID]*peerConn),
	}
}

// AttachLink wires the Runtime to the Link actor that owns incoming
// deliver/ack dispatch. Called before traffic flows, and again whenever
// the supervisor rebuilds the session after a crash.
func (r *Runtime) AttachLink(l *link.Link) {
	r.lnk.Store(l)
}

func peerHost(peer vclock.PeerID) (string, error) {
	if !mesh.PeerAddressPattern.MatchString(string(peer)) {
		return "", fmt.Errorf("peernet: malformed peer address %q", peer)
	}
	parts := strings.SplitN(string(peer), "@", 2)
	return parts[1], nil
}

// Connect dials peer's mesh listener. Returns AlreadyConnected if a live
// connection is already held, Refused if the dial fails.
func (r *Runtime) Connect(peer vclock.PeerID) (mesh.ConnectResult, error) {
	r.mu.Lock()
	if _, ok := r.conns[peer]; ok {
		r.mu.Unlock()
		return mesh.AlreadyConnected, nil
	}
	r.mu.Unlock()

	host, err := peerHost(peer)
	if err != nil {
		return mesh.Refused, err
	}
	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", host, r.meshPort), Path: "/mesh"}
	q := u.Query()
	q.Set("from", string(r.myID))
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return mesh.Refused, err
	}
	pc := &peerConn{conn: conn}
	r.mu.Lock()
	r.conns[peer] = pc
	r.mu.Unlock()
	go r.readLoop(peer, pc)
	return mesh.Connected, nil
}

// Disconnect closes and forgets the connection to peer, if any.
func (r *Runtime) Disconnect(peer vclock.PeerID) {
	r.mu.Lock()
	pc, ok := r.conns[peer]
	delete(r.conns, peer)
	r.mu.Unlock()
	if ok {
		pc.conn.Close()
	}
}

// SendDeliver implements link.Transport: best-effort forward to a
// currently-connected peer. Silently dropped if there is no live
// connection; Link's own retry loop is what provides reliability.
func (r *Runtime) SendDeliver(to vclock.PeerID, msg link.DeliverMsg) {
	f, err := encodeDeliverFrame(msg)
	if err != nil {
		r.logger.Printf("peernet: encode deliver to %s: %v", to, err)
		return
	}
	r.send(to, f)
}

// SendAck implements link.Transport.
func (r *Runtime) SendAck(to vclock.PeerID, ack link.AckMsg) {
	r.send(to, encodeAckFrame(r.myID, to, ack))
}

func (r *Runtime) send(to vclock.PeerID, f frame) {
	r.mu.Lock()
	pc, ok := r.conns[to]
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := pc.writeJSON(f); err != nil {
		r.logger.Printf("peernet: write to %s failed: %v", to, err)
	}
}

// HandleWS is the HTTP handler for inbound peer connections, mounted at
// /mesh. The dialing peer identifies itself via the ?from= query param.
func (r *Runtime) HandleWS(w http.ResponseWriter, req *http.Request) {
	from := vclock.PeerID(req.URL.Query().Get("from"))
	if !mesh.PeerAddressPattern.MatchString(string(from)) {
		http.Error(w, "invalid_peer_address", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("peernet: upgrade from %s failed: %v", from, err)
		return
	}
	pc := &peerConn{conn: conn}
	r.mu.Lock()
	r.conns[from] = pc
	r.mu.Unlock()
	go r.readLoop(from, pc)
}

func (r *Runtime) readLoop(peer vclock.PeerID, pc *peerConn) {
	defer func() {
		r.mu.Lock()
		if r.conns[peer] == pc {
			delete(r.conns, peer)
		}
		r.mu.Unlock()
		pc.conn.Close()
	}()
	for {
		var f frame
		if err := pc.conn.ReadJSON(&f); err != nil {
			return
		}
		lnk := r.lnk.Load()
		if lnk == nil {
			continue
		}
		switch f.Kind {
		case frameAck:
			lnk.OnAck(link.AckMsg{MsgID: fromWireMsgID(f.MsgID)})
		case frameDeliver:
			payload, err := decodeDeliverPayload(f)
			if err != nil {
				r.logger.Printf("peernet: decode payload from %s: %v", peer, err)
				continue
			}
			lnk.OnDeliver(link.DeliverMsg{
				From:    f.From,
				To:      f.To,
				Module:  f.Module,
				Payload: payload,
				MsgID:   fromWireMsgID(f.MsgID),
			})
		}
	}
}
