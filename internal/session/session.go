// Package session is the façade between the editor adapter and the
// collaboration core. One Session owns the document, the causal bus, the
// echo-wave flooder, and the neighbor manager, and serializes every
// touch of them through a single mailbox goroutine.
package session

import (
	"log"
	"time"

	"github.com/inkmesh/inkmesh/internal/causalbus"
	"github.com/inkmesh/inkmesh/internal/crdtdoc"
	"github.com/inkmesh/inkmesh/internal/echowave"
	"github.com/inkmesh/inkmesh/internal/link"
	"github.com/inkmesh/inkmesh/internal/mesh"
	"github.com/inkmesh/inkmesh/internal/persist"
	"github.com/inkmesh/inkmesh/internal/vclock"
)

// Notifier receives everything the editor adapter needs to render:
// membership/bootstrap events and the positional effect of remote edits.
// Calls arrive on the session goroutine; implementations must not call
// back into the Session synchronously.
type Notifier interface {
	Init(content string, clientID string, neighbors []string)
	RemoteInsert(index int, value rune)
	RemoteDelete(index int)
	Error(kind string)
}

type noopNotifier struct{}

func (noopNotifier) Init(string, string, []string) {}
func (noopNotifier) RemoteInsert(int, rune)        {}
func (noopNotifier) RemoteDelete(int)              {}
func (noopNotifier) Error(string)                  {}

type msgKind int

const (
	msgLocalInsert msgKind = iota
	msgLocalDelete
	msgConnect
	msgLeavePeer
	msgLeaveAll
	msgDispatch
	msgQuery
)

type stateReply struct {
	content   string
	neighbors []string
}

type message struct {
	kind    msgKind
	index   int
	value   rune
	peer    vclock.PeerID
	from    vclock.PeerID
	module  string
	payload any
	errc    chan error
	statec  chan stateReply
}

// busReceiver breaks the construction cycle between EchoWave (which
// needs somewhere to deliver first-arrival envelopes) and CausalBus
// (which needs EchoWave to start waves).
type busReceiver struct {
	bus *causalbus.Bus
}

func (r *busReceiver) Receive(env causalbus.Envelope) { r.bus.Receive(env) }

// waveLinkSender adapts Link's three-argument Send to EchoWave's
// narrower payload type.
type waveLinkSender struct {
	lnk *link.Link
}

func (s *waveLinkSender) Send(to vclock.PeerID, module string, payload echowave.Token) {
	s.lnk.Send(to, module, payload)
}

// Session is the per-peer collaboration core. All state behind it is
// owned by the goroutine running Run; public methods post into the
// mailbox and, where they return values, wait for the reply.
type Session struct {
	id     vclock.PeerID
	doc    *crdtdoc.Doc
	bus    *causalbus.Bus
	wave   *echowave.Wave
	msh    *mesh.Mesh
	lnk    *link.Link
	store  *persist.Store
	saver  *persist.Autosaver
	notify Notifier
	logger *log.Logger

	mailbox chan message
	quit    chan struct{}
}

// Options carries the injectable collaborators. Store and Saver may be
// nil (no persistence); Notify may be nil (no editor attached yet).
type Options struct {
	Runtime mesh.PeerRuntime
	Store   *persist.Store
	Saver   *persist.Autosaver
	Notify  Notifier
	Logger  *log.Logger
}

// New wires up a full collaboration core for id. transport carries
// Link's frames between peers; retry is Link's retransmission period
// (zero means the default). If a snapshot for id exists in opts.Store,
// the document and bus resume from it.
func New(id vclock.PeerID, transport link.Transport, retry time.Duration, opts Options) *Session {
	if opts.Notify == nil {
		opts.Notify = noopNotifier{}
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	s := &Session{
		id:      id,
		store:   opts.Store,
		saver:   opts.Saver,
		notify:  opts.Notify,
		logger:  opts.Logger,
		mailbox: make(chan message, 64),
		quit:    make(chan struct{}),
	}

	s.doc = crdtdoc.New(crdtdoc.PeerID(id))
	ref := &busReceiver{}
	s.lnk = link.New(id, retry, transport, s)
	s.wave = echowave.New(id, ref, &waveLinkSender{lnk: s.lnk}, s)
	s.bus = causalbus.New(id, s.doc, s.wave, s)
	ref.bus = s.bus
	s.msh = mesh.New(id, opts.Runtime, s.wave, s.lnk, s.lnk, s.doc, s.bus, s)

	s.restore()
	return s
}

// restore resumes from the snapshot store, if one was configured and
// holds prior state for this peer. Runs before the mailbox goroutine
// starts, so it may touch state directly.
func (s *Session) restore() {
	if s.store == nil {
		return
	}
	if snap, ok, err := s.store.GetDoc(s.id); err != nil {
		s.logger.Printf("session: load doc snapshot: %v", err)
	} else if ok {
		s.doc.Restore(crdtdoc.PeerID(s.id), snap.Chars, snap.Counter)
		s.logger.Printf("session: restored %d chars from snapshot", len(snap.Chars))
	}
	if snap, ok, err := s.store.GetBus(s.id); err != nil {
		s.logger.Printf("session: load bus snapshot: %v", err)
	} else if ok {
		s.bus.Install(snap.T, snap.D)
	}
}

// Link exposes the reliable-unicast actor so the peer runtime can route
// inbound frames to it.
func (s *Session) Link() *link.Link { return s.lnk }

// ClientID reports this peer's stable identity. Immutable, so no
// mailbox round trip is needed.
func (s *Session) ClientID() string { return string(s.id) }

// Run processes the mailbox until Stop is called. Call it on its own
// goroutine.
func (s *Session) Run() {
	for {
		select {
		case <-s.quit:
			return
		case m := <-s.mailbox:
			s.handle(m)
		}
	}
}

// Stop terminates the mailbox loop.
func (s *Session) Stop() { close(s.quit) }

func (s *Session) post(m message) {
	select {
	case s.mailbox <- m:
	case <-s.quit:
		if m.errc != nil {
			m.errc <- errStopped
		}
		if m.statec != nil {
			m.statec <- stateReply{}
		}
	}
}

var errStopped = sessionError("session stopped")

type sessionError string

func (e sessionError) Error() string { return string(e) }

// LocalInsert inserts value at the 1-based index the editor reported
// (the new character ends up at that index) and broadcasts the edit.
func (s *Session) LocalInsert(index int, value rune) error {
	errc := make(chan error, 1)
	s.post(message{kind: msgLocalInsert, index: index, value: value, errc: errc})
	return <-errc
}

// LocalDelete removes the index-th live character and broadcasts the
// edit.
func (s *Session) LocalDelete(index int) error {
	errc := make(chan error, 1)
	s.post(message{kind: msgLocalDelete, index: index, errc: errc})
	return <-errc
}

// Connect joins peer (requesting a state transfer from it).
func (s *Session) Connect(peer string) error {
	errc := make(chan error, 1)
	s.post(message{kind: msgConnect, peer: vclock.PeerID(peer), errc: errc})
	return <-errc
}

// DisconnectPeer leaves a single neighbor.
func (s *Session) DisconnectPeer(peer string) {
	errc := make(chan error, 1)
	s.post(message{kind: msgLeavePeer, peer: vclock.PeerID(peer), errc: errc})
	<-errc
}

// DisconnectAll performs a graceful exit, stitching this peer's
// neighbors together pairwise before leaving them.
func (s *Session) DisconnectAll() {
	errc := make(chan error, 1)
	s.post(message{kind: msgLeaveAll, errc: errc})
	<-errc
}

// Content returns the current plain-text projection.
func (s *Session) Content() string {
	content, _ := s.state()
	return content
}

// Neighbors returns the current neighbor list.
func (s *Session) Neighbors() []string {
	_, neighbors := s.state()
	return neighbors
}

func (s *Session) state() (string, []string) {
	statec := make(chan stateReply, 1)
	s.post(message{kind: msgQuery, statec: statec})
	r := <-statec
	return r.content, r.neighbors
}

// Dispatch implements link.ModuleDispatcher: inbound frames from other
// peers are posted into the mailbox so they interleave safely with
// local edits.
func (s *Session) Dispatch(from vclock.PeerID, module string, payload any) {
	s.post(message{kind: msgDispatch, from: from, module: module, payload: payload})
}

func (s *Session) handle(m message) {
	switch m.kind {
	case msgLocalInsert:
		// The editor reports where the character landed; the document
		// wants the character it landed after.
		c, err := s.doc.InsertLocal(m.index-1, m.value)
		if err == nil {
			s.bus.Broadcast(causalbus.Op{Kind: causalbus.OpInsert, Insert: c})
			s.afterLocalEdit()
		}
		m.errc <- err

	case msgLocalDelete:
		id, err := s.doc.DeleteLocal(m.index)
		if err == nil {
			s.bus.Broadcast(causalbus.Op{Kind: causalbus.OpDelete, Delete: id})
			s.afterLocalEdit()
		}
		m.errc <- err

	case msgConnect:
		m.errc <- s.msh.Join(m.peer, mesh.Ask)

	case msgLeavePeer:
		s.msh.Leave(m.peer)
		m.errc <- nil

	case msgLeaveAll:
		s.msh.LeaveAll()
		m.errc <- nil

	case msgDispatch:
		s.dispatch(m)

	case msgQuery:
		m.statec <- stateReply{content: string(s.doc.ToText()), neighbors: s.neighborStrings()}
	}
}

func (s *Session) dispatch(m message) {
	switch m.module {
	case echowave.ModuleName:
		token, ok := m.payload.(echowave.Token)
		if !ok {
			s.logger.Printf("session: echowave payload has wrong type %T", m.payload)
			return
		}
		s.wave.OnToken(token.From, token.WaveID, token.Count, token.Envelope)
		s.snapshot()

	case mesh.ModuleName:
		msg, ok := m.payload.(mesh.Message)
		if !ok {
			s.logger.Printf("session: mesh payload has wrong type %T", m.payload)
			return
		}
		s.msh.OnMessage(m.from, msg)
		s.snapshot()

	default:
		s.logger.Printf("session: frame for unknown module %q from %s", m.module, m.from)
	}
}

func (s *Session) neighborStrings() []string {
	peers := s.msh.Neighbors()
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = string(p)
	}
	return out
}

func (s *Session) afterLocalEdit() {
	if s.saver != nil {
		s.saver.EditApplied(string(s.doc.ToText()))
	}
	s.snapshot()
}

// snapshot upserts the document and bus state into the store. Failures
// are logged; the core keeps going in memory.
func (s *Session) snapshot() {
	if s.store == nil {
		return
	}
	if err := s.store.PutDoc(s.id, persist.DocSnapshot{Chars: s.doc.Snapshot(), Counter: s.doc.Counter()}); err != nil {
		s.logger.Printf("session: persist doc: %v", err)
	}
	t, d := s.bus.Snapshot()
	if err := s.store.PutBus(s.id, persist.BusSnapshot{T: t, D: d}); err != nil {
		s.logger.Printf("session: persist bus: %v", err)
	}
}

// Init implements mesh.Notifier.
func (s *Session) Init(content string, clientID vclock.PeerID, neighbors []vclock.PeerID) {
	ns := make([]string, len(neighbors))
	for i, p := range neighbors {
		ns[i] = string(p)
	}
	s.notify.Init(content, string(clientID), ns)
}

// Installed implements mesh.Notifier: a state transfer just replaced the
// document, so the autosave file is rewritten immediately.
func (s *Session) Installed(content string) {
	if s.saver != nil {
		s.saver.Installed(content)
	}
}

// Error implements mesh.Notifier.
func (s *Session) Error(kind string) {
	s.notify.Error(kind)
}

// RemoteInsert implements causalbus.DeliveryNotifier.
func (s *Session) RemoteInsert(index int, value rune) {
	s.notify.RemoteInsert(index, value)
}

// RemoteDelete implements causalbus.DeliveryNotifier.
func (s *Session) RemoteDelete(index int) {
	s.notify.RemoteDelete(index)
}

// WaveComplete implements echowave.CompletionNotifier.
func (s *Session) WaveComplete(waveID vclock.Clock, count uint32) {
	s.logger.Printf("session: wave %s reached %d peers", waveID.Key(), count)
}
