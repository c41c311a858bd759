// Package link implements reliable point-to-point unicast with
// per-message retry and duplicate suppression. Each
// outbound message is retransmitted on a fixed interval until
// acknowledged; each inbound message is delivered to its target module at
// most once regardless of how many times it was retransmitted.
package link

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/inkmesh/inkmesh/internal/vclock"
)

// MsgID is monotonic per originating node.
type MsgID struct {
	Node vclock.PeerID
	Seq  uint64
}

// DeliverMsg is what Send puts on the wire towards the destination Link.
type DeliverMsg struct {
	From   vclock.PeerID
	To     vclock.PeerID
	Module string
	Payload any
	MsgID  MsgID
}

// AckMsg acknowledges a DeliverMsg.
type AckMsg struct {
	MsgID MsgID
}

// Transport is a best-effort message channel between connected peers.
// internal/peernet is the concrete implementation; tests substitute an
// in-process fake.
type Transport interface {
	SendDeliver(to vclock.PeerID, msg DeliverMsg)
	SendAck(to vclock.PeerID, ack AckMsg)
}

// ModuleDispatcher routes a delivered payload to the target module
// (EchoWave or Mesh). The sender's id rides along so modules that reply
// directly, like Mesh answering a state request, know who to answer.
type ModuleDispatcher interface {
	Dispatch(from vclock.PeerID, module string, payload any)
}

type pendingEntry struct {
	msg    DeliverMsg
	ticker *backoff.Ticker
	done   chan struct{}
}

// DefaultRetryInterval is the fixed retransmission period used when the
// config doesn't override it.
const DefaultRetryInterval = 5 * time.Second

// seenTTL bounds how long a delivered msg id is remembered for duplicate
// suppression.
const seenTTL = 10 * time.Minute

// Link is the per-peer reliable-unicast actor. Safe for concurrent use:
// retry timers fire on their own goroutines and must be able to touch
// pending/seen state independently of the owning actor's mailbox loop.
type Link struct {
	nodeID   vclock.PeerID
	retry    time.Duration
	mu       sync.Mutex
	seq      uint64
	pending  map[MsgID]*pendingEntry
	seen     map[MsgID]time.Time
	transport Transport
	dispatch  ModuleDispatcher
}

// New constructs a Link for nodeID. retry <= 0 uses DefaultRetryInterval.
func New(nodeID vclock.PeerID, retry time.Duration, transport Transport, dispatch ModuleDispatcher) *Link {
	if retry <= 0 {
		retry = DefaultRetryInterval
	}
	return &Link{
		nodeID:    nodeID,
		retry:     retry,
		pending:   make(map[MsgID]*pendingEntry),
		seen:      make(map[MsgID]time.Time),
		transport: transport,
		dispatch:  dispatch,
	}
}

// Send ships payload to to's module, retrying on DefaultRetryInterval
// (or the configured retry) until Ack'd.
func (l *Link) Send(to vclock.PeerID, module string, payload any) MsgID {
	l.mu.Lock()
	l.seq++
	id := MsgID{Node: l.nodeID, Seq: l.seq}
	msg := DeliverMsg{From: l.nodeID, To: to, Module: module, Payload: payload, MsgID: id}
	entry := &pendingEntry{msg: msg, done: make(chan struct{})}
	l.pending[id] = entry
	l.mu.Unlock()

	l.transport.SendDeliver(to, msg)

	entry.ticker = backoff.NewTicker(backoff.NewConstantBackOff(l.retry))
	go l.retryLoop(entry)
	return id
}

func (l *Link) retryLoop(entry *pendingEntry) {
	for {
		select {
		case <-entry.done:
			entry.ticker.Stop()
			return
		case _, ok := <-entry.ticker.C:
			if !ok {
				return
			}
			l.mu.Lock()
			_, stillPending := l.pending[entry.msg.MsgID]
			l.mu.Unlock()
			if !stillPending {
				entry.ticker.Stop()
				return
			}
			l.transport.SendDeliver(entry.msg.To, entry.msg)
		}
	}
}

// OnAck cancels the retry timer for msgID and removes it from pending.
func (l *Link) OnAck(ack AckMsg) {
	l.mu.Lock()
	entry, ok := l.pending[ack.MsgID]
	if ok {
		delete(l.pending, ack.MsgID)
	}
	l.mu.Unlock()
	if ok {
		close(entry.done)
	}
}

// OnDeliver handles an inbound DeliverMsg: duplicates are ACKed and
// dropped without re-dispatch; first arrivals are dispatched exactly once
// and then ACKed.
func (l *Link) OnDeliver(msg DeliverMsg) {
	l.mu.Lock()
	l.pruneSeenLocked()
	if _, dup := l.seen[msg.MsgID]; dup {
		l.mu.Unlock()
		l.transport.SendAck(msg.From, AckMsg{MsgID: msg.MsgID})
		return
	}
	l.seen[msg.MsgID] = time.Now()
	l.mu.Unlock()

	l.dispatch.Dispatch(msg.From, msg.Module, msg.Payload)
	l.transport.SendAck(msg.From, AckMsg{MsgID: msg.MsgID})
}

func (l *Link) pruneSeenLocked() {
	if len(l.seen) < 4096 {
		return
	}
	cutoff := time.Now().Add(-seenTTL)
	for id, at := range l.seen {
		if at.Before(cutoff) {
			delete(l.seen, id)
		}
	}
}

// RemovePeer cancels every pending message addressed to peer. Link is not
// responsible for detecting peer death; Mesh calls this once it has
// decided a peer is gone.
func (l *Link) RemovePeer(peer vclock.PeerID) {
	l.mu.Lock()
	var toCancel []*pendingEntry
	for id, entry := range l.pending {
		if entry.msg.To == peer {
			toCancel = append(toCancel, entry)
			delete(l.pending, id)
		}
	}
	l.mu.Unlock()
	for _, entry := range toCancel {
		close(entry.done)
	}
}

// PendingCount reports how many unacknowledged sends are outstanding, for
// tests and diagnostics.
func (l *Link) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
