package causalbus

import (
	"github.com/inkmesh/inkmesh/internal/crdtdoc"
	"github.com/inkmesh/inkmesh/internal/vclock"
)

// DocApplier is the subset of crdtdoc.Doc that CausalBus drives. Injected
// at construction so tests can substitute a double.
type DocApplier interface {
	ApplyRemoteInsert(c crdtdoc.Char) (int, bool)
	ApplyRemoteDelete(id crdtdoc.CharID) (int, bool)
}

// WaveStarter is how a broadcast reaches the mesh: CausalBus hands the
// stamped envelope to EchoWave and never touches Link or Mesh directly.
type WaveStarter interface {
	StartWave(waveID vclock.Clock, env Envelope)
}

// DeliveryNotifier is told about the positional effect of a delivered
// remote operation, for DocSession to forward to the editor adapter.
type DeliveryNotifier interface {
	RemoteInsert(index int, value rune)
	RemoteDelete(index int)
}

type noopNotifier struct{}

func (noopNotifier) RemoteInsert(int, rune) {}
func (noopNotifier) RemoteDelete(int)       {}

// Bus is the per-peer causal broadcast actor. Not safe for concurrent use;
// callers run it inside a single-goroutine mailbox loop.
type Bus struct {
	myID    vclock.PeerID
	t       vclock.Clock // own broadcast counts merged with everything received
	d       vclock.Clock // delivery counters, per origin
	buffer  map[string]Envelope
	doc     DocApplier
	waves   WaveStarter
	notify  DeliveryNotifier
}

// New constructs a Bus for myID. waves and doc must be non-nil; notify may
// be nil, in which case deliveries are silently applied with no
// notification (useful for tests and for bootstrap before the adapter is
// attached).
func New(myID vclock.PeerID, doc DocApplier, waves WaveStarter, notify DeliveryNotifier) *Bus {
	if notify == nil {
		notify = noopNotifier{}
	}
	return &Bus{
		myID:   myID,
		t:      vclock.NewFor(myID),
		d:      vclock.New(),
		buffer: make(map[string]Envelope),
		doc:    doc,
		waves:  waves,
		notify: notify,
	}
}

// Broadcast stamps payload with the bus's vector clock and starts a new
// echo wave. The caller has already applied the edit locally at the
// document before calling Broadcast. The wave's self-cast hands the
// envelope back to Receive; applying it there is a no-op at the document
// and advances this peer's own delivery counter.
func (b *Bus) Broadcast(payload Op) Envelope {
	b.t = b.t.Increment(b.myID)
	env := Envelope{Origin: b.myID, Stamp: b.t.Copy(), Payload: payload}
	b.waves.StartWave(env.Stamp, env)
	return env
}

// Receive ingests an envelope arriving from EchoWave, buffers it, and
// delivers every envelope (including e, and any previously buffered ones)
// that is now causally ready. An envelope that was already delivered is
// ignored.
func (b *Bus) Receive(e Envelope) {
	b.t = vclock.Merge(b.t, e.Stamp)
	if e.Stamp.Get(e.Origin) <= b.d.Get(e.Origin) {
		return // duplicate: must not be applied or counted again
	}
	b.buffer[e.key()] = e
	b.drain()
}

// drain repeatedly finds and delivers any buffered envelope whose causal
// dependencies have all been delivered: e.stamp <= increment(D, e.origin)
// pointwise.
func (b *Bus) drain() {
	for {
		key, env, ok := b.findDeliverable()
		if !ok {
			return
		}
		delete(b.buffer, key)
		b.d = b.d.Increment(env.Origin)
		b.apply(env)
	}
}

func (b *Bus) findDeliverable() (string, Envelope, bool) {
	for key, env := range b.buffer {
		candidate := b.d.Increment(env.Origin)
		if vclock.LessEq(env.Stamp, candidate) {
			return key, env, true
		}
	}
	return "", Envelope{}, false
}

func (b *Bus) apply(env Envelope) {
	switch env.Payload.Kind {
	case OpInsert:
		if idx, ok := b.doc.ApplyRemoteInsert(env.Payload.Insert); ok {
			b.notify.RemoteInsert(idx, env.Payload.Insert.Value)
		}
	case OpDelete:
		if idx, ok := b.doc.ApplyRemoteDelete(env.Payload.Delete); ok {
			b.notify.RemoteDelete(idx)
		}
	}
}

// Snapshot returns the bus's (T, D) pair for state handoff to a joining
// peer.
func (b *Bus) Snapshot() (vclock.Clock, vclock.Clock) {
	return b.t.Copy(), b.d.Copy()
}

// Install merges t into the bus clock T and replaces D wholesale during
// bootstrap. Envelopes that
// arrived while the handoff was in flight sit in the buffer: any whose
// effects the snapshot already covers are discarded, and the rest are
// delivered now if the installed counters make them ready.
func (b *Bus) Install(t, d vclock.Clock) {
	b.t = vclock.Merge(b.t, t)
	b.d = d.Copy()
	for key, env := range b.buffer {
		if env.Stamp.Get(env.Origin) <= b.d.Get(env.Origin) {
			delete(b.buffer, key)
		}
	}
	b.drain()
}
