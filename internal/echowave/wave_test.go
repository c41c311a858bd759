package echowave

import (
	"testing"

	"github.com/inkmesh/inkmesh/internal/causalbus"
	"github.com/inkmesh/inkmesh/internal/vclock"
)

// fakeNetwork wires a set of Wave actors together in-process, delivering
// Send calls synchronously to the target's OnToken, standing in for
// Link's reliable unicast (Link's own correctness is tested separately).
type fakeNetwork struct {
	waves map[vclock.PeerID]*Wave
}

func (n *fakeNetwork) Send(to vclock.PeerID, module string, payload Token) {
	target := n.waves[to]
	target.OnToken(payload.From, payload.WaveID, payload.Count, payload.Envelope)
}

type countingBus struct {
	received []causalbus.Envelope
}

func (b *countingBus) Receive(env causalbus.Envelope) {
	b.received = append(b.received, env)
}

type recordingCompletion struct {
	waveID vclock.Clock
	count  uint32
	called bool
}

func (r *recordingCompletion) WaveComplete(waveID vclock.Clock, count uint32) {
	r.waveID = waveID
	r.count = count
	r.called = true
}

func buildTriangle(t *testing.T) (map[vclock.PeerID]*Wave, map[vclock.PeerID]*countingBus, map[vclock.PeerID]*recordingCompletion) {
	t.Helper()
	net := &fakeNetwork{waves: make(map[vclock.PeerID]*Wave)}
	buses := map[vclock.PeerID]*countingBus{"a": {}, "b": {}, "c": {}}
	completions := map[vclock.PeerID]*recordingCompletion{"a": {}, "b": {}, "c": {}}

	for _, id := range []vclock.PeerID{"a", "b", "c"} {
		net.waves[id] = New(id, buses[id], net, completions[id])
	}
	// fully connected triangle
	net.waves["a"].AddNeighbor("b")
	net.waves["a"].AddNeighbor("c")
	net.waves["b"].AddNeighbor("a")
	net.waves["b"].AddNeighbor("c")
	net.waves["c"].AddNeighbor("a")
	net.waves["c"].AddNeighbor("b")
	return net.waves, buses, completions
}

func TestFloodReachesEveryPeerExactlyOnce(t *testing.T) {
	waves, buses, completions := buildTriangle(t)

	env := causalbus.Envelope{Origin: "a", Stamp: vclock.Clock{"a": 1}}
	waves["a"].StartWave(env.Stamp, env)

	for id, b := range buses {
		if len(b.received) != 1 {
			t.Fatalf("peer %s received %d copies, want exactly 1", id, len(b.received))
		}
	}
	if !completions["a"].called {
		t.Fatalf("originator never saw wave_complete")
	}
	if completions["a"].count != 3 {
		t.Fatalf("wave_complete count = %d, want 3 (a, b and c all reached)", completions["a"].count)
	}
	if completions["b"].called || completions["c"].called {
		t.Fatalf("non-originator should not see wave_complete")
	}
	for _, w := range waves {
		if w.PendingCount() != 0 {
			t.Fatalf("wave left open after flood completed")
		}
	}
}

func TestSingleNodeNoNeighborsClosesImmediately(t *testing.T) {
	bus := &countingBus{}
	completion := &recordingCompletion{}
	net := &fakeNetwork{waves: make(map[vclock.PeerID]*Wave)}
	w := New("solo", bus, net, completion)
	net.waves["solo"] = w

	env := causalbus.Envelope{Origin: "solo", Stamp: vclock.Clock{"solo": 1}}
	w.StartWave(env.Stamp, env)

	if !completion.called || completion.count != 1 {
		t.Fatalf("expected immediate wave_complete with count 1, got called=%v count=%d", completion.called, completion.count)
	}
}

func TestWaveAfterNeighborRemovalSkipsRemovedPeer(t *testing.T) {
	waves, buses, completions := buildTriangle(t)
	// c departs: every surviving view drops it.
	waves["a"].DelNeighbor("c")
	waves["b"].DelNeighbor("c")

	env := causalbus.Envelope{Origin: "a", Stamp: vclock.Clock{"a": 5}}
	waves["a"].StartWave(env.Stamp, env)

	if len(buses["c"].received) != 0 {
		t.Fatalf("removed peer still received the envelope")
	}
	if !completions["a"].called || completions["a"].count != 2 {
		t.Fatalf("wave over {a,b} should complete with count 2, got called=%v count=%d",
			completions["a"].called, completions["a"].count)
	}
}
