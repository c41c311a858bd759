// Package vclock implements vector clocks for detecting causal order and
// concurrency between events originated by different peers.
package vclock

import (
	"fmt"
	"maps"
	"sort"
	"strings"
)

// PeerID identifies a peer; see package peernet for the concrete format.
type PeerID string

// Relation is the result of comparing two clocks.
type Relation int

const (
	Equal Relation = iota
	Before
	After
	Concurrent
)

// Clock maps a peer to the number of events it has broadcast. Unseen peers
// default to zero.
type Clock map[PeerID]uint64

// New returns an empty clock.
func New() Clock {
	return make(Clock)
}

// NewFor returns a clock with a single zeroed entry for peer.
func NewFor(peer PeerID) Clock {
	return Clock{peer: 0}
}

// Get returns the count for peer, 0 if unseen.
func (c Clock) Get(peer PeerID) uint64 {
	return c[peer]
}

// Increment returns a copy of c with peer's count incremented by one.
func (c Clock) Increment(peer PeerID) Clock {
	out := c.Copy()
	out[peer] = out[peer] + 1
	return out
}

// Copy returns a deep copy of c.
func (c Clock) Copy() Clock {
	out := make(Clock, len(c))
	maps.Copy(out, c)
	return out
}

// Merge returns the pointwise maximum of a and b.
func Merge(a, b Clock) Clock {
	out := a.Copy()
	for peer, v := range b {
		if v > out[peer] {
			out[peer] = v
		}
	}
	return out
}

// LessEq reports whether a <= b pointwise across the union of both clocks'
// keys.
func LessEq(a, b Clock) bool {
	for peer, v := range a {
		if v > b[peer] {
			return false
		}
	}
	return true
}

// Compare classifies the relation between a and b.
func Compare(a, b Clock) Relation {
	aLeB := LessEq(a, b)
	bLeA := LessEq(b, a)
	switch {
	case aLeB && bLeA:
		return Equal
	case aLeB:
		return Before
	case bLeA:
		return After
	default:
		return Concurrent
	}
}

// Before reports whether a < b: a <= b and a != b.
func (c Clock) Before(other Clock) bool {
	return Compare(c, other) == Before
}

// After reports whether a > b.
func (c Clock) After(other Clock) bool {
	return Compare(c, other) == After
}

// EqualTo reports whether a and b carry the same counts.
func (c Clock) EqualTo(other Clock) bool {
	return Compare(c, other) == Equal
}

// Concurrent reports whether neither clock causally precedes the other.
func (c Clock) Concurrent(other Clock) bool {
	return Compare(c, other) == Concurrent
}

// Key renders a deterministic string for c, usable as a map key or a wave
// id.
func (c Clock) Key() string {
	peers := make([]string, 0, len(c))
	for p := range c {
		peers = append(peers, string(p))
	}
	sort.Strings(peers)
	var b strings.Builder
	for i, p := range peers {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%d", p, c[PeerID(p)])
	}
	return b.String()
}
