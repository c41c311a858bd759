package crdtdoc

import (
	"fmt"
	"math/rand"

	"github.com/inkmesh/inkmesh/internal/vclock"
)

// PeerID is the same opaque identifier vclock.Clock is keyed by, so
// CausalBus can stamp a Char's author directly without conversion.
type PeerID = vclock.PeerID

const (
	// InitialBase is the digit base at depth 1; it doubles per depth.
	InitialBase uint32 = 32
	// Boundary caps how wide a single allocation step may be (LSEQ
	// "boundary" strategy parameter).
	Boundary uint32 = 15
	// sentinelAuthor tags the BEGIN/END bracket positions.
	sentinelAuthor PeerID = "$"
)

// Strategy is the per-depth allocation bias, cached once chosen so that
// every future allocation at that depth leans the same way.
type Strategy int

const (
	Plus Strategy = iota
	Minus
)

// Digit is one component of a Position: a value and the peer that minted
// it, used to break ties between concurrent allocations.
type Digit struct {
	Value  uint32
	Author PeerID
}

func (d Digit) less(o Digit) bool {
	if d.Value != o.Value {
		return d.Value < o.Value
	}
	return d.Author < o.Author
}

func (d Digit) equal(o Digit) bool {
	return d.Value == o.Value && d.Author == o.Author
}

// Position is a dense, totally ordered identifier for a character.
type Position []Digit

// Less implements the lexicographic order on digit sequences, with a
// shorter prefix ordering before any of its extensions.
func (p Position) Less(q Position) bool {
	n := len(p)
	if len(q) < n {
		n = len(q)
	}
	for i := 0; i < n; i++ {
		if p[i].equal(q[i]) {
			continue
		}
		return p[i].less(q[i])
	}
	return len(p) < len(q)
}

// Equal reports whether p and q are the same sequence of digits.
func (p Position) Equal(q Position) bool {
	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if !p[i].equal(q[i]) {
			return false
		}
	}
	return true
}

// Begin and End bracket the document; every live character's position
// lies strictly between them.
func Begin() Position { return Position{{Value: 0, Author: sentinelAuthor}} }
func End() Position   { return Position{{Value: InitialBase, Author: sentinelAuthor}} }

func baseAt(depth int) uint32 {
	// depth is 1-based; B(depth) = InitialBase * 2^(depth-1).
	return InitialBase << uint(depth-1)
}

// depthStrategies caches the Plus/Minus bias chosen for each depth the
// first time an allocation reaches it. Owned by DocCRDT, shared across all
// allocations in that document's lifetime.
type depthStrategies struct {
	byDepth map[int]Strategy
}

func newDepthStrategies() *depthStrategies {
	return &depthStrategies{byDepth: make(map[int]Strategy)}
}

func (s *depthStrategies) get(depth int, rnd *rand.Rand) Strategy {
	if st, ok := s.byDepth[depth]; ok {
		return st
	}
	st := Plus
	if rnd.Intn(2) == 1 {
		st = Minus
	}
	s.byDepth[depth] = st
	return st
}

// ErrAllocationInvariant signals that the caller handed allocate two
// positions that do not satisfy left < right; this is a programming bug,
// never a consequence of remote input, and callers should treat it as
// fatal.
type ErrAllocationInvariant struct {
	Left, Right Position
}

func (e *ErrAllocationInvariant) Error() string {
	return fmt.Sprintf("crdtdoc: allocate invariant violated: left %v not < right %v", e.Left, e.Right)
}

// allocate implements the LSEQ-inspired position allocator: given
// left < right, produce a new position strictly between them
// by walking digit depths, applying a cached per-depth Plus/Minus
// strategy, and falling back to a narrowing "append and descend" step
// whenever the interval at a depth is too small to place a new digit.
func allocate(left, right Position, author PeerID, strat *depthStrategies, rnd *rand.Rand) (Position, error) {
	var result Position
	curLeft, curRight := left, right

	for depth := 1; ; depth++ {
		var ph uint32
		var pidP PeerID = author
		if len(curLeft) > 0 {
			ph = curLeft[0].Value
			pidP = curLeft[0].Author
		}

		qh := baseAt(depth)
		var pidQ PeerID = sentinelAuthor
		if len(curRight) > 0 {
			qh = curRight[0].Value
			pidQ = curRight[0].Author
		}

		interval := int64(qh) - int64(ph)
		switch {
		case interval > 1:
			step := interval - 1
			if step > int64(Boundary) {
				step = int64(Boundary)
			}
			s := strat.get(depth, rnd)
			var v uint32
			if s == Plus {
				v = ph + uint32(1+rnd.Int63n(step))
			} else {
				v = qh - uint32(1+rnd.Int63n(step))
			}
			return append(append(Position{}, result...), Digit{Value: v, Author: author}), nil

		case interval == 0 || interval == 1:
			emitAuthor := pidP
			if interval == 0 && pidP > pidQ {
				emitAuthor = pidQ // wildcard tie-break
			}
			result = append(result, Digit{Value: ph, Author: emitAuthor})

			if len(curLeft) > 0 {
				curLeft = curLeft[1:]
			} else {
				curLeft = nil
			}
			if interval == 1 {
				curRight = nil
			} else if pidP >= pidQ {
				if len(curRight) > 0 {
					curRight = curRight[1:]
				} else {
					curRight = nil
				}
			} else {
				curRight = nil
			}

		default: // interval < 0
			return nil, &ErrAllocationInvariant{Left: left, Right: right}
		}
	}
}
