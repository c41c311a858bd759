// Package causalbus implements CausalBus: the causal broadcast layer that
// stamps outgoing operations with a vector clock and delivers incoming
// operations to the document only once their causal dependencies have
// already been delivered.
package causalbus

import (
	"github.com/inkmesh/inkmesh/internal/crdtdoc"
	"github.com/inkmesh/inkmesh/internal/vclock"
)

// OpKind discriminates the two payload shapes an Envelope can carry.
type OpKind int

const (
	OpInsert OpKind = iota
	OpDelete
)

// Op is the payload of a broadcast envelope: either a character insertion
// or a deletion by id.
type Op struct {
	Kind   OpKind
	Insert crdtdoc.Char
	Delete crdtdoc.CharID
}

// Envelope is a stamped, originated operation travelling the mesh.
type Envelope struct {
	Origin vclock.PeerID
	Stamp  vclock.Clock
	Payload Op
}

// key identifies an envelope for buffer deduplication. Origin and stamp
// together are unique because originators strictly increment their own
// entry before broadcasting.
func (e Envelope) key() string {
	return string(e.Origin) + "|" + e.Stamp.Key()
}
