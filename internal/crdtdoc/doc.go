// Package crdtdoc implements a sequence CRDT keyed by dense position
// identifiers, built over an order-statistics tree so that
// index<->position translation stays O(log n).
package crdtdoc

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/inkmesh/inkmesh/internal/ordstat"
)

// ErrIndexOutOfRange reports a local caller asking for an index that
// doesn't exist. The document is left unchanged.
type ErrIndexOutOfRange struct {
	Index, Len int
}

func (e *ErrIndexOutOfRange) Error() string {
	return fmt.Sprintf("crdtdoc: index %d out of range (len=%d)", e.Index, e.Len)
}

// Doc is the replicated document. It is not safe for
// concurrent use from multiple goroutines; the session owns one Doc per
// peer and only ever touches it from its mailbox loop.
type Doc struct {
	tree     *ordstat.Tree[Char]
	posByID  map[CharID]Position
	strategy *depthStrategies
	peer     PeerID
	counter  uint64
	rnd      *rand.Rand
}

// New constructs an empty document (just the BEGIN/END sentinels) owned by
// peer.
func New(peer PeerID) *Doc {
	d := &Doc{
		tree:     ordstat.New(lessCharByPos),
		posByID:  make(map[CharID]Position),
		strategy: newDepthStrategies(),
		peer:     peer,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(hashPeer(peer)))),
	}
	d.tree.Insert(beginChar())
	d.tree.Insert(endChar())
	return d
}

func hashPeer(p PeerID) uint64 {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(p); i++ {
		h ^= uint64(p[i])
		h *= 1099511628211
	}
	return h
}

// liveLen returns the number of non-sentinel characters.
func (d *Doc) liveLen() int {
	return d.tree.Size() - 2
}

// InsertLocal inserts value after the index-th live character (1-based;
// index=0 means before the first character). It returns the freshly
// minted Char for the caller to broadcast.
func (d *Doc) InsertLocal(index int, value rune) (Char, error) {
	n := d.liveLen()
	if index < 0 || index > n {
		return Char{}, &ErrIndexOutOfRange{Index: index, Len: n}
	}
	left, ok := d.tree.Kth(index + 1)
	if !ok {
		return Char{}, &ErrIndexOutOfRange{Index: index, Len: n}
	}
	right, ok := d.tree.Kth(index + 2)
	if !ok {
		return Char{}, &ErrIndexOutOfRange{Index: index, Len: n}
	}
	pos, err := allocate(left.Pos, right.Pos, d.peer, d.strategy, d.rnd)
	if err != nil {
		return Char{}, err
	}
	d.counter++
	c := Char{ID: CharID{Peer: d.peer, Counter: d.counter}, Pos: pos, Value: value}
	d.tree.Insert(c)
	d.posByID[c.ID] = c.Pos
	return c, nil
}

// DeleteLocal removes the index-th live character (1-based) and returns
// its id.
func (d *Doc) DeleteLocal(index int) (CharID, error) {
	n := d.liveLen()
	if index < 1 || index > n {
		return CharID{}, &ErrIndexOutOfRange{Index: index, Len: n}
	}
	c, ok := d.tree.Kth(index + 1)
	if !ok {
		return CharID{}, &ErrIndexOutOfRange{Index: index, Len: n}
	}
	d.tree.Delete(c)
	delete(d.posByID, c.ID)
	return c.ID, nil
}

// ApplyRemoteInsert installs a character received from another peer.
// Idempotent: re-applying an already-present id is a no-op. Returns the
// 1-based live index the character landed at, or false if it was already
// present.
func (d *Doc) ApplyRemoteInsert(c Char) (int, bool) {
	if _, present := d.posByID[c.ID]; present {
		return 0, false
	}
	d.tree.Insert(c)
	d.posByID[c.ID] = c.Pos
	rank, ok := d.tree.Rank(c)
	if !ok {
		// Unreachable: we just inserted c.
		panic("crdtdoc: inserted character missing from tree")
	}
	return rank - 1, true
}

// ApplyRemoteDelete removes a character by id. Idempotent: deleting an
// absent id is a no-op. Returns the 1-based live index the character held
// immediately before removal, or false if it was already absent.
func (d *Doc) ApplyRemoteDelete(id CharID) (int, bool) {
	pos, present := d.posByID[id]
	if !present {
		return 0, false
	}
	c := Char{ID: id, Pos: pos}
	rank, ok := d.tree.Rank(c)
	if !ok {
		panic("crdtdoc: posByID entry missing from tree")
	}
	d.tree.Delete(c)
	delete(d.posByID, id)
	return rank - 1, true
}

// ToText renders the current document as a codepoint sequence, sentinels
// excluded.
func (d *Doc) ToText() []rune {
	all := d.tree.InOrder()
	if len(all) < 2 {
		return nil
	}
	out := make([]rune, 0, len(all)-2)
	for _, c := range all[1 : len(all)-1] {
		out = append(out, c.Value)
	}
	return out
}

// Len returns the number of live (non-sentinel) characters.
func (d *Doc) Len() int { return d.liveLen() }

// Snapshot returns every live character in tree order, used by Mesh for
// state transfer to a joining peer.
func (d *Doc) Snapshot() []Char {
	all := d.tree.InOrder()
	if len(all) < 2 {
		return nil
	}
	return append([]Char(nil), all[1:len(all)-1]...)
}

// InstallSnapshot builds a fresh document from a state-transfer snapshot,
// tagged with the receiver's own peer id. Used in tests and anywhere a brand-new Doc is
// acceptable; Mesh uses ReplaceWith instead, since other actors hold a
// pointer to the receiver's existing Doc.
func InstallSnapshot(peer PeerID, chars []Char) *Doc {
	d := New(peer)
	d.ReplaceWith(peer, chars)
	return d
}

// ReplaceWith discards the current contents in place and installs chars,
// re-tagging future local allocations to peer. Unlike InstallSnapshot this
// preserves the Doc's identity, so components that already hold a pointer
// to it (CausalBus) see the new state without re-wiring.
func (d *Doc) ReplaceWith(peer PeerID, chars []Char) {
	d.tree = ordstat.New(lessCharByPos)
	d.posByID = make(map[CharID]Position)
	d.peer = peer
	d.tree.Insert(beginChar())
	d.tree.Insert(endChar())
	for _, c := range chars {
		d.tree.Insert(c)
		d.posByID[c.ID] = c.Pos
		// Never mint an id this peer has already used, even if the
		// snapshot carries characters we originated before the install.
		if c.ID.Peer == peer && c.ID.Counter > d.counter {
			d.counter = c.ID.Counter
		}
	}
}

// Counter reports the highest character counter this peer has minted,
// for crash-recovery snapshots.
func (d *Doc) Counter() uint64 { return d.counter }

// Restore rebuilds the document from a crash-recovery snapshot, resuming
// the id counter where the crashed incarnation left off.
func (d *Doc) Restore(peer PeerID, chars []Char, counter uint64) {
	d.ReplaceWith(peer, chars)
	if counter > d.counter {
		d.counter = counter
	}
}
