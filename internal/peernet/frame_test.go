package peernet

import (
	"testing"

	"github.com/inkmesh/inkmesh/internal/causalbus"
	"github.com/inkmesh/inkmesh/internal/crdtdoc"
	"github.com/inkmesh/inkmesh/internal/echowave"
	"github.com/inkmesh/inkmesh/internal/link"
	"github.com/inkmesh/inkmesh/internal/mesh"
	"github.com/inkmesh/inkmesh/internal/vclock"
)

func TestEchoWaveFrameRoundTrip(t *testing.T) {
	env := causalbus.Envelope{
		Origin: "a@1.1.1.1",
		Stamp:  vclock.Clock{"a@1.1.1.1": 3},
		Payload: causalbus.Op{
			Kind: causalbus.OpInsert,
			Insert: crdtdoc.Char{
				ID:    crdtdoc.CharID{Peer: "a@1.1.1.1", Counter: 3},
				Pos:   crdtdoc.Position{{Value: 7, Author: "a@1.1.1.1"}},
				Value: 'x',
			},
		},
	}
	msg := link.DeliverMsg{
		From:    "a@1.1.1.1",
		To:      "b@2.2.2.2",
		Module:  echowave.ModuleName,
		Payload: echowave.Token{WaveID: env.Stamp, From: "a@1.1.1.1", Envelope: &env},
		MsgID:   link.MsgID{Node: "a@1.1.1.1", Seq: 9},
	}

	f, err := encodeDeliverFrame(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeDeliverPayload(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	token, ok := decoded.(echowave.Token)
	if !ok {
		t.Fatalf("decoded payload has type %T", decoded)
	}
	if token.Envelope == nil || token.Envelope.Payload.Insert.Value != 'x' {
		t.Fatalf("envelope lost in transit: %+v", token)
	}
	if !token.WaveID.EqualTo(env.Stamp) {
		t.Fatalf("wave id mismatch: %v", token.WaveID)
	}
}

func TestMeshFrameRoundTrip(t *testing.T) {
	msg := link.DeliverMsg{
		From:   "c@3.3.3.3",
		To:     "a@1.1.1.1",
		Module: mesh.ModuleName,
		Payload: mesh.Message{
			Kind: mesh.MsgInstallVC,
			T:    vclock.Clock{"a@1.1.1.1": 5},
			D:    vclock.Clock{"a@1.1.1.1": 5},
		},
		MsgID: link.MsgID{Node: "c@3.3.3.3", Seq: 1},
	}
	f, err := encodeDeliverFrame(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := decodeDeliverPayload(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	m, ok := decoded.(mesh.Message)
	if !ok {
		t.Fatalf("decoded payload has type %T", decoded)
	}
	if m.Kind != mesh.MsgInstallVC || m.T.Get("a@1.1.1.1") != 5 {
		t.Fatalf("message lost in transit: %+v", m)
	}
}

func TestUnknownModuleRejected(t *testing.T) {
	msg := link.DeliverMsg{Module: "bogus", Payload: 42}
	if _, err := encodeDeliverFrame(msg); err == nil {
		t.Fatal("expected error for unknown module")
	}
}
