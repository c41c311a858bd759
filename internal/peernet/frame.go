package peernet

import (
	"encoding/json"
	"fmt"

	"github.com/inkmesh/inkmesh/internal/echowave"
	"github.com/inkmesh/inkmesh/internal/link"
	"github.com/inkmesh/inkmesh/internal/mesh"
	"github.com/inkmesh/inkmesh/internal/vclock"
)

// frameKind discriminates the two shapes carried over the wire between
// peers: a message headed for a target module, or an acknowledgement of
// one.
type frameKind string

const (
	frameDeliver frameKind = "deliver"
	frameAck     frameKind = "ack"
)

type wireMsgID struct {
	Node vclock.PeerID `json:"node"`
	Seq  uint64        `json:"seq"`
}

func toWireMsgID(id link.MsgID) wireMsgID { return wireMsgID{Node: id.Node, Seq: id.Seq} }
func fromWireMsgID(id wireMsgID) link.MsgID {
	return link.MsgID{Node: id.Node, Seq: id.Seq}
}

// frame is the on-the-wire envelope. Payload is deferred decoding
// (json.RawMessage) because its concrete shape depends on Module, which
// Link itself treats opaquely.
type frame struct {
	Kind    frameKind       `json:"kind"`
	From    vclock.PeerID   `json:"from"`
	To      vclock.PeerID   `json:"to"`
	Module  string          `json:"module,omitempty"`
	MsgID   wireMsgID       `json:"msg_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func encodeDeliverFrame(msg link.DeliverMsg) (frame, error) {
	var raw json.RawMessage
	var err error
	switch msg.Module {
	case echowave.ModuleName:
		token, ok := msg.Payload.(echowave.Token)
		if !ok {
			return frame{}, fmt.Errorf("peernet: echowave payload has wrong type %T", msg.Payload)
		}
		raw, err = json.Marshal(token)
	case mesh.ModuleName:
		m, ok := msg.Payload.(mesh.Message)
		if !ok {
			return frame{}, fmt.Errorf("peernet: mesh payload has wrong type %T", msg.Payload)
		}
		raw, err = json.Marshal(m)
	default:
		return frame{}, fmt.Errorf("peernet: unknown module %q", msg.Module)
	}
	if err != nil {
		return frame{}, err
	}
	return frame{
		Kind:    frameDeliver,
		From:    msg.From,
		To:      msg.To,
		Module:  msg.Module,
		MsgID:   toWireMsgID(msg.MsgID),
		Payload: raw,
	}, nil
}

func encodeAckFrame(from, to vclock.PeerID, ack link.AckMsg) frame {
	return frame{Kind: frameAck, From: from, To: to, MsgID: toWireMsgID(ack.MsgID)}
}

func decodeDeliverPayload(f frame) (any, error) {
	switch f.Module {
	case echowave.ModuleName:
		var token echowave.Token
		if err := json.Unmarshal(f.Payload, &token); err != nil {
			return nil, err
		}
		return token, nil
	case mesh.ModuleName:
		var m mesh.Message
		if err := json.Unmarshal(f.Payload, &m); err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, fmt.Errorf("peernet: unknown module %q", f.Module)
	}
}
