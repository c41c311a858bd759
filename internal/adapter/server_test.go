package adapter

import (
	"encoding/json"
	"log"
	"os"
	"testing"
)

type fakeCore struct {
	inserts    []int
	deletes    []int
	connects   []string
	discPeers  []string
	discAll    int
	insertErr  error
	deleteErr  error
	content    string
	neighbors  []string
}

func (c *fakeCore) LocalInsert(index int, value rune) error {
	if c.insertErr != nil {
		return c.insertErr
	}
	c.inserts = append(c.inserts, index)
	return nil
}

func (c *fakeCore) LocalDelete(index int) error {
	if c.deleteErr != nil {
		return c.deleteErr
	}
	c.deletes = append(c.deletes, index)
	return nil
}

func (c *fakeCore) Connect(peer string) error { c.connects = append(c.connects, peer); return nil }
func (c *fakeCore) DisconnectPeer(peer string) { c.discPeers = append(c.discPeers, peer) }
func (c *fakeCore) DisconnectAll()             { c.discAll++ }
func (c *fakeCore) ClientID() string           { return "a@1.1.1.1" }
func (c *fakeCore) Content() string            { return c.content }
func (c *fakeCore) Neighbors() []string        { return c.neighbors }

func newTestServer(core *fakeCore) (*Server, *client) {
	srv := &Server{core: core, hub: newHub(log.New(os.Stdout, "", 0)), logger: log.New(os.Stdout, "", 0)}
	c := &client{id: "test", send: make(chan []byte, 8)}
	return srv, c
}

func decodeSent(t *testing.T, c *client) map[string]any {
	t.Helper()
	select {
	case raw := <-c.send:
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("sent frame is not JSON: %v", err)
		}
		return m
	default:
		t.Fatal("nothing was sent to the client")
		return nil
	}
}

func inboundJSON(t *testing.T, raw string) inbound {
	t.Helper()
	var m inbound
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("bad test message: %v", err)
	}
	return m
}

func TestPingPong(t *testing.T) {
	srv, c := newTestServer(&fakeCore{})
	srv.handle(c, inboundJSON(t, `{"type":"ping"}`))
	if got := decodeSent(t, c); got["type"] != "pong" {
		t.Fatalf("reply = %v, want pong", got)
	}
}

func TestGetClientIDRepliesInit(t *testing.T) {
	core := &fakeCore{content: "hello", neighbors: []string{"b@2.2.2.2"}}
	srv, c := newTestServer(core)
	srv.handle(c, inboundJSON(t, `{"type":"get_client_id"}`))
	got := decodeSent(t, c)
	if got["type"] != "init" || got["client_id"] != "a@1.1.1.1" || got["content"] != "hello" {
		t.Fatalf("init reply = %v", got)
	}
}

func TestInsertRoutesToCore(t *testing.T) {
	core := &fakeCore{}
	srv, c := newTestServer(core)
	srv.handle(c, inboundJSON(t, `{"type":"insert","index":3,"char":"x","client_id":"a@1.1.1.1"}`))
	if len(core.inserts) != 1 || core.inserts[0] != 3 {
		t.Fatalf("core saw inserts %v, want [3]", core.inserts)
	}
}

func TestInsertOutOfRangeSurfacesError(t *testing.T) {
	core := &fakeCore{insertErr: errTest}
	srv, c := newTestServer(core)
	srv.handle(c, inboundJSON(t, `{"type":"insert","index":99,"char":"x"}`))
	got := decodeSent(t, c)
	if got["type"] != "error" || got["message"] != "invalid_index" {
		t.Fatalf("reply = %v, want invalid_index error", got)
	}
}

var errTest = jsonError("boom")

type jsonError string

func (e jsonError) Error() string { return string(e) }

func TestDeleteMarkerIgnored(t *testing.T) {
	core := &fakeCore{}
	srv, c := newTestServer(core)
	srv.handle(c, inboundJSON(t, `{"type":"delete","index":"marker","client_id":"a@1.1.1.1"}`))
	if len(core.deletes) != 0 {
		t.Fatalf("marker delete reached the core: %v", core.deletes)
	}
}

func TestDeleteRoutesToCore(t *testing.T) {
	core := &fakeCore{}
	srv, c := newTestServer(core)
	srv.handle(c, inboundJSON(t, `{"type":"delete","index":2,"client_id":"a@1.1.1.1"}`))
	if len(core.deletes) != 1 || core.deletes[0] != 2 {
		t.Fatalf("core saw deletes %v, want [2]", core.deletes)
	}
}

func TestConnectAndDisconnect(t *testing.T) {
	core := &fakeCore{}
	srv, c := newTestServer(core)

	srv.handle(c, inboundJSON(t, `{"type":"connect","peer_address":"b@2.2.2.2"}`))
	if len(core.connects) != 1 || core.connects[0] != "b@2.2.2.2" {
		t.Fatalf("connect routed wrong: %v", core.connects)
	}

	srv.handle(c, inboundJSON(t, `{"type":"disconnect","peer_id":"b@2.2.2.2"}`))
	if len(core.discPeers) != 1 {
		t.Fatalf("single disconnect routed wrong: %v", core.discPeers)
	}

	srv.handle(c, inboundJSON(t, `{"type":"disconnect"}`))
	if core.discAll != 1 {
		t.Fatalf("disconnect without peer should leave all, got %d", core.discAll)
	}
}

func TestOperationMessageShape(t *testing.T) {
	raw := marshalOperation(operation{Type: "insert", Index: 4, Char: "z"})
	var m operationsMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Type != "operations" || len(m.Operations) != 1 || m.Operations[0].Index != 4 || m.Operations[0].Char != "z" {
		t.Fatalf("operations frame = %+v", m)
	}
}
