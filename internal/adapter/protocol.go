package adapter

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// inbound is a client→server editor message. Index is deferred because
// the editor sends either a number or the string "marker" for deletes it
// wants ignored.
type inbound struct {
	Type        string          `json:"type"`
	PeerAddress string          `json:"peer_address,omitempty"`
	PeerID      string          `json:"peer_id,omitempty"`
	Index       json.RawMessage `json:"index,omitempty"`
	Char        string          `json:"char,omitempty"`
	ClientID    string          `json:"client_id,omitempty"`
}

var markerIndex = []byte(`"marker"`)

// indexValue parses the 1-based index field. marker is true when the
// editor sent the "marker" placeholder instead of a number.
func (m inbound) indexValue() (index int, marker bool, err error) {
	if len(m.Index) == 0 {
		return 0, false, fmt.Errorf("adapter: %s message missing index", m.Type)
	}
	if bytes.Equal(m.Index, markerIndex) {
		return 0, true, nil
	}
	if err := json.Unmarshal(m.Index, &index); err != nil {
		return 0, false, fmt.Errorf("adapter: bad index %s: %v", m.Index, err)
	}
	return index, false, nil
}

// initMsg is the server→client bootstrap payload.
type initMsg struct {
	Type      string   `json:"type"`
	ClientID  string   `json:"client_id"`
	Content   string   `json:"content"`
	Neighbors []string `json:"neighbors"`
}

// operation is one positional effect of a delivered remote edit.
type operation struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Char  string `json:"char,omitempty"`
}

// operationsMsg carries remote edits to the editor.
type operationsMsg struct {
	Type       string      `json:"type"`
	Operations []operation `json:"operations"`
}

// errorMsg surfaces a user-visible failure.
type errorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// typeOnlyMsg covers ping and pong.
type typeOnlyMsg struct {
	Type string `json:"type"`
}

func marshalInit(clientID, content string, neighbors []string) []byte {
	if neighbors == nil {
		neighbors = []string{}
	}
	raw, _ := json.Marshal(initMsg{Type: "init", ClientID: clientID, Content: content, Neighbors: neighbors})
	return raw
}

func marshalOperation(op operation) []byte {
	raw, _ := json.Marshal(operationsMsg{Type: "operations", Operations: []operation{op}})
	return raw
}

func marshalError(message string) []byte {
	raw, _ := json.Marshal(errorMsg{Type: "error", Message: message})
	return raw
}

func marshalPong() []byte {
	raw, _ := json.Marshal(typeOnlyMsg{Type: "pong"})
	return raw
}
