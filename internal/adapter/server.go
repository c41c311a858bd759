// Package adapter terminates the editor's JSON/WebSocket protocol: it
// parses input events into session calls and pushes the session's
// notifications back out to every connected editor client.
package adapter

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Core is the session surface the adapter drives. Indices on this
// boundary are 1-based.
type Core interface {
	LocalInsert(index int, value rune) error
	LocalDelete(index int) error
	Connect(peer string) error
	DisconnectPeer(peer string)
	DisconnectAll()
	ClientID() string
	Content() string
	Neighbors() []string
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one connected editor.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// hub tracks connected editor clients and fans notifications out to all
// of them.
type hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	logger     *log.Logger
}

func newHub(logger *log.Logger) *hub {
	return &hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		logger:     logger,
	}
}

func (h *hub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.logger.Printf("adapter: editor %s connected, %d total", c.id, len(h.clients))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.logger.Printf("adapter: editor %s disconnected, %d total", c.id, len(h.clients))
			}
		case message := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
		}
	}
}

// Server owns the editor-facing HTTP surface. It also implements
// session.Notifier, pushing session events to every connected editor.
type Server struct {
	core   Core
	hub    *hub
	logger *log.Logger
}

// NewServer constructs a Server. AttachCore must be called before the
// router serves traffic.
func NewServer(logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{hub: newHub(logger), logger: logger}
	go s.hub.run()
	return s
}

// AttachCore wires the session in. Separate from NewServer because the
// session needs the Server as its notifier first.
func (s *Server) AttachCore(core Core) {
	s.core = core
}

// Router mounts the editor WebSocket and a liveness probe.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.serveWs)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("adapter: upgrade: %v", err)
		return
	}
	c := &client{id: uuid.NewString()[:8], conn: conn, send: make(chan []byte, 256)}
	s.hub.register <- c
	go c.writePump()
	go s.readPump(c)
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Printf("adapter: bad message from %s: %v", c.id, err)
			continue
		}
		s.handle(c, msg)
	}
}

func (s *Server) handle(c *client, msg inbound) {
	if s.core == nil {
		s.logger.Printf("adapter: dropping %q message, no core attached yet", msg.Type)
		return
	}
	switch msg.Type {
	case "ping":
		c.send <- marshalPong()

	case "get_client_id":
		c.send <- marshalInit(s.core.ClientID(), s.core.Content(), s.core.Neighbors())

	case "connect":
		if err := s.core.Connect(msg.PeerAddress); err != nil {
			s.logger.Printf("adapter: connect %q: %v", msg.PeerAddress, err)
		}

	case "disconnect":
		if msg.PeerID != "" {
			s.core.DisconnectPeer(msg.PeerID)
		} else {
			s.core.DisconnectAll()
		}

	case "insert":
		index, _, err := msg.indexValue()
		if err != nil {
			s.logger.Printf("adapter: %v", err)
			return
		}
		if msg.Char == "" {
			s.logger.Printf("adapter: insert without char from %s", c.id)
			return
		}
		value := []rune(msg.Char)[0]
		if err := s.core.LocalInsert(index, value); err != nil {
			s.logger.Printf("adapter: insert at %d: %v", index, err)
			c.send <- marshalError("invalid_index")
		}

	case "delete":
		index, marker, err := msg.indexValue()
		if err != nil {
			s.logger.Printf("adapter: %v", err)
			return
		}
		if marker {
			return
		}
		if err := s.core.LocalDelete(index); err != nil {
			s.logger.Printf("adapter: delete at %d: %v", index, err)
			c.send <- marshalError("invalid_index")
		}

	default:
		s.logger.Printf("adapter: unknown message type %q from %s", msg.Type, c.id)
	}
}

func (c *client) writePump() {
	defer c.conn.Close()
	for {
		message, ok := <-c.send
		if !ok {
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
		c.conn.WriteMessage(websocket.TextMessage, message)
	}
}

// Init implements session.Notifier.
func (s *Server) Init(content string, clientID string, neighbors []string) {
	s.hub.broadcast <- marshalInit(clientID, content, neighbors)
}

// RemoteInsert implements session.Notifier.
func (s *Server) RemoteInsert(index int, value rune) {
	s.hub.broadcast <- marshalOperation(operation{Type: "insert", Index: index, Char: string(value)})
}

// RemoteDelete implements session.Notifier.
func (s *Server) RemoteDelete(index int) {
	s.hub.broadcast <- marshalOperation(operation{Type: "delete", Index: index})
}

// Error implements session.Notifier.
func (s *Server) Error(kind string) {
	s.hub.broadcast <- marshalError(kind)
}
