// Package server exposes the scheduler snapshot to the external GUI: a JSON
// endpoint for polling and a websocket that pushes every published snapshot.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"emufleet/internal/logging"
	"emufleet/internal/scheduler"
)

const (
	writeWait      = 10 * time.Second
	clientSendSize = 8
)

var upgrader = websocket.Upgrader{
	// The GUI connects from a local file origin, not this host.
	CheckOrigin: func(*http.Request) bool { return true },
}

// SnapshotSource is the read side of the scheduler.
type SnapshotSource interface {
	Snapshot() scheduler.Snapshot
}

// Server pushes scheduler snapshots to connected GUI clients.
type Server struct {
	source SnapshotSource
	http   *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan scheduler.Snapshot
}

func New(addr string, source SnapshotSource) *Server {
	s := &Server{
		source:  source,
		clients: make(map[*client]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/ws", s.handleWebsocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	s.http = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		logging.Get(logging.CategoryServer).Info("snapshot server listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Get(logging.CategoryServer).Error("server stopped: %v", err)
		}
	}()
}

// Shutdown closes all client connections and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.clients {
		close(c.send)
		delete(s.clients, c)
	}
	s.mu.Unlock()
	return s.http.Shutdown(ctx)
}

// Publish fans a fresh snapshot out to every connected client. Slow clients
// drop intermediate snapshots rather than stalling the scheduler.
func (s *Server) Publish(snap scheduler.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- snap:
		default:
			logging.Get(logging.CategoryServer).Warn("client lagging, snapshot dropped")
		}
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.source.Snapshot()); err != nil {
		logging.Get(logging.CategoryServer).Error("snapshot encode failed: %v", err)
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	log := logging.Get(logging.CategoryServer)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("websocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan scheduler.Snapshot, clientSendSize)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	log.Info("GUI client connected from %s", r.RemoteAddr)

	// Seed the new client with the current state immediately.
	c.send <- s.source.Snapshot()

	go s.writeLoop(c)
	s.readLoop(c)
}

func (s *Server) writeLoop(c *client) {
	for snap := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(snap); err != nil {
			s.drop(c)
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()
}

// readLoop discards inbound frames; its job is noticing disconnects.
func (s *Server) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			s.drop(c)
			return
		}
	}
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
	c.conn.Close()
}
