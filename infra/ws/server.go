package ws

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pfriedland/distributed-der/core/logger"
)

// Server upgrades HTTP requests on the agent link endpoint and hands each
// accepted socket a fresh session id.
type Server struct {
	handler  MessageHandler
	log      logger.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewServer builds the accept side of the stream protocol.
func NewServer(handler MessageHandler, log logger.Logger) *Server {
	return &Server{
		handler: handler,
		log:     log,
		conns:   make(map[string]*Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

// ServeHTTP lets the server mount directly on a mux route.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.HandleLink(w, r)
}

// HandleLink is the HTTP handler for the /agents/link endpoint.
func (s *Server) HandleLink(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("websocket upgrade failed: %v", err)
		return
	}

	sessionID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	conn := NewConn(sessionID, r.RemoteAddr, ws, s.handler, s.log, func(id string) {
		s.remove(id)
		cancel()
	})
	s.add(conn)

	s.log.Infof("agent connected session=%s peer=%s", sessionID, r.RemoteAddr)
	go conn.Start(ctx)
}

// Conn returns the live connection for a session, if any.
func (s *Server) Conn(sessionID string) (*Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[sessionID]
	return c, ok
}

// Len reports the number of live connections.
func (s *Server) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) add(c *Conn) {
	s.mu.Lock()
	s.conns[c.SessionID()] = c
	s.mu.Unlock()
}

func (s *Server) remove(sessionID string) {
	s.mu.Lock()
	delete(s.conns, sessionID)
	s.mu.Unlock()
}
