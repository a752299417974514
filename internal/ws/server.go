// Package ws provides the WebSocket endpoint for live viewer sessions.
package ws

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/screenfleet/orchestrator/internal/config"
	"github.com/screenfleet/orchestrator/internal/domain"
	"github.com/screenfleet/orchestrator/internal/hub"
	"github.com/screenfleet/orchestrator/internal/protocol"
)

// FleetFunc returns the current fleet snapshots for a newly connected
// viewer.
type FleetFunc func() []domain.AgentSnapshot

// Server handles viewer WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	fleet    FleetFunc
	upgrader websocket.Upgrader
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, fleet FleetFunc) *Server {
	return &Server{
		cfg:   cfg,
		hub:   h,
		fleet: fleet,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWebSocket upgrades the connection, registers the viewer and sends
// one full fleet snapshot so the viewer never starts stale.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		return err
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	s.hub.SendJSONToConnection(conn, protocol.FleetSnapshotMessage{
		BaseMessage: protocol.BaseMessage{Type: protocol.TypeFleetSnapshot, Ts: time.Now().UnixMilli()},
		Agents:      s.fleet(),
	})

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump drains the connection. Viewers issue commands over the HTTP
// API, so inbound payloads are discarded; the read loop exists to process
// control frames and notice the peer going away.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
