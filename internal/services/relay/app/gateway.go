package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/louisbranch/roomrelay/internal/services/relay/room"
	"golang.org/x/net/websocket"
)

type roomsResponse struct {
	Rooms []room.Summary `json:"rooms"`
}

// newHandler builds the HTTP gateway routes. serveWS runs one WebSocket
// client through the relay protocol.
func newHandler(rooms *room.Manager, serveWS func(*websocket.Conn)) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("GET /rooms", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(roomsResponse{Rooms: rooms.Snapshot()}); err != nil {
			log.Printf("relay: encode rooms response: %v", err)
		}
	})

	// Handshake is left nil so clients without an Origin header are accepted.
	mux.Handle("GET /ws", websocket.Server{Handler: serveWS})
	return mux
}

// serveWebSocket runs the relay session over text frames. Each received
// frame is one inbound read.
func (s *Server) serveWebSocket(conn *websocket.Conn) {
	address := "ws://" + conn.Request().RemoteAddr
	log.Printf("relay: new websocket client from %s", address)
	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)

	conn.PayloadType = websocket.TextFrame
	s.serveConn(conn.Request().Context(), address, conn)
}
