package wsapi

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// socket wraps a *websocket.Conn with the single writer mutex gorilla's
// docs require: at most one goroutine may call WriteMessage at a time,
// but reads happen from one dedicated loop while writes can be
// triggered from the router's delivery goroutines.
type socket struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newSocket(id string, conn *websocket.Conn) *socket {
	return &socket{id: id, conn: conn}
}

// Send implements presence.Emitter.
func (s *socket) Send(frameType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	frame := Frame{Type: FrameType(frameType), Payload: raw}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(frame)
}

// Close implements presence.Emitter.
func (s *socket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	deadline := time.Now().Add(5 * time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return s.conn.Close()
}
