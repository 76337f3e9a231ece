package signaling

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds a single frame write so a stalled peer cannot block the
// relay or the client's caller goroutine indefinitely.
const writeWait = 10 * time.Second

// sender serializes outgoing relay frames on one WebSocket. gorilla/websocket
// allows at most one concurrent writer per connection.
type sender struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newSender(conn *websocket.Conn) *sender {
	return &sender{conn: conn}
}

// send writes a relay frame to the WebSocket, guarded by a mutex.
func (s *sender) send(msg message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

// sendClose writes a close frame with the given code and reason.
func (s *sender) sendClose(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}
